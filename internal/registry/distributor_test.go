package registry

import (
	"sort"
	"sync"
	"testing"
	"time"

	"mdgateway/internal/snapshot"
)

// fakeOutbox records every full snapshot / delta handed to it, guarded by
// a mutex since Distributor shards deliver concurrently across instruments.
type fakeOutbox struct {
	mu      sync.Mutex
	fulls   []snapshot.Snapshot
	deltas  []snapshot.Delta
}

func (f *fakeOutbox) EnqueueFull(_ string, snap snapshot.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fulls = append(f.fulls, snap)
}

func (f *fakeOutbox) EnqueueDelta(_ string, delta snapshot.Delta) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deltas = append(f.deltas, delta)
}

func (f *fakeOutbox) counts() (fulls, deltas int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fulls), len(f.deltas)
}

type fakeNotifier struct {
	mu          sync.Mutex
	subscribed  map[string]int
	subscribeN  int
	unsubscribeN int
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{subscribed: make(map[string]int)}
}

func (n *fakeNotifier) Subscribe(k string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subscribed[k]++
	n.subscribeN++
}

func (n *fakeNotifier) Unsubscribe(k string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subscribed[k]--
	n.unsubscribeN++
}

func (n *fakeNotifier) refcount(k string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.subscribed[k]
}

func mkSnap(instrument string, last, vol float64) snapshot.Snapshot {
	s := snapshot.New(instrument, "SHFE", "ctp")
	s.Set(snapshot.FieldLastPrice, last)
	s.Set(snapshot.FieldVolume, vol)
	return s
}

func TestScenario1_SubscribeThenFirstTickDeliversExactFields(t *testing.T) {
	notifier := newFakeNotifier()
	d := New(Config{Shards: 4, InboxCapacity: 16}, notifier, nil)
	defer d.Close()

	out := &fakeOutbox{}
	d.Subscribe(1, []string{"SHFE.au2412"}, out)

	snap := snapshot.New("SHFE.au2412", "SHFE", "ctp")
	snap.Set(snapshot.FieldLastPrice, 100)
	snap.Set(snapshot.FieldVolume, 10)
	snap.Set(snapshot.FieldBidPrice1, 99)
	d.Ingest(snap)

	waitFor(t, func() bool {
		fulls, _ := out.counts()
		return fulls == 1
	})

	fulls, deltas := out.counts()
	if fulls != 1 || deltas != 0 {
		t.Fatalf("expected exactly one full delivery, got fulls=%d deltas=%d", fulls, deltas)
	}
	got := out.fulls[0]
	if v, ok := got.Get(snapshot.FieldLastPrice); !ok || v != 100 {
		t.Fatalf("last_price mismatch: %v %v", v, ok)
	}
	if v, ok := got.Get(snapshot.FieldVolume); !ok || v != 10 {
		t.Fatalf("volume mismatch: %v %v", v, ok)
	}
	if v, ok := got.Get(snapshot.FieldBidPrice1); !ok || v != 99 {
		t.Fatalf("bid_price1 mismatch: %v %v", v, ok)
	}
}

func TestScenario2_SecondTickDeliversOnlyChangedField(t *testing.T) {
	d := New(Config{Shards: 4, InboxCapacity: 16}, nil, nil)
	defer d.Close()

	out := &fakeOutbox{}
	d.Subscribe(1, []string{"SHFE.au2412"}, out)

	first := snapshot.New("SHFE.au2412", "SHFE", "ctp")
	first.Set(snapshot.FieldLastPrice, 100)
	first.Set(snapshot.FieldVolume, 10)
	first.Set(snapshot.FieldBidPrice1, 99)
	d.Ingest(first)
	waitFor(t, func() bool { f, _ := out.counts(); return f == 1 })

	second := snapshot.New("SHFE.au2412", "SHFE", "ctp")
	second.Set(snapshot.FieldLastPrice, 100)
	second.Set(snapshot.FieldVolume, 12)
	d.Ingest(second)
	waitFor(t, func() bool { _, dl := out.counts(); return dl == 1 })

	delta := out.deltas[0]
	if delta.Fields.Has(snapshot.FieldLastPrice) {
		t.Fatalf("unchanged last_price must not be in the delta")
	}
	if v, ok := delta.Get(snapshot.FieldVolume); !ok || v != 12 {
		t.Fatalf("volume delta mismatch: %v %v", v, ok)
	}
	if delta.Fields.Has(snapshot.FieldBidPrice1) {
		t.Fatalf("bid_price1 not provided this tick must not be in the delta")
	}
}

func TestScenario3_LateJoinerGetsFullSnapshotOfAccumulatedState(t *testing.T) {
	d := New(Config{Shards: 4, InboxCapacity: 16}, nil, nil)
	defer d.Close()

	a := &fakeOutbox{}
	d.Subscribe(1, []string{"SHFE.au2412"}, a)

	snap := snapshot.New("SHFE.au2412", "SHFE", "ctp")
	snap.Set(snapshot.FieldLastPrice, 100)
	d.Ingest(snap)
	waitFor(t, func() bool { f, _ := a.counts(); return f == 1 })

	b := &fakeOutbox{}
	d.Subscribe(2, []string{"SHFE.au2412"}, b)

	fb, _ := b.counts()
	if fb != 1 {
		t.Fatalf("late joiner should receive exactly one full snapshot, got %d", fb)
	}
	if v, ok := b.fulls[0].Get(snapshot.FieldLastPrice); !ok || v != 100 {
		t.Fatalf("late joiner's full snapshot should carry current accumulated state: %v %v", v, ok)
	}
}

func TestScenario4_RefcountTransitionsNotifyConnector(t *testing.T) {
	notifier := newFakeNotifier()
	d := New(Config{Shards: 4, InboxCapacity: 16}, notifier, nil)
	defer d.Close()

	out := &fakeOutbox{}
	d.Subscribe(1, []string{"SHFE.au2412"}, out)
	if notifier.refcount("SHFE.au2412") != 1 {
		t.Fatalf("0->1 transition should notify Subscribe exactly once")
	}

	d.Detach(1)
	if notifier.refcount("SHFE.au2412") != 0 {
		t.Fatalf("1->0 transition should notify Unsubscribe exactly once")
	}
}

func TestScenario5_RapidTicksEnqueueOncePerIngest(t *testing.T) {
	// The outbox (Session) is responsible for coalescing repeated
	// enqueues before serialization; the Distributor always enqueues one
	// message per ingest with a nonempty delta. Verify that five rapid
	// ticks produce five distinct enqueue calls for the Distributor side
	// of the contract (coalescing itself is tested in package session).
	d := New(Config{Shards: 1, InboxCapacity: 64}, nil, nil)
	defer d.Close()

	out := &fakeOutbox{}
	d.Subscribe(1, []string{"SHFE.au2412"}, out)

	base := snapshot.New("SHFE.au2412", "SHFE", "ctp")
	base.Set(snapshot.FieldLastPrice, 1)
	d.Ingest(base)
	waitFor(t, func() bool { f, _ := out.counts(); return f == 1 })

	for i := 2; i <= 5; i++ {
		tick := snapshot.New("SHFE.au2412", "SHFE", "ctp")
		tick.Set(snapshot.FieldLastPrice, float64(i))
		d.Ingest(tick)
	}
	waitFor(t, func() bool { _, dl := out.counts(); return dl == 4 })
}

func TestSubscribeUnsubscribeRoundTripLeavesNoState(t *testing.T) {
	notifier := newFakeNotifier()
	d := New(Config{Shards: 4, InboxCapacity: 16}, notifier, nil)
	defer d.Close()

	out := &fakeOutbox{}
	d.Subscribe(1, []string{"SHFE.au2412"}, out)
	d.Unsubscribe(1, []string{"SHFE.au2412"})

	if got := d.SubscriberInstruments(1); len(got) != 0 {
		t.Fatalf("expected no remaining instruments, got %v", got)
	}
	if notifier.refcount("SHFE.au2412") != 0 {
		t.Fatalf("refcount should return to zero after round trip")
	}
}

func TestResubscribeToHeldInstrumentIsNoop(t *testing.T) {
	notifier := newFakeNotifier()
	d := New(Config{Shards: 4, InboxCapacity: 16}, notifier, nil)
	defer d.Close()

	out := &fakeOutbox{}
	d.Subscribe(1, []string{"SHFE.au2412"}, out)

	snap := mkSnap("SHFE.au2412", 100, 1)
	d.Ingest(snap)
	waitFor(t, func() bool { f, _ := out.counts(); return f == 1 })

	d.Subscribe(1, []string{"SHFE.au2412"}, out) // no-op: already held

	fulls, _ := out.counts()
	if fulls != 1 {
		t.Fatalf("re-subscribing to a held instrument must not send a duplicate full snapshot, got %d fulls", fulls)
	}
	if notifier.subscribeN != 1 {
		t.Fatalf("re-subscribe must not re-trigger the 0->1 notification, got %d calls", notifier.subscribeN)
	}
}

func TestBidirectionalInvariantAcrossManySubscribers(t *testing.T) {
	d := New(Config{Shards: 8, InboxCapacity: 64}, nil, nil)
	defer d.Close()

	instruments := []string{"A.1", "A.2", "A.3", "B.1", "B.2"}
	outboxes := map[SubscriberID]*fakeOutbox{}
	for sid := SubscriberID(1); sid <= 5; sid++ {
		out := &fakeOutbox{}
		outboxes[sid] = out
		d.Subscribe(sid, instruments[:int(sid)], out)
	}

	for sid := SubscriberID(1); sid <= 5; sid++ {
		got := d.SubscriberInstruments(sid)
		sort.Strings(got)
		want := append([]string(nil), instruments[:int(sid)]...)
		sort.Strings(want)
		if !equalStrings(got, want) {
			t.Fatalf("sid %d: got %v want %v", sid, got, want)
		}
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met before deadline")
	}
}
