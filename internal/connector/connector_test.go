package connector

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mdgateway/internal/cache"
	"mdgateway/internal/feed"
	"mdgateway/internal/snapshot"
)

// fakeAdapter is a minimal feed.Adapter whose Run blocks until told to
// fail, letting tests drive reconnect/backoff deterministically.
type fakeAdapter struct {
	name string
	out  chan snapshot.Snapshot

	mu          sync.Mutex
	subscribed  map[string]bool
	subscribeCalls int

	failAfter chan struct{}
	connected int32
}

func newFakeAdapter(name string) *fakeAdapter {
	return &fakeAdapter{
		name:       name,
		out:        make(chan snapshot.Snapshot, 16),
		subscribed: make(map[string]bool),
		failAfter:  make(chan struct{}, 1),
	}
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Run(ctx context.Context) error {
	atomic.StoreInt32(&f.connected, 1)
	defer atomic.StoreInt32(&f.connected, 0)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.failAfter:
		return errConnectionDropped
	}
}

func (f *fakeAdapter) Subscribe(_ context.Context, instruments []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeCalls++
	for _, k := range instruments {
		f.subscribed[k] = true
	}
	return nil
}

func (f *fakeAdapter) Unsubscribe(_ context.Context, instruments []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range instruments {
		delete(f.subscribed, k)
	}
	return nil
}

func (f *fakeAdapter) Snapshots() <-chan snapshot.Snapshot { return f.out }

func (f *fakeAdapter) Health() feed.Health {
	return feed.Health{Source: f.name, Connected: atomic.LoadInt32(&f.connected) == 1}
}

func (f *fakeAdapter) isSubscribed(k string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribed[k]
}

type testErr string

func (e testErr) Error() string { return string(e) }

const errConnectionDropped = testErr("connection dropped")

func TestSubscribeTriggersUpstreamSubscribeOnFirstDemand(t *testing.T) {
	a := newFakeAdapter("sim")
	c := New(DefaultConfig(), func(snapshot.Snapshot) {}, nil)
	c.RegisterAdapter(a)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	waitForConnected(t, a)

	c.Subscribe("SHFE.au2412")
	waitUntil(t, func() bool { return a.isSubscribed("SHFE.au2412") })

	if c.RefCount("SHFE.au2412") != 1 {
		t.Fatalf("expected refcount 1 after first subscribe")
	}
}

func TestRepeatedSubscribeOnlyNotifiesUpstreamOnce(t *testing.T) {
	a := newFakeAdapter("sim")
	c := New(DefaultConfig(), func(snapshot.Snapshot) {}, nil)
	c.RegisterAdapter(a)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	waitForConnected(t, a)

	c.Subscribe("SHFE.au2412")
	waitUntil(t, func() bool { return a.isSubscribed("SHFE.au2412") })
	c.Subscribe("SHFE.au2412")
	c.Subscribe("SHFE.au2412")

	if c.RefCount("SHFE.au2412") != 3 {
		t.Fatalf("refcount should track every Subscribe call, got %d", c.RefCount("SHFE.au2412"))
	}
	a.mu.Lock()
	calls := a.subscribeCalls
	a.mu.Unlock()
	if calls != 1 {
		t.Fatalf("upstream Subscribe must only fire on the 0->1 transition, got %d calls", calls)
	}
}

func TestUnsubscribeOnlyNotifiesUpstreamOnLastRelease(t *testing.T) {
	a := newFakeAdapter("sim")
	c := New(DefaultConfig(), func(snapshot.Snapshot) {}, nil)
	c.RegisterAdapter(a)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	waitForConnected(t, a)

	c.Subscribe("SHFE.au2412")
	c.Subscribe("SHFE.au2412")
	waitUntil(t, func() bool { return a.isSubscribed("SHFE.au2412") })

	c.Unsubscribe("SHFE.au2412")
	if !a.isSubscribed("SHFE.au2412") {
		t.Fatalf("instrument must remain subscribed while refcount > 0")
	}

	c.Unsubscribe("SHFE.au2412")
	waitUntil(t, func() bool { return !a.isSubscribed("SHFE.au2412") })
}

func TestPrefixRoutingRestrictsSubscribeToMatchingAdapter(t *testing.T) {
	shfe := newFakeAdapter("shfe-adapter")
	dce := newFakeAdapter("dce-adapter")
	c := New(DefaultConfig(), func(snapshot.Snapshot) {}, nil)
	c.RegisterAdapter(shfe)
	c.RegisterAdapter(dce)
	c.SetRoutes([]feed.RoutePrefix{
		{Prefix: "SHFE.", Source: "shfe-adapter"},
		{Prefix: "DCE.", Source: "dce-adapter"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	waitForConnected(t, shfe)
	waitForConnected(t, dce)

	c.Subscribe("SHFE.au2412")
	waitUntil(t, func() bool { return shfe.isSubscribed("SHFE.au2412") })
	if dce.isSubscribed("SHFE.au2412") {
		t.Fatalf("prefix routing must not broadcast a matched instrument to the other adapter")
	}
}

func TestReconnectResubscribesHeldInstruments(t *testing.T) {
	a := newFakeAdapter("sim")
	cfg := DefaultConfig()
	cfg.BackoffInitial = 5 * time.Millisecond
	cfg.BackoffMax = 5 * time.Millisecond
	c := New(cfg, func(snapshot.Snapshot) {}, nil)
	c.RegisterAdapter(a)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	waitForConnected(t, a)

	c.Subscribe("SHFE.au2412")
	waitUntil(t, func() bool { return a.isSubscribed("SHFE.au2412") })

	a.failAfter <- struct{}{}
	waitUntil(t, func() bool { return atomic.LoadInt32(&a.connected) == 0 })
	waitForConnected(t, a)

	waitUntil(t, func() bool { return a.isSubscribed("SHFE.au2412") })

	statuses := c.Status()
	if len(statuses) != 1 || statuses[0].ReconnectCount < 1 {
		t.Fatalf("expected at least one recorded reconnect, got %+v", statuses)
	}
}

func TestDefaultInstrumentsAppliedAtRefcountLevelOnly(t *testing.T) {
	a := newFakeAdapter("sim")
	c := New(DefaultConfig(), func(snapshot.Snapshot) {}, nil)
	c.RegisterAdapter(a)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	waitForConnected(t, a)

	store := cache.New()
	applied := c.LoadDefaultInstruments(store, []string{"SHFE.au2412"})
	if len(applied) != 1 || applied[0] != "SHFE.au2412" {
		t.Fatalf("expected fallback applied, got %v", applied)
	}
	waitUntil(t, func() bool { return a.isSubscribed("SHFE.au2412") })
	if c.RefCount("SHFE.au2412") != 1 {
		t.Fatalf("expected refcount 1, got %d", c.RefCount("SHFE.au2412"))
	}

	c.AddDefaultInstruments([]string{"DCE.a2405"})
	waitUntil(t, func() bool { return a.isSubscribed("DCE.a2405") })

	set := c.DefaultInstruments()
	if len(set) != 2 {
		t.Fatalf("expected 2 default instruments, got %v", set)
	}

	c.RemoveDefaultInstruments([]string{"SHFE.au2412"})
	waitUntil(t, func() bool { return c.RefCount("SHFE.au2412") == 0 })

	set = c.DefaultInstruments()
	if len(set) != 1 || set[0] != "DCE.a2405" {
		t.Fatalf("expected only DCE.a2405 left, got %v", set)
	}
}

func TestLoadDefaultInstrumentsPrefersPersistedSetOverFallback(t *testing.T) {
	a := newFakeAdapter("sim")
	c := New(DefaultConfig(), func(snapshot.Snapshot) {}, nil)
	c.RegisterAdapter(a)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	waitForConnected(t, a)

	store := cache.New()
	store.Set("gateway:default_instruments", []byte(`["DCE.a2405"]`), 0)

	applied := c.LoadDefaultInstruments(store, []string{"SHFE.au2412"})
	if len(applied) != 1 || applied[0] != "DCE.a2405" {
		t.Fatalf("expected persisted set to win over fallback, got %v", applied)
	}
}

func waitForConnected(t *testing.T, a *fakeAdapter) {
	t.Helper()
	waitUntil(t, func() bool { return atomic.LoadInt32(&a.connected) == 1 })
}

func waitUntil(t *testing.T, cond func() bool) {
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
