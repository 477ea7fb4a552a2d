// Package simulated provides a deterministic fake feed.Adapter used by
// integration tests and local development, grounded on the teacher's
// internal/data/exchanges/fake adapter (same "deterministic synthetic
// market data" idiom, generalized to the gateway's Snapshot schema).
package simulated

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"mdgateway/internal/feed"
	"mdgateway/internal/snapshot"
)

// Adapter emits a snapshot for each subscribed instrument at a fixed tick
// interval, with a small random walk on last_price and a random volume
// (1..100) on each tick so tests have something to diff.
type Adapter struct {
	name string
	tick time.Duration
	rng  *rand.Rand

	mu          sync.Mutex
	subscribed  map[string]float64 // instrument -> current last price
	connected   int32
	lastSeenMS  int64
	errorCount  int64

	out chan snapshot.Snapshot
}

// NewAdapter creates a simulated adapter with source tag name, ticking
// every interval for each currently subscribed instrument.
func NewAdapter(name string, interval time.Duration) *Adapter {
	return &Adapter{
		name:       name,
		tick:       interval,
		rng:        rand.New(rand.NewSource(1)),
		subscribed: make(map[string]float64),
		out:        make(chan snapshot.Snapshot, 256),
	}
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Run(ctx context.Context) error {
	atomic.StoreInt32(&a.connected, 1)
	log.Info().Str("source", a.name).Msg("simulated adapter connected")
	defer func() {
		atomic.StoreInt32(&a.connected, 0)
		close(a.out)
	}()

	ticker := time.NewTicker(a.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.emitAll()
		}
	}
}

func (a *Adapter) emitAll() {
	a.mu.Lock()
	instruments := make([]string, 0, len(a.subscribed))
	for k := range a.subscribed {
		instruments = append(instruments, k)
	}
	a.mu.Unlock()

	for _, k := range instruments {
		snap := a.nextSnapshot(k)
		atomic.StoreInt64(&a.lastSeenMS, time.Now().UnixMilli())
		select {
		case a.out <- snap:
		default:
			atomic.AddInt64(&a.errorCount, 1)
		}
	}
}

func (a *Adapter) nextSnapshot(instrument string) snapshot.Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	price := a.subscribed[instrument]
	delta := (a.rng.Float64() - 0.5) * price * 0.001
	price += delta
	a.subscribed[instrument] = price

	snap := snapshot.New(instrument, exchangeOf(instrument), a.name)
	snap.DateTime = time.Now().UTC()
	snap.Set(snapshot.FieldLastPrice, price)
	snap.Set(snapshot.FieldVolume, float64(a.rng.Intn(100)+1))
	snap.Set(snapshot.FieldBidPrice1, price-0.5)
	snap.Set(snapshot.FieldAskPrice1, price+0.5)
	return snap
}

func (a *Adapter) Subscribe(_ context.Context, instruments []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, k := range instruments {
		if _, ok := a.subscribed[k]; !ok {
			a.subscribed[k] = 100.0
		}
	}
	return nil
}

func (a *Adapter) Unsubscribe(_ context.Context, instruments []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, k := range instruments {
		delete(a.subscribed, k)
	}
	return nil
}

func (a *Adapter) Snapshots() <-chan snapshot.Snapshot { return a.out }

func (a *Adapter) Health() feed.Health {
	return feed.Health{
		Source:     a.name,
		Connected:  atomic.LoadInt32(&a.connected) == 1,
		LastSeen:   atomic.LoadInt64(&a.lastSeenMS),
		ErrorCount: atomic.LoadInt64(&a.errorCount),
	}
}

func exchangeOf(instrument string) string {
	for i, c := range instrument {
		if c == '.' {
			return instrument[:i]
		}
	}
	return ""
}
