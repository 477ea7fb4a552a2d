// Package connector implements the aggregation point between feed
// adapters and the Distributor (spec component C2): it relays snapshots
// from any adapter into the Distributor, and multiplexes downstream
// subscribe/unsubscribe demand across adapters with upstream reference
// counting so a given instrument is subscribed to exactly once regardless
// of how many sessions want it.
package connector

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"mdgateway/internal/cache"
	"mdgateway/internal/feed"
	"mdgateway/internal/gatewayerr"
	"mdgateway/internal/metrics"
	"mdgateway/internal/snapshot"
)

// defaultInstrumentsCacheKey is where the process-level default
// instrument set (spec.md §4.4, §6.3) is persisted across restarts.
const defaultInstrumentsCacheKey = "gateway:default_instruments"

// Config tunes reconnect backoff and per-adapter command rate limiting.
type Config struct {
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	CommandRPS     float64
	CommandBurst   int
}

// DefaultConfig matches spec.md §4.1: "start 1s, double, cap 60s, infinite
// retries".
func DefaultConfig() Config {
	return Config{
		BackoffInitial: time.Second,
		BackoffMax:     60 * time.Second,
		CommandRPS:     50,
		CommandBurst:   100,
	}
}

// AdapterStatus is the per-adapter view exposed over /api/status.
type AdapterStatus struct {
	Source          string
	Connected       bool
	ReconnectCount  int
	CurrentBackoffMS int64
	CircuitState    string
	InstrumentCount int
}

type registeredAdapter struct {
	adapter  feed.Adapter
	breaker  *gobreaker.CircuitBreaker
	limiter  *rate.Limiter

	mu             sync.Mutex
	reconnectCount int
	currentBackoff time.Duration
}

// Connector owns the set of live adapters and the upstream refcount table.
type Connector struct {
	cfg Config

	onSnapshot func(snapshot.Snapshot)
	metrics    *metrics.Registry

	mu         sync.Mutex
	adapters   map[string]*registeredAdapter
	routes     []feed.RoutePrefix
	refcount   map[string]uint32
	defaultSet map[string]bool
	cacheStore cache.Cache
}

// New creates a Connector that forwards every adapter arrival to onSnapshot
// (normally Distributor.Ingest). reg may be nil, in which case no metrics
// are recorded.
func New(cfg Config, onSnapshot func(snapshot.Snapshot), reg *metrics.Registry) *Connector {
	return &Connector{
		cfg:        cfg,
		onSnapshot: onSnapshot,
		metrics:    reg,
		adapters:   make(map[string]*registeredAdapter),
		refcount:   make(map[string]uint32),
		defaultSet: make(map[string]bool),
	}
}

// RegisterAdapter adds an adapter at startup. Must be called before Run.
func (c *Connector) RegisterAdapter(a feed.Adapter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adapters[a.Name()] = &registeredAdapter{
		adapter: a,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    a.Name(),
			Timeout: 60 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		limiter: rate.NewLimiter(rate.Limit(c.cfg.CommandRPS), c.cfg.CommandBurst),
	}
}

// SetRoutes installs exchange-prefix routing (spec.md §9 Open Questions):
// an instrument whose key starts with a registered prefix is routed only
// to that prefix's adapter; unmatched instruments broadcast to every
// registered adapter.
func (c *Connector) SetRoutes(routes []feed.RoutePrefix) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.routes = routes
}

// Run connects every registered adapter and relays its snapshots until ctx
// is cancelled, reconnecting each with capped exponential backoff on
// disconnect. Run blocks until ctx is done.
func (c *Connector) Run(ctx context.Context) error {
	c.mu.Lock()
	adapters := make([]*registeredAdapter, 0, len(c.adapters))
	for _, ra := range c.adapters {
		adapters = append(adapters, ra)
	}
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, ra := range adapters {
		wg.Add(1)
		go func(ra *registeredAdapter) {
			defer wg.Done()
			c.runAdapterLoop(ctx, ra)
		}(ra)
	}
	wg.Wait()
	return ctx.Err()
}

func (c *Connector) runAdapterLoop(ctx context.Context, ra *registeredAdapter) {
	backoff := c.cfg.BackoffInitial
	for {
		if ctx.Err() != nil {
			return
		}

		connErr := make(chan error, 1)
		runCtx, cancel := context.WithCancel(ctx)

		go func() {
			_, err := ra.breaker.Execute(func() (any, error) {
				return nil, ra.adapter.Run(runCtx)
			})
			connErr <- err
		}()

		if c.metrics != nil {
			c.metrics.RecordAdapterHealth(ra.adapter.Name(), true)
		}

		c.drainSnapshots(runCtx, ra)
		c.resubscribeAll(runCtx, ra)

		err := <-connErr
		cancel()

		if c.metrics != nil {
			c.metrics.RecordAdapterHealth(ra.adapter.Name(), false)
		}

		if ctx.Err() != nil {
			return
		}

		ra.mu.Lock()
		ra.reconnectCount++
		ra.currentBackoff = backoff
		ra.mu.Unlock()
		if c.metrics != nil {
			c.metrics.RecordAdapterReconnect(ra.adapter.Name())
		}

		log.Warn().Str("source", ra.adapter.Name()).Err(err).
			Dur("backoff", backoff).Msg("adapter disconnected, backing off before reconnect")

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > c.cfg.BackoffMax {
			backoff = c.cfg.BackoffMax
		}
	}
}

// drainSnapshots forwards every snapshot the adapter emits to onSnapshot
// until its channel closes (Run returning) or runCtx is cancelled.
func (c *Connector) drainSnapshots(runCtx context.Context, ra *registeredAdapter) {
	go func() {
		for {
			select {
			case <-runCtx.Done():
				return
			case snap, ok := <-ra.adapter.Snapshots():
				if !ok {
					return
				}
				c.onSnapshot(snap)
			}
		}
	}()
}

// resubscribeAll re-issues subscribe commands for every instrument with a
// non-zero refcount, matching spec.md §4.1: "On reconnection, the adapter
// is re-subscribed to the full set of instruments with non-zero refcount."
func (c *Connector) resubscribeAll(ctx context.Context, ra *registeredAdapter) {
	c.mu.Lock()
	var instruments []string
	for k, n := range c.refcount {
		if n > 0 && c.ownsInstrument(ra.adapter.Name(), k) {
			instruments = append(instruments, k)
		}
	}
	c.mu.Unlock()

	if len(instruments) == 0 {
		return
	}
	if err := ra.limiter.Wait(ctx); err != nil {
		return
	}
	if err := ra.adapter.Subscribe(ctx, instruments); err != nil {
		log.Warn().Str("source", ra.adapter.Name()).Err(err).Msg("resubscribe after reconnect failed")
	}
}

// ownsInstrument reports whether adapter source should serve instrument k
// under the installed routing table (or always, if no route matches,
// meaning broadcast applies).
func (c *Connector) ownsInstrument(source, k string) bool {
	matched := false
	for _, r := range c.routes {
		if strings.HasPrefix(k, r.Prefix) {
			matched = true
			if r.Source == source {
				return true
			}
		}
	}
	return !matched // no route claims k: broadcast to every adapter
}

// targetAdapters returns the adapters that should receive a subscribe /
// unsubscribe command for instrument k under the routing policy.
func (c *Connector) targetAdapters(k string) []*registeredAdapter {
	var targets []*registeredAdapter
	for _, ra := range c.adapters {
		if c.ownsInstrument(ra.adapter.Name(), k) {
			targets = append(targets, ra)
		}
	}
	return targets
}

// Subscribe implements registry.UpstreamNotifier: called by the
// Distributor exactly once on a 0->1 demand transition for instrument k.
func (c *Connector) Subscribe(k string) {
	c.mu.Lock()
	c.refcount[k]++
	first := c.refcount[k] == 1
	targets := c.targetAdapters(k)
	count := len(c.refcount)
	c.mu.Unlock()

	if c.metrics != nil && first {
		c.metrics.UpstreamRefs.Set(float64(count))
	}
	if !first {
		return
	}
	if len(targets) == 0 {
		log.Warn().Str("instrument", k).Err(gatewayerr.ErrAdapterUnavailable).Msg("no adapter owns instrument")
		return
	}
	ctx := context.Background()
	for _, ra := range targets {
		if err := ra.limiter.Wait(ctx); err != nil {
			continue
		}
		if err := ra.adapter.Subscribe(ctx, []string{k}); err != nil {
			log.Warn().Str("source", ra.adapter.Name()).Str("instrument", k).Err(err).Msg("upstream subscribe failed")
		}
	}
}

// Unsubscribe implements registry.UpstreamNotifier: called by the
// Distributor exactly once on a 1->0 demand transition for instrument k.
func (c *Connector) Unsubscribe(k string) {
	c.mu.Lock()
	if c.refcount[k] > 0 {
		c.refcount[k]--
	}
	last := c.refcount[k] == 0
	targets := c.targetAdapters(k)
	if last {
		delete(c.refcount, k)
	}
	count := len(c.refcount)
	c.mu.Unlock()

	if c.metrics != nil && last {
		c.metrics.UpstreamRefs.Set(float64(count))
	}
	if !last {
		return
	}
	ctx := context.Background()
	for _, ra := range targets {
		if err := ra.limiter.Wait(ctx); err != nil {
			continue
		}
		if err := ra.adapter.Unsubscribe(ctx, []string{k}); err != nil {
			log.Warn().Str("source", ra.adapter.Name()).Str("instrument", k).Err(err).Msg("upstream unsubscribe failed")
		}
	}
}

// LoadDefaultInstruments attaches cacheStore for persistence and applies
// the process-level default instrument set at startup (spec.md §4.4,
// §6.3): a set persisted from a prior run takes precedence over fallback,
// since it reflects whatever REST calls left in place when the process
// last stopped.
func (c *Connector) LoadDefaultInstruments(cacheStore cache.Cache, fallback []string) []string {
	c.mu.Lock()
	c.cacheStore = cacheStore
	c.mu.Unlock()

	instruments := fallback
	if cacheStore != nil {
		if raw, ok := cacheStore.Get(defaultInstrumentsCacheKey); ok {
			var persisted []string
			if err := json.Unmarshal(raw, &persisted); err == nil {
				instruments = persisted
			}
		}
	}
	c.applyDefaultSet(instruments)
	c.persistDefaultSet()
	return instruments
}

// DefaultInstruments returns the current process-level default instrument
// set (spec.md §6.2 GET /api/subscriptions).
func (c *Connector) DefaultInstruments() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.defaultSet))
	for k := range c.defaultSet {
		out = append(out, k)
	}
	return out
}

// AddDefaultInstruments adds instruments to the process-level default set
// (spec.md §6.2 POST /api/subscribe): each is subscribed at the
// upstream/refcount level only, without creating a downstream subscriber.
func (c *Connector) AddDefaultInstruments(instruments []string) {
	c.mu.Lock()
	var added []string
	for _, k := range instruments {
		if !c.defaultSet[k] {
			c.defaultSet[k] = true
			added = append(added, k)
		}
	}
	c.mu.Unlock()

	for _, k := range added {
		c.Subscribe(k)
	}
	c.persistDefaultSet()
}

// RemoveDefaultInstruments removes instruments from the process-level
// default set (spec.md §6.2 POST /api/unsubscribe), releasing their
// upstream refcount.
func (c *Connector) RemoveDefaultInstruments(instruments []string) {
	c.mu.Lock()
	var removed []string
	for _, k := range instruments {
		if c.defaultSet[k] {
			delete(c.defaultSet, k)
			removed = append(removed, k)
		}
	}
	c.mu.Unlock()

	for _, k := range removed {
		c.Unsubscribe(k)
	}
	c.persistDefaultSet()
}

// applyDefaultSet installs instruments as the whole default set at
// startup, subscribing each one at the upstream level.
func (c *Connector) applyDefaultSet(instruments []string) {
	c.mu.Lock()
	for _, k := range instruments {
		c.defaultSet[k] = true
	}
	c.mu.Unlock()

	for _, k := range instruments {
		c.Subscribe(k)
	}
}

// persistDefaultSet writes the current default set to the attached cache,
// if any, so it survives a process restart.
func (c *Connector) persistDefaultSet() {
	c.mu.Lock()
	store := c.cacheStore
	instruments := make([]string, 0, len(c.defaultSet))
	for k := range c.defaultSet {
		instruments = append(instruments, k)
	}
	c.mu.Unlock()

	if store == nil {
		return
	}
	raw, err := json.Marshal(instruments)
	if err != nil {
		return
	}
	store.Set(defaultInstrumentsCacheKey, raw, 0)
}

// RefCount returns the current upstream reference count for k (test/introspection use).
func (c *Connector) RefCount(k string) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refcount[k]
}

// Status returns the current health of every registered adapter for
// /api/status.
func (c *Connector) Status() []AdapterStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]AdapterStatus, 0, len(c.adapters))
	for _, ra := range c.adapters {
		ra.mu.Lock()
		h := ra.adapter.Health()
		count := 0
		for k, n := range c.refcount {
			if n > 0 && c.ownsInstrument(ra.adapter.Name(), k) {
				count++
			}
		}
		out = append(out, AdapterStatus{
			Source:           ra.adapter.Name(),
			Connected:        h.Connected,
			ReconnectCount:   ra.reconnectCount,
			CurrentBackoffMS: ra.currentBackoff.Milliseconds(),
			CircuitState:     ra.breaker.State().String(),
			InstrumentCount:  count,
		})
		ra.mu.Unlock()
	}
	return out
}
