// Package session implements the per-WebSocket-client Session component
// (spec component C4): protocol parsing, a coalescing outbox, batched
// flushing, and heartbeat liveness, grounded on the teacher corpus's
// gorilla/websocket hub/client idiom (read/write pumps over a buffered
// send channel) generalized to the gateway's full/delta fan-out.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"mdgateway/internal/gatewayerr"
	"mdgateway/internal/metrics"
	"mdgateway/internal/registry"
	"mdgateway/internal/snapshot"
)

// State is the session lifecycle state machine (spec.md §4.3).
type State int32

const (
	StateOpening State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config tunes batching and heartbeat behavior.
type Config struct {
	BatchInterval      time.Duration // default 100ms
	BatchSizeThreshold int           // default 50
	HeartbeatInterval  time.Duration // default 30s; pong timeout is 2x this
	OutboxCapacity     int           // hard cap before slow-consumer close
	WriteTimeout       time.Duration
}

// DefaultConfig matches spec.md §4.3 defaults.
func DefaultConfig() Config {
	return Config{
		BatchInterval:      100 * time.Millisecond,
		BatchSizeThreshold: 50,
		HeartbeatInterval:  30 * time.Second,
		OutboxCapacity:     4096,
		WriteTimeout:       5 * time.Second,
	}
}

// pendingEntry holds at most one coalesced update per instrument between
// flushes: a Full replaces whatever was pending, a Delta merges into a
// pending Delta, and a Delta arriving on top of a pending Full is applied
// to that Full's fields in place, so the entry stays a Full.
type pendingEntry struct {
	isFull bool
	full   snapshot.Snapshot
	delta  snapshot.Delta
}

// Session drives one client WebSocket connection and implements
// registry.Outbox so the Distributor can enqueue updates directly.
type Session struct {
	id      registry.SubscriberID
	conn    *websocket.Conn
	dist    *registry.Distributor
	cfg     Config
	metrics *metrics.Registry

	state int32 // atomic State

	mu      sync.Mutex
	pending map[string]*pendingEntry
	order   []string // instrument arrival order within the current batch, for deterministic framing

	wake chan struct{}

	lastPong time.Time
	pongMu   sync.Mutex
}

// New creates a Session bound to conn, identified by id for registry
// bookkeeping. Call Run to start its pumps; Run blocks until the
// connection closes.
func New(id registry.SubscriberID, conn *websocket.Conn, dist *registry.Distributor, cfg Config, reg *metrics.Registry) *Session {
	return &Session{
		id:       id,
		conn:     conn,
		dist:     dist,
		cfg:      cfg,
		metrics:  reg,
		pending:  make(map[string]*pendingEntry),
		wake:     make(chan struct{}, 1),
		lastPong: time.Now(),
	}
}

// ID returns the subscriber identity this session registers under.
func (s *Session) ID() registry.SubscriberID { return s.id }

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	return State(s.stateAtomic())
}

// EnqueueFull implements registry.Outbox.
func (s *Session) EnqueueFull(instrumentID string, snap snapshot.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[instrumentID]; !ok {
		s.order = append(s.order, instrumentID)
	}
	s.pending[instrumentID] = &pendingEntry{isFull: true, full: snap}
	s.signalMaybe()
}

// EnqueueDelta implements registry.Outbox.
func (s *Session) EnqueueDelta(instrumentID string, delta snapshot.Delta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.pending[instrumentID]
	if !ok {
		s.order = append(s.order, instrumentID)
		s.pending[instrumentID] = &pendingEntry{delta: delta}
		s.signalMaybe()
		return
	}
	if existing.isFull {
		// A full snapshot already pending is a superset of any further
		// delta until the next flush merges it into the canonical view;
		// applying the delta on top keeps the full snapshot current.
		applyDeltaToFull(&existing.full, delta)
		return
	}
	delta.ApplyTo(&existing.delta)
	s.signalMaybe()
}

func applyDeltaToFull(dst *snapshot.Snapshot, d snapshot.Delta) {
	d.Fields.Each(func(f snapshot.Field) {
		if v, ok := d.Get(f); ok {
			dst.Set(f, v)
		}
	})
}

// signalMaybe wakes the flush loop without blocking if the outbox just
// crossed the batch size threshold, or immediately if batching is disabled
// (BatchInterval <= 0 means spec.md §8's "at most one frame per ingest").
// Caller must hold s.mu.
func (s *Session) signalMaybe() {
	if s.cfg.BatchInterval <= 0 || len(s.pending) >= s.cfg.BatchSizeThreshold {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

// pendingCount reports the outbox depth for overflow and metrics checks.
func (s *Session) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// drain takes every pending entry and clears the outbox, preserving
// first-touched-this-batch order.
func (s *Session) drain() ([]string, map[string]*pendingEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil, nil
	}
	order := s.order
	pending := s.pending
	s.order = nil
	s.pending = make(map[string]*pendingEntry)
	return order, pending
}

// Run starts the read pump, flush loop, and heartbeat, and blocks until
// the connection is closed by either side or ctx is cancelled. Run always
// calls Detach on the Distributor before returning.
func (s *Session) Run(ctx context.Context) {
	s.setState(StateActive)
	defer func() {
		s.setState(StateClosed)
		s.dist.Detach(s.id)
		_ = s.conn.Close()
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.readPump(runCtx, cancel)
	}()
	go func() {
		defer wg.Done()
		s.flushAndHeartbeatLoop(runCtx, cancel)
	}()
	wg.Wait()
}

// readPump parses inbound client commands until the connection errors or
// ctx is cancelled, at which point it cancels cancel to unwind the peer
// flush loop.
func (s *Session) readPump(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	s.conn.SetPongHandler(func(string) error {
		s.pongMu.Lock()
		s.lastPong = time.Now()
		s.pongMu.Unlock()
		return nil
	})

	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			log.Debug().Uint64("session", uint64(s.id)).Err(err).Msg("session read closed")
			return
		}
		cmd, err := ParseCommand(data)
		if err != nil {
			s.writeError(err.Error())
			continue
		}
		s.handleCommand(cmd)
	}
}

func (s *Session) handleCommand(cmd Command) {
	switch cmd.Type {
	case CmdSubscribeQuote:
		s.dist.Unsubscribe(s.id, s.dist.SubscriberInstruments(s.id))
		s.dist.Subscribe(s.id, cmd.Instruments, s)
	case CmdUnsubscribe:
		s.dist.Unsubscribe(s.id, cmd.Instruments)
	case CmdSubscriptions:
		s.writeSubscriptions(s.dist.SubscriberInstruments(s.id))
	}
}

// flushAndHeartbeatLoop owns the single goroutine that writes to conn:
// gorilla/websocket connections support only one concurrent writer, so
// batched payload frames and ping control frames share this loop.
func (s *Session) flushAndHeartbeatLoop(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()

	// A zero BatchInterval (spec.md §8: batching disabled) must not reach
	// time.NewTicker, which panics on a non-positive duration; leaving
	// batchTimerC nil means that select case never fires and every
	// enqueue instead wakes the loop immediately via signalMaybe.
	var batchTimerC <-chan time.Time
	if s.cfg.BatchInterval > 0 {
		batchTimer := time.NewTicker(s.cfg.BatchInterval)
		defer batchTimer.Stop()
		batchTimerC = batchTimer.C
	}
	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			if s.pendingCount() >= s.cfg.OutboxCapacity {
				log.Warn().Uint64("session", uint64(s.id)).Err(gatewayerr.ErrSlowConsumer).Msg("session outbox overflow, closing")
				return
			}
			s.flush()
		case <-batchTimerC:
			s.flush()
		case <-heartbeat.C:
			if !s.checkLiveness() {
				return
			}
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

// checkLiveness reports whether a pong was seen within 2x the heartbeat
// interval (spec.md §4.3 heartbeat policy).
func (s *Session) checkLiveness() bool {
	s.pongMu.Lock()
	defer s.pongMu.Unlock()
	return time.Since(s.lastPong) <= 2*s.cfg.HeartbeatInterval
}

// flush serializes every pending update into one batched frame, matching
// the QA-style rtn_data envelope (spec.md §6.1): a single-element "data"
// array wrapping a "quotes" object keyed by instrument ID.
func (s *Session) flush() {
	order, pending := s.drain()
	if len(order) == 0 {
		return
	}
	if s.metrics != nil {
		s.metrics.OutboxDepth.Observe(float64(len(order)))
	}

	buf := make([]byte, 0, 256*len(order))
	buf = append(buf, `{"aid":"rtn_data","data":[{"quotes":{`...)
	for i, instrument := range order {
		entry := pending[instrument]
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, quoteJSON(instrument)...)
		buf = append(buf, ':')
		if entry.isFull {
			buf = entry.full.AppendJSON(buf)
		} else {
			buf = entry.delta.AppendJSON(buf)
		}
	}
	buf = append(buf, '}', '}', ']', '}')

	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, buf); err != nil {
		log.Debug().Uint64("session", uint64(s.id)).Err(err).Msg("session write failed")
	}
}

func (s *Session) writeError(msg string) {
	buf := append([]byte(`{"type":"error","reason":`), quoteJSON(msg)...)
	buf = append(buf, '}')
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	_ = s.conn.WriteMessage(websocket.TextMessage, buf)
}

func (s *Session) writeSubscriptions(instruments []string) {
	buf := append([]byte{}, `{"type":"subscriptions","ins_list":[`...)
	for i, k := range instruments {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, quoteJSON(k)...)
	}
	buf = append(buf, ']', '}')
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	_ = s.conn.WriteMessage(websocket.TextMessage, buf)
}

func quoteJSON(s string) []byte {
	buf := make([]byte, 0, len(s)+2)
	buf = append(buf, '"')
	for _, r := range s {
		if r == '"' || r == '\\' {
			buf = append(buf, '\\')
		}
		buf = append(buf, string(r)...)
	}
	buf = append(buf, '"')
	return buf
}

func (s *Session) setState(st State) {
	atomic.StoreInt32(&s.state, int32(st))
}

func (s *Session) stateAtomic() State {
	return State(atomic.LoadInt32(&s.state))
}
