// Package registry implements the Distributor: the per-instrument
// subscriber registry, canonical snapshot store, and per-session diff
// engine at the heart of the gateway (spec component C3).
package registry

import (
	"hash/fnv"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"mdgateway/internal/metrics"
	"mdgateway/internal/snapshot"
)

// Config tunes the Distributor's internal sharding.
type Config struct {
	// Shards is the number of independent actor shards the instrument
	// space is partitioned over by hash. One goroutine per shard; see
	// spec.md §9 "a strong engineer may substitute sharding the
	// Distributor by instrument hash".
	Shards int
	// InboxCapacity bounds each shard's mailbox. Ingest never blocks on a
	// full inbox: it drops the arrival and counts it (the "drop and count"
	// resource-exhaustion policy). Subscribe, Unsubscribe, Detach and
	// SubscriberInstruments do block until the shard has room.
	InboxCapacity int
}

// DefaultConfig returns sane shard counts for a single-process gateway.
func DefaultConfig() Config {
	return Config{Shards: 16, InboxCapacity: 4096}
}

// Distributor is the authoritative owner of the instrument/subscriber
// registry. Every mutation happens inside a shard goroutine; Distributor
// itself holds no mutable registry state and never blocks on a lock.
type Distributor struct {
	cfg     Config
	shards  []*shard
	metrics *metrics.Registry

	ingestDrops int64
}

// New creates a Distributor whose shards notify notify on upstream demand
// transitions (spec §4.2 "For newly-demanded instruments, notify
// Connector"). Pass nil to run the Distributor standalone (tests). reg may
// be nil, in which case no metrics are recorded.
func New(cfg Config, notify UpstreamNotifier, reg *metrics.Registry) *Distributor {
	if cfg.Shards <= 0 {
		cfg.Shards = 1
	}
	if notify == nil {
		notify = noopNotifier{}
	}
	d := &Distributor{cfg: cfg, metrics: reg}
	d.shards = make([]*shard, cfg.Shards)
	for i := range d.shards {
		d.shards[i] = newShard(i, cfg.InboxCapacity, notify, reg)
		go d.shards[i].run()
	}
	return d
}

// Close stops all shard goroutines. No further calls may be made.
func (d *Distributor) Close() {
	for _, sh := range d.shards {
		close(sh.inbox)
	}
}

func (d *Distributor) shardFor(instrumentID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(instrumentID))
	return d.shards[h.Sum32()%uint32(len(d.shards))]
}

// groupByShard partitions instruments by owning shard so Subscribe et al.
// can dispatch one command per shard instead of one per instrument.
func (d *Distributor) groupByShard(instruments []string) map[*shard][]string {
	groups := make(map[*shard][]string)
	for _, k := range instruments {
		sh := d.shardFor(k)
		groups[sh] = append(groups[sh], k)
	}
	return groups
}

// Subscribe adds sid to each instrument's subscriber set. Instruments that
// already have a last_snapshot get a full snapshot enqueued to out
// immediately; newly-demanded instruments (0->1 transition) notify the
// Connector. Subscribing to an instrument sid already holds is a no-op.
func (d *Distributor) Subscribe(sid SubscriberID, instruments []string, out Outbox) {
	groups := d.groupByShard(instruments)
	dones := make([]chan struct{}, 0, len(groups))
	for sh, ks := range groups {
		done := make(chan struct{})
		dones = append(dones, done)
		sh.inbox <- cmdSubscribe{sid: sid, instruments: ks, out: out, done: done}
	}
	for _, done := range dones {
		<-done
	}
}

// Unsubscribe removes sid from each instrument's subscriber set and purges
// last_sent for those (sid, instrument) pairs. Instruments dropping to zero
// demand (1->0) notify the Connector.
func (d *Distributor) Unsubscribe(sid SubscriberID, instruments []string) {
	groups := d.groupByShard(instruments)
	dones := make([]chan struct{}, 0, len(groups))
	for sh, ks := range groups {
		done := make(chan struct{})
		dones = append(dones, done)
		sh.inbox <- cmdUnsubscribe{sid: sid, instruments: ks, done: done}
	}
	for _, done := range dones {
		<-done
	}
}

// Detach purges every registry entry for sid, atomically with respect to
// in-flight snapshots for sid (each shard processes the detach command
// in its serial inbox, so no ingest racing ahead of it on that shard can
// deliver to sid afterward).
func (d *Distributor) Detach(sid SubscriberID) {
	dones := make([]chan struct{}, len(d.shards))
	for i, sh := range d.shards {
		done := make(chan struct{})
		dones[i] = done
		sh.inbox <- cmdDetach{sid: sid, done: done}
	}
	for _, done := range dones {
		<-done
	}
}

// Ingest merges an upstream arrival into the canonical snapshot and fans
// out full snapshots/deltas to every current subscriber of its instrument.
// Ingest never fails: if the owning shard's inbox is full, the arrival is
// dropped and a counter is incremented (§7 "Resource exhaustion" policy) —
// the Distributor is write-through and always available.
func (d *Distributor) Ingest(snap snapshot.Snapshot) {
	sh := d.shardFor(snap.InstrumentID)
	select {
	case sh.inbox <- cmdIngest{snap: snap}:
		if d.metrics != nil {
			d.metrics.RecordIngest(snap.Source)
		}
	default:
		atomic.AddInt64(&d.ingestDrops, 1)
		if d.metrics != nil {
			d.metrics.RecordDrop(snap.Source)
		}
		log.Warn().Str("instrument", snap.InstrumentID).Msg("distributor inbox full, dropping snapshot")
	}
}

// IngestDrops returns the number of snapshots dropped due to a full shard
// inbox, for /api/status and metrics export.
func (d *Distributor) IngestDrops() int64 {
	return atomic.LoadInt64(&d.ingestDrops)
}

// SubscriberInstruments returns the full set of instruments sid currently
// holds, aggregated across shards. Used by tests asserting the
// sub_to_instrs <-> instr_to_subs bidirectional invariant and by the
// "subscriptions" peek command.
func (d *Distributor) SubscriberInstruments(sid SubscriberID) []string {
	var all []string
	for _, sh := range d.shards {
		done := make(chan []string, 1)
		sh.inbox <- queryFunc(func(s *shard) {
			done <- s.subscriberInstruments(sid)
		})
		all = append(all, <-done...)
	}
	return all
}

// queryFunc lets read-only introspection run inside a shard's serial
// loop without adding a bespoke command type per query.
type queryFunc func(s *shard)

func (f queryFunc) apply(s *shard) { f(s) }
