package registry

import (
	"mdgateway/internal/metrics"
	"mdgateway/internal/snapshot"
)

// shard is a single actor owning the authoritative registry state for the
// subset of instruments that hash to it: its subscriber sets, canonical
// snapshots, and per-subscriber last-sent views. It has a serial inbox and
// never shares its maps outside its own goroutine — shard.run drains
// the inbox one command at a time, so no lock is ever held across a
// suspension point.
type shard struct {
	id      int
	inbox   chan shardCmd
	notify  UpstreamNotifier
	metrics *metrics.Registry

	instrToSubs  map[string]map[SubscriberID]Outbox
	lastSnapshot map[string]*snapshot.Snapshot
	lastSent     map[string]map[SubscriberID]snapshot.Snapshot

	drops int64
}

func newShard(id int, inboxCap int, notify UpstreamNotifier, reg *metrics.Registry) *shard {
	return &shard{
		id:           id,
		inbox:        make(chan shardCmd, inboxCap),
		notify:       notify,
		metrics:      reg,
		instrToSubs:  make(map[string]map[SubscriberID]Outbox),
		lastSnapshot: make(map[string]*snapshot.Snapshot),
		lastSent:     make(map[string]map[SubscriberID]snapshot.Snapshot),
	}
}

type shardCmd interface{ apply(s *shard) }

type cmdSubscribe struct {
	sid         SubscriberID
	instruments []string
	out         Outbox
	done        chan struct{}
}

func (c cmdSubscribe) apply(s *shard) {
	for _, k := range c.instruments {
		subs, ok := s.instrToSubs[k]
		if !ok {
			subs = make(map[SubscriberID]Outbox)
			s.instrToSubs[k] = subs
		}
		if _, already := subs[c.sid]; already {
			continue // re-subscribing to a held instrument is a no-op
		}
		wasEmpty := len(subs) == 0
		subs[c.sid] = c.out
		if wasEmpty {
			s.notify.Subscribe(k)
		}

		if snap, ok := s.lastSnapshot[k]; ok {
			c.out.EnqueueFull(k, *snap)
			if s.metrics != nil {
				s.metrics.FullTotal.WithLabelValues(k).Inc()
			}
			sent, ok := s.lastSent[k]
			if !ok {
				sent = make(map[SubscriberID]snapshot.Snapshot)
				s.lastSent[k] = sent
			}
			sent[c.sid] = snap.Clone()
		}
	}
	close(c.done)
}

type cmdUnsubscribe struct {
	sid         SubscriberID
	instruments []string
	done        chan struct{}
}

func (c cmdUnsubscribe) apply(s *shard) {
	for _, k := range c.instruments {
		s.removeSubscriber(k, c.sid)
	}
	close(c.done)
}

type cmdDetach struct {
	sid  SubscriberID
	done chan struct{}
}

func (c cmdDetach) apply(s *shard) {
	for k, subs := range s.instrToSubs {
		if _, ok := subs[c.sid]; ok {
			s.removeSubscriber(k, c.sid)
		}
	}
	close(c.done)
}

// removeSubscriber purges sid from instrument k's subscriber set and its
// last-sent entry, notifying the Connector on a 1->0 transition.
func (s *shard) removeSubscriber(k string, sid SubscriberID) {
	subs, ok := s.instrToSubs[k]
	if !ok {
		return
	}
	if _, ok := subs[sid]; !ok {
		return
	}
	delete(subs, sid)
	if sent, ok := s.lastSent[k]; ok {
		delete(sent, sid)
		if len(sent) == 0 {
			delete(s.lastSent, k)
		}
	}
	if len(subs) == 0 {
		delete(s.instrToSubs, k)
		s.notify.Unsubscribe(k)
	}
}

type cmdIngest struct {
	snap snapshot.Snapshot
}

func (c cmdIngest) apply(s *shard) {
	k := c.snap.InstrumentID
	canonical, ok := s.lastSnapshot[k]
	if !ok {
		canonical = &snapshot.Snapshot{}
		s.lastSnapshot[k] = canonical
	}
	canonical.MergeFrom(c.snap)

	subs, ok := s.instrToSubs[k]
	if !ok || len(subs) == 0 {
		return
	}

	sent := s.lastSent[k]
	if sent == nil {
		sent = make(map[SubscriberID]snapshot.Snapshot)
		s.lastSent[k] = sent
	}

	for sid, out := range subs {
		prev, delivered := sent[sid]
		if !delivered {
			out.EnqueueFull(k, *canonical)
			if s.metrics != nil {
				s.metrics.FullTotal.WithLabelValues(k).Inc()
			}
			sent[sid] = canonical.Clone()
			continue
		}
		delta := snapshot.Diff(*canonical, prev)
		if delta.IsEmpty() {
			continue
		}
		out.EnqueueDelta(k, delta)
		if s.metrics != nil {
			s.metrics.DeltaTotal.WithLabelValues(k).Inc()
		}
		updated := prev
		applyDeltaToSnapshot(&updated, delta)
		sent[sid] = updated
	}
}

// applyDeltaToSnapshot folds a delta's changed fields into a snapshot,
// used to keep each shard's per-subscriber lastSent view current without
// cloning the full canonical snapshot on every delta.
func applyDeltaToSnapshot(dst *snapshot.Snapshot, d snapshot.Delta) {
	d.Fields.Each(func(f snapshot.Field) {
		dst.Set(f, d.Values[f])
	})
}

// run drains the shard's inbox until it is closed.
func (s *shard) run() {
	for cmd := range s.inbox {
		cmd.apply(s)
	}
}

// subscriberInstruments returns the instruments on this shard that sid
// currently holds — used by Distributor.SubscriberInstruments.
func (s *shard) subscriberInstruments(sid SubscriberID) []string {
	var out []string
	for k, subs := range s.instrToSubs {
		if _, ok := subs[sid]; ok {
			out = append(out, k)
		}
	}
	return out
}
