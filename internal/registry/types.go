package registry

import "mdgateway/internal/snapshot"

// SubscriberID is the opaque handle identifying a Session inside the
// Distributor's registry.
type SubscriberID uint64

// Outbox is the delivery-layer side of a subscriber: the Distributor
// enqueues full snapshots and deltas into it and never touches a socket
// directly. Session implements this.
type Outbox interface {
	EnqueueFull(instrumentID string, snap snapshot.Snapshot)
	EnqueueDelta(instrumentID string, delta snapshot.Delta)
}

// UpstreamNotifier is the Connector's half of the refcounting contract:
// the Distributor calls Subscribe/Unsubscribe exactly once per 0->1 and
// 1->0 transition of an instrument's subscriber count.
type UpstreamNotifier interface {
	Subscribe(instrumentID string)
	Unsubscribe(instrumentID string)
}

// noopNotifier is used when a Distributor is constructed without a
// Connector, e.g. in unit tests that only exercise fan-out.
type noopNotifier struct{}

func (noopNotifier) Subscribe(string)   {}
func (noopNotifier) Unsubscribe(string) {}
