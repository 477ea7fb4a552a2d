// Package gatewayerr collects the sentinel errors used across the gateway's
// error taxonomy (transient upstream, malformed client input, slow
// consumer, resource exhaustion, fatal), mirroring the sentinel-error block
// style of the teacher's internal/stream package.
package gatewayerr

import "errors"

var (
	// ErrAdapterUnavailable means no registered adapter could serve an
	// instrument (transient upstream).
	ErrAdapterUnavailable = errors.New("gateway: adapter unavailable")

	// ErrSlowConsumer means a session's outbox exceeded its hard cap and
	// the session was closed (slow client policy).
	ErrSlowConsumer = errors.New("gateway: slow consumer")

	// ErrMalformedMessage means a client frame failed to parse or named
	// an unknown aid/type (malformed client message policy).
	ErrMalformedMessage = errors.New("gateway: malformed client message")

	// ErrUnknownInstrument is returned by control-plane validation when an
	// instrument key fails the basic shape check.
	ErrUnknownInstrument = errors.New("gateway: malformed instrument key")

	// ErrSessionClosed means an operation was attempted on a session past
	// Closing/Closed.
	ErrSessionClosed = errors.New("gateway: session closed")

	// ErrConfigInvalid is returned by config validation (fatal policy: the
	// caller is expected to log and exit nonzero).
	ErrConfigInvalid = errors.New("gateway: invalid configuration")
)
