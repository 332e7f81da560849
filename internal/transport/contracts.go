// Package transport defines the data and control transport contracts this
// module consumes (spec.md §6) and a JetStream-backed implementation of
// them. The subscriber core only ever depends on the interfaces in this
// file; NATSDataSubscription and NATSControlSubscription are one concrete
// way to satisfy them.
package transport

import "github.com/mathdee/cluster-log-subscriber/internal/fragment"

// Image is a per-publisher view of the data transport: the publication of a
// single leader's session. It carries the stream position the image has
// reached and the framing parameters of the term it started in.
type Image interface {
	// Position is the stream position the image has consumed up to.
	Position() int64
	// InitialTermID identifies the transport-level term the image's
	// publication began in (distinct from, but bound one-to-one with, the
	// leadership term this module tracks).
	InitialTermID() int32
	// TermBufferLength is the framing parameter of the term buffer backing
	// this image.
	TermBufferLength() int32
}

// ControlledPoller is the shape both the data and control transport
// subscriptions expose: drain up to limit fragments through handler,
// stopping early if handler returns anything other than ActionContinue.
type ControlledPoller interface {
	ControlledPoll(handler fragment.Handler, limit int) (int, error)
}

// DataSubscription is the data transport contract: a controlled poller that
// can also resolve a per-leader-session image.
type DataSubscription interface {
	ControlledPoller
	// ImageBySessionID returns the image for a leader's session, or false if
	// no such image exists yet.
	ImageBySessionID(sessionID int32) (Image, bool)
}

// ControlSubscription is the control transport contract: SBE-framed
// heartbeat and resend envelopes delivered through the same controlled-poll
// shape as data.
type ControlSubscription interface {
	ControlledPoller
}
