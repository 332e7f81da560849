// Package fragment holds the types shared by every stage a fragment passes
// through on its way from a transport to the caller: the three-valued action
// a handler can return, and the per-fragment header carried alongside the
// raw bytes.
package fragment

// Action is the outcome of handing a fragment to a handler. It mirrors the
// controlled-poll convention used throughout the data and control
// transports: a handler (or anything wrapping one, like the message filter)
// tells the poll loop whether to keep going, stop cleanly, or re-present the
// same fragment next time.
type Action int

const (
	// ActionAbort re-presents the same fragment, unchanged, on the next poll.
	// No state may be mutated by the caller of a handler that returns this.
	ActionAbort Action = iota
	// ActionBreak stops the current poll call after this fragment, without
	// discarding it.
	ActionBreak
	// ActionContinue accepts the fragment (or skips it) and keeps polling.
	ActionContinue
)

func (a Action) String() string {
	switch a {
	case ActionAbort:
		return "ABORT"
	case ActionBreak:
		return "BREAK"
	case ActionContinue:
		return "CONTINUE"
	default:
		return "UNKNOWN"
	}
}

// Header is the per-fragment metadata a transport attaches to a frame.
// Position is the stream position of the end of the fragment (so the
// fragment's start is Position-length). ReservedValue is an opaque 64-bit
// tag the publisher stamped on the frame; this module reads a cluster-stream
// tag out of it.
type Header struct {
	Position      int64
	ReservedValue int64
}

// Handler receives one fragment at a time from a controlled poll.
type Handler func(buffer []byte, offset, length int, header Header) Action

// ClusterStreamID extracts the cluster-stream tag from a reserved value. A
// tag of zero is the transport's reserved "no filter" value and is never a
// legal subscriber cluster-stream id (spec.md §6).
func ClusterStreamID(reservedValue int64) int32 {
	return int32(reservedValue)
}
