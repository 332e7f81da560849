package subscriber

import (
	"github.com/mathdee/cluster-log-subscriber/internal/fragment"
	"github.com/mathdee/cluster-log-subscriber/internal/wire"
)

// filterHandler implements the message filter from spec.md §4.C: a stateful
// wrapper around the caller's handler that gates data-transport fragments by
// committed position, cluster-stream tag, and in-band heartbeat noise,
// generalizing the teacher's per-command switch in
// internal/server/server.go handleConnection to a three-valued gate.
func (s *Subscriber) filterHandler(caller fragment.Handler) fragment.Handler {
	return func(buffer []byte, offset, length int, header fragment.Header) fragment.Action {
		// Rule 1: not yet committed -- stop cleanly at the commit boundary.
		if header.Position > s.streamConsensusPosition.Load() {
			return fragment.ActionAbort
		}

		fragmentStart := header.Position - int64(length)

		// Rule 2: already delivered, or published by a prior non-leader.
		if fragmentStart < s.lastAppliedPosition.Load() {
			return fragment.ActionContinue
		}

		// Rule 3: not this subscriber's cluster stream.
		if fragment.ClusterStreamID(header.ReservedValue) != s.clusterStreamID {
			return fragment.ActionContinue
		}

		// Rule 4: in-band control noise on the data stream.
		if tid, err := wire.PeekTemplateID(buffer[offset : offset+length]); err == nil && tid == wire.TemplateConsensusHeartbeat {
			return fragment.ActionContinue
		}

		// Rule 5: deliver, then advance iff accepted.
		action := caller(buffer, offset, length, header)
		if action != fragment.ActionAbort {
			s.lastAppliedPosition.Add(int64(length))
			s.metrics.FragmentsDelivered.Inc()
		}
		return action
	}
}
