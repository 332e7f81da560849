package subscriber

import (
	"github.com/mathdee/cluster-log-subscriber/internal/fragment"
)

// Poll implements the subscriber driver from spec.md §4.F: the public entry
// point that orchestrates the position arithmetic, future-ack queue, message
// filter, archive catch-up and control dispatcher to make monotonic forward
// progress, mirroring the teacher's own top-level dispatch loop in
// internal/server/server.go handleConnection.
func (s *Subscriber) Poll(handler fragment.Handler, limit int) (int, error) {
	s.handler = handler

	if s.cannotAdvance() {
		applied, err := s.tryApplyFutureAck()
		if err != nil {
			return 0, err
		}
		if !applied {
			if _, err := s.controlTransport.ControlledPoll(s.controlHandler(), limit); err != nil {
				return 0, err
			}
			// Opportunistic re-probe per spec.md §4.B: a control drain may
			// have unblocked a future ack that is now ready.
			if _, err := s.tryApplyFutureAck(); err != nil {
				return 0, err
			}
		}

		if s.cannotAdvance() {
			caughtUp, err := s.tryArchiveCatchUp(handler)
			if err != nil {
				return 0, err
			}
			if caughtUp {
				return 1, nil
			}
			return 0, nil
		}

		if s.leaderArchiveReader != nil {
			if _, err := s.tryArchiveCatchUp(handler); err != nil {
				return 0, err
			}
		}
	}

	return s.dataTransport.ControlledPoll(s.filterHandler(handler), limit)
}

// cannotAdvance reports whether live data polling can make progress: either
// there is no bound image yet, or the image has already delivered everything
// consensus has committed so far.
func (s *Subscriber) cannotAdvance() bool {
	if s.dataImage == nil {
		return true
	}
	return s.streamConsensusPosition.Load() <= s.dataImage.Position()
}

// tryApplyFutureAck pops and applies the head of the future-ack queue iff it
// is ready (spec.md §4.B, invariant 3). It reports whether an ack was
// applied.
func (s *Subscriber) tryApplyFutureAck() (bool, error) {
	ack, ok := s.futureAcks.PopIfReady(s.previousConsensusPosition.Load())
	if !ok {
		return false, nil
	}
	s.metrics.FutureAcksQueued.Set(float64(s.futureAcks.Len()))
	s.applyTermSwitch(ack.Term, ack.LeaderSessionID, ack.StreamStart, ack.StreamEnd, ack.StartPosition+(ack.StreamEnd-ack.StreamStart))
	return true, nil
}

// tryArchiveCatchUp implements spec.md §4.D: replay the committed-but-
// undelivered range through handler from the current leader's archive
// session. It reports whether the archive made forward progress.
func (s *Subscriber) tryArchiveCatchUp(handler fragment.Handler) (bool, error) {
	if s.leaderArchiveReader == nil {
		return false, nil
	}
	consensusCeiling := s.streamConsensusPosition.Load()
	lastApplied := s.lastAppliedPosition.Load()
	if consensusCeiling <= lastApplied {
		return false, nil
	}

	from := lastApplied + FrameHeaderLength
	reached, err := s.leaderArchiveReader.ReadUpTo(from, consensusCeiling, handler)
	if err != nil {
		return false, err
	}
	if reached == 0 {
		return false, nil
	}

	s.lastAppliedPosition.Store(reached)
	s.metrics.ArchiveCatchUps.Inc()
	return true, nil
}
