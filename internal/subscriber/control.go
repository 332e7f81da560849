package subscriber

import (
	"github.com/mathdee/cluster-log-subscriber/internal/fragment"
	"github.com/mathdee/cluster-log-subscriber/internal/futureack"
	"github.com/mathdee/cluster-log-subscriber/internal/logpos"
	"github.com/mathdee/cluster-log-subscriber/internal/wire"
)

// controlHandler implements the control dispatcher from spec.md §4.E:
// decode the SBE envelope, dispatch to the heartbeat or resend handling, and
// surface whatever action the spec assigns to that case. It generalizes the
// teacher's own HEARTBEAT/APPENDENTRIES text-protocol parsing in
// internal/server/server.go to the binary SBE envelopes this module reads.
func (s *Subscriber) controlHandler() fragment.Handler {
	return func(buffer []byte, offset, length int, _ fragment.Header) fragment.Action {
		buf := buffer[offset : offset+length]

		templateID, err := wire.PeekTemplateID(buf)
		if err != nil {
			s.logger.Warnw("control: dropping malformed envelope", "error", err)
			return fragment.ActionContinue
		}

		switch templateID {
		case wire.TemplateConsensusHeartbeat:
			hb, err := wire.DecodeConsensusHeartbeat(buf)
			if err != nil {
				s.logger.Warnw("control: dropping malformed heartbeat", "error", err)
				return fragment.ActionContinue
			}
			return s.handleHeartbeat(hb)

		case wire.TemplateResend:
			r, err := wire.DecodeResend(buf)
			if err != nil {
				s.logger.Warnw("control: dropping malformed resend", "error", err)
				return fragment.ActionContinue
			}
			return s.handleResend(r)

		default:
			return fragment.ActionContinue
		}
	}
}

// handleHeartbeat implements spec.md §4.E's ConsensusHeartbeat rules.
func (s *Subscriber) handleHeartbeat(hb wire.ConsensusHeartbeat) fragment.Action {
	currentTerm := s.currentTerm.Load()
	relation := logpos.Classify(currentTerm, hb.LeadershipTerm, s.dataImage != nil)

	switch relation {
	case logpos.Stale:
		// A heartbeat for a term strictly less than currentTerm never
		// mutates state (spec.md invariant 4).
		return fragment.ActionContinue

	case logpos.Extension:
		if hb.StreamPosition > s.streamConsensusPosition.Load() {
			s.streamConsensusPosition.Store(hb.StreamPosition)
		}
		s.previousConsensusPosition.Store(hb.Position)
		return fragment.ActionBreak

	case logpos.Switch:
		startConsensus := logpos.StartConsensus(hb.Position, hb.StreamStartPosition, hb.StreamPosition)
		if startConsensus == s.previousConsensusPosition.Load() {
			s.applyTermSwitch(hb.LeadershipTerm, hb.LeaderSessionID, hb.StreamStartPosition, hb.StreamPosition, hb.Position)
			return fragment.ActionBreak
		}
		s.enqueueFutureAck(futureack.Ack{
			Term:            hb.LeadershipTerm,
			LeaderSessionID: hb.LeaderSessionID,
			StartPosition:   startConsensus,
			StreamStart:     hb.StreamStartPosition,
			StreamEnd:       hb.StreamPosition,
		})
		return fragment.ActionContinue

	case logpos.Gap:
		startConsensus := logpos.StartConsensus(hb.Position, hb.StreamStartPosition, hb.StreamPosition)
		s.enqueueFutureAck(futureack.Ack{
			Term:            hb.LeadershipTerm,
			LeaderSessionID: hb.LeaderSessionID,
			StartPosition:   startConsensus,
			StreamStart:     hb.StreamStartPosition,
			StreamEnd:       hb.StreamPosition,
		})
		return fragment.ActionContinue

	default:
		return fragment.ActionContinue
	}
}

// handleResend implements spec.md §4.E's Resend rules.
func (s *Subscriber) handleResend(r wire.Resend) fragment.Action {
	previous := s.previousConsensusPosition.Load()

	if r.StartPosition < previous {
		return fragment.ActionContinue
	}
	if r.StartPosition > previous {
		s.enqueueFutureAck(futureack.Ack{
			Term:            r.LeadershipTerm,
			LeaderSessionID: r.LeaderSessionID,
			StartPosition:   r.StartPosition,
			StreamStart:     r.StreamStartPosition,
			StreamEnd:       r.StreamStartPosition + int64(len(r.Body)),
		})
		return fragment.ActionContinue
	}

	// r.StartPosition == previous: authoritative replay of the next range.
	isNextTerm := r.LeadershipTerm != s.currentTerm.Load()
	if isNextTerm {
		// Sources-only half: idempotent, safe to repeat if the handler
		// below aborts and this envelope is redelivered.
		s.updateSources(r.LeaderSessionID)
	}

	bodyEnd := r.StreamStartPosition + int64(len(r.Body))
	action := s.handler(r.Body, 0, len(r.Body), fragment.Header{Position: bodyEnd})
	if action == fragment.ActionAbort {
		// Positions are untouched; the caller's next poll redelivers this
		// exact envelope (the control transport never acks an ABORT).
		return fragment.ActionAbort
	}

	if isNextTerm {
		s.updatePositions(r.LeadershipTerm, bodyEnd, r.StartPosition+int64(len(r.Body)), bodyEnd)
	} else {
		bodyLen := int64(len(r.Body))
		s.lastAppliedPosition.Add(bodyLen)
		s.previousConsensusPosition.Add(bodyLen)
	}
	s.metrics.ResendsApplied.Inc()
	return fragment.ActionBreak
}

func (s *Subscriber) enqueueFutureAck(ack futureack.Ack) {
	s.futureAcks.Push(ack)
	s.metrics.FutureAcksQueued.Set(float64(s.futureAcks.Len()))
}

// applyTermSwitch performs the full two-half term switch described in
// spec.md §4.E/§9 for a switch driven by a heartbeat or a popped future ack:
// the new term has consumed nothing yet, so lastAppliedPosition resets to
// the new term's stream start.
func (s *Subscriber) applyTermSwitch(term, leaderSessionID int32, streamStart, streamEnd, consensusPosition int64) {
	s.updateSources(leaderSessionID)
	s.updatePositions(term, streamEnd, consensusPosition, streamStart)
}

// updateSources is the reentrant half of a term switch (spec.md §4.E/§9):
// acquire the new leader's data image and archive session. It may be
// re-run without side effects beyond re-binding these handles.
func (s *Subscriber) updateSources(leaderSessionID int32) {
	s.leaderSessionID = leaderSessionID
	if img, ok := s.dataTransport.ImageBySessionID(leaderSessionID); ok {
		s.dataImage = img
	} else {
		s.dataImage = nil
	}
	if reader, ok := s.archiveReader.Session(leaderSessionID); ok {
		s.leaderArchiveReader = reader
	} else {
		s.leaderArchiveReader = nil
	}
}

// updatePositions is the committing half of a term switch: once called, the
// switch cannot be rolled back. consumedUpTo is the lastAppliedPosition the
// new term starts at -- the term's stream start for a heartbeat-driven
// switch, or the resend body's end position when the resend itself carried
// the term's first bytes.
func (s *Subscriber) updatePositions(term int32, streamEnd, consensusPosition, consumedUpTo int64) {
	if prior := s.currentTerm.Load(); prior != term {
		if prior == logpos.NoTerm && term != 1 {
			s.logger.Warnw("bootstrapping on non-initial leadership term", "term", term)
		}
		s.currentTerm.Store(term)
		s.metrics.TermSwitches.Inc()
		s.metrics.CurrentTerm.Set(float64(term))
	}
	s.streamConsensusPosition.Store(streamEnd)
	s.lastAppliedPosition.Store(consumedUpTo)
	s.previousConsensusPosition.Store(consensusPosition)
	s.metrics.StreamPosition.Set(float64(streamEnd))
}
