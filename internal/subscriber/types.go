// Package subscriber implements the single-reader cluster log subscriber
// described in spec.md: it reconstructs an ordered, gap-free stream of
// application fragments from a replicated log, consuming a data transport
// and a control transport and handing the caller exactly those fragments
// committed by consensus, in commit order, across leadership changes.
//
// This centralizes components C (message filter), E (control dispatcher)
// and F (subscriber driver) around one Subscriber type, the way the teacher
// centralized its election/replication state machine around one Consensus
// type in internal/raft/raft.go -- one cohesive package, several files split
// by responsibility, no cross-package coupling of the tightly-interdependent
// state in spec.md §3.
package subscriber

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mathdee/cluster-log-subscriber/internal/archive"
	"github.com/mathdee/cluster-log-subscriber/internal/fragment"
	"github.com/mathdee/cluster-log-subscriber/internal/futureack"
	"github.com/mathdee/cluster-log-subscriber/internal/logpos"
	"github.com/mathdee/cluster-log-subscriber/internal/metrics"
	"github.com/mathdee/cluster-log-subscriber/internal/transport"
)

// ErrZeroClusterStreamID is the ConfigurationError from spec.md §7: a
// cluster-stream tag of zero means "no filter" in the transport's reserved-
// value convention and is never a legal subscriber tag.
var ErrZeroClusterStreamID = errors.New("subscriber: cluster stream id must not be zero")

// FrameHeaderLength is the per-fragment framing overhead the archive catch-up
// range in spec.md §4.D skips past ([lastApplied+FrameHeaderLength,
// streamConsensusPosition)). 32 is the conventional data-frame header size
// for this class of transport, chosen as a fixed value (see DESIGN.md).
const FrameHeaderLength int64 = 32

// Config carries everything New needs to construct a Subscriber.
type Config struct {
	ClusterStreamID  int32
	DataTransport    transport.DataSubscription
	ControlTransport transport.ControlSubscription
	Archive          archive.Reader
	Logger           *zap.SugaredLogger
	Metrics          *metrics.Metrics
}

// Subscriber holds the data model state from spec.md §3 and implements the
// public interface from spec.md §6.
type Subscriber struct {
	clusterStreamID  int32
	dataTransport    transport.DataSubscription
	controlTransport transport.ControlSubscription
	archiveReader    archive.Reader
	logger           *zap.SugaredLogger
	metrics          *metrics.Metrics

	// currentTerm, streamConsensusPosition, lastAppliedPosition and
	// previousConsensusPosition are mutated only from the single goroutine
	// that calls Poll (spec.md §5: no locks, no atomics on the hot path is
	// the letter of the spec for a *single* reader's internal bookkeeping),
	// but they're exposed to the outside world through StreamPosition,
	// CurrentLeadershipTerm and a status/metrics surface that may be read
	// concurrently from another goroutine. atomics give that reader a
	// torn-free view without forcing a mutex onto the poll loop.
	currentTerm               atomic.Int32
	streamConsensusPosition   atomic.Int64
	lastAppliedPosition       atomic.Int64
	previousConsensusPosition atomic.Int64

	dataImage           transport.Image
	leaderSessionID     int32
	leaderArchiveReader archive.SessionReader

	futureAcks *futureack.Queue

	// handler is the caller's handler remembered across Poll calls so the
	// control dispatcher's resend path (which bypasses the data transport
	// entirely) can invoke it directly.
	handler fragment.Handler

	closeOnce sync.Once
	closeErr  error
}

// New constructs a Subscriber. It fails with ErrZeroClusterStreamID if
// cfg.ClusterStreamID is zero (spec.md §3, "Lifecycle").
func New(cfg Config) (*Subscriber, error) {
	if cfg.ClusterStreamID == 0 {
		return nil, ErrZeroClusterStreamID
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}

	s := &Subscriber{
		clusterStreamID:  cfg.ClusterStreamID,
		dataTransport:    cfg.DataTransport,
		controlTransport: cfg.ControlTransport,
		archiveReader:    cfg.Archive,
		logger:           logger,
		metrics:          m,
		futureAcks:       futureack.New(),
	}
	s.currentTerm.Store(logpos.NoTerm)
	return s, nil
}

// StreamPosition returns streamConsensusPosition: the highest stream
// position of the current term that consensus has committed.
func (s *Subscriber) StreamPosition() int64 {
	return s.streamConsensusPosition.Load()
}

// PositionOf returns the same value as StreamPosition regardless of
// sessionID. The parameter is unused: this reader tracks a single ongoing
// leadership term, not per-session positions, but the signature is kept for
// API compatibility with the transport's per-session addressing scheme.
// Deprecated: prefer StreamPosition.
func (s *Subscriber) PositionOf(sessionID int32) int64 {
	_ = sessionID
	return s.StreamPosition()
}

// CurrentLeadershipTerm returns the leadership term currently being
// delivered.
func (s *Subscriber) CurrentLeadershipTerm() int32 {
	return s.currentTerm.Load()
}

// Close releases the data transport, control transport and archive handles.
// It is idempotent: a second call returns the same error (or nil) as the
// first, without closing anything twice.
func (s *Subscriber) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.closeAll()
	})
	return s.closeErr
}

func (s *Subscriber) closeAll() error {
	var first error
	record := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if c, ok := s.dataTransport.(io.Closer); ok {
		record(c.Close())
	}
	if c, ok := s.controlTransport.(io.Closer); ok {
		record(c.Close())
	}
	if c, ok := s.archiveReader.(io.Closer); ok {
		record(c.Close())
	}
	return first
}
