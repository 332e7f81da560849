// Package archive implements the on-disk catch-up reader described in
// spec.md §4.D: when the live data transport has not yet delivered bytes
// consensus has already committed, a SessionReader replays them from
// persistent storage instead.
package archive

import "github.com/mathdee/cluster-log-subscriber/internal/fragment"

// SessionReader replays committed bytes for one leader's session.
type SessionReader interface {
	// ReadUpTo replays bytes in stream-position range [fromStreamPos,
	// toStreamPos) through handler, stopping early if handler returns
	// anything other than ActionContinue. It returns the new stream
	// position actually reached, which is <= toStreamPos; zero means no
	// progress was made.
	ReadUpTo(fromStreamPos, toStreamPos int64, handler fragment.Handler) (int64, error)
}

// Reader resolves a SessionReader scoped to one leader's session.
type Reader interface {
	// Session returns a reader scoped to sessionID, or false if the archive
	// has no session recorded for it (spec.md's ArchiveUnavailable case).
	Session(sessionID int32) (SessionReader, bool)
}
