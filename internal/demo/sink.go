// Package demo provides a reference fragment.Handler that applies delivered
// fragment bytes into an in-memory, ordered log. It directly generalizes the
// teacher's internal/store/store.go Store.Set/Get: same RWMutex guarding, but
// an append-only list of entries, each recording the header position a
// fragment was delivered at, instead of a key/value map (spec.md treats
// application payload as opaque past a 1-byte-resolution boundary check, so
// there is no key/value structure left to parse out of the bytes
// themselves). Used by cmd/subscriber's foreground poll loop and available to
// subscriber package tests that want a concrete, inspectable handler instead
// of a throwaway closure.
package demo

import (
	"sync"

	"github.com/mathdee/cluster-log-subscriber/internal/fragment"
)

// Sink accumulates delivered fragments in commit order. It is safe for
// concurrent Get/Len calls from a status reporter while Apply runs on the
// single poll-owning goroutine, the same split the teacher's Store makes
// between its WAL-writing Set and its RLock-guarded Get.
type Sink struct {
	mu      sync.RWMutex
	entries []Entry
}

// Entry is one fragment this sink has accepted.
type Entry struct {
	// ConsensusPosition is the header.Position the fragment was delivered at
	// (the end of the fragment in the stream space of its leadership term).
	ConsensusPosition int64
	Payload           []byte
}

// New returns an empty Sink.
func New() *Sink {
	return &Sink{}
}

// Apply implements fragment.Handler: it always accepts, copying the bytes out
// of the caller-owned buffer before the transport is allowed to reuse it.
func (s *Sink) Apply(buffer []byte, offset, length int, header fragment.Header) fragment.Action {
	payload := make([]byte, length)
	copy(payload, buffer[offset:offset+length])

	s.mu.Lock()
	s.entries = append(s.entries, Entry{ConsensusPosition: header.Position, Payload: payload})
	s.mu.Unlock()

	return fragment.ActionContinue
}

// Len reports how many fragments have been accepted so far.
func (s *Sink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Last returns the most recently accepted entry, if any.
func (s *Sink) Last() (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return Entry{}, false
	}
	return s.entries[len(s.entries)-1], true
}

// All returns a copy of every entry accepted so far, in delivery order.
func (s *Sink) All() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}
