package models

import (
	"sync"

	"github.com/mmdatafocus/savekit/utils"
)

// SnapshotEntry is one tracked entity captured at snapshot time. The captured
// state is immutable: re-registering the live entity later does not change it.
type SnapshotEntry struct {
	entity any
	state  EntityState
	source EventSource // capability checked once at capture; nil if absent
}

func (e *SnapshotEntry) Entity() any { return e.entity }

// State returns the entity's state as captured at snapshot time.
func (e *SnapshotEntry) State() EntityState { return e.state }

// Source returns the entity's event capability, if it has one.
func (e *SnapshotEntry) Source() (EventSource, bool) {
	return e.source, e.source != nil
}

// SaveSnapshot is the immutable pre-write view of a session, handed to save
// hooks and to event extraction. The entry list is computed once and memoized;
// repeated Entries calls return the same slice.
//
// The snapshot borrows the session: Release drops the reference but never
// closes the session itself.
type SaveSnapshot struct {
	mu       sync.Mutex
	session  *Session
	once     sync.Once
	entries  []*SnapshotEntry
	released bool
}

// BeginSnapshot captures the session's tracked entities for one save attempt.
// Fails only if the session is already closed.
func BeginSnapshot(session *Session) (*SaveSnapshot, error) {
	if session == nil || session.Closed() {
		return nil, utils.ErrSessionClosed
	}
	snap := &SaveSnapshot{session: session}
	// Materialize immediately so entry states reflect this instant, not the
	// first access.
	snap.Entries()
	return snap, nil
}

func (s *SaveSnapshot) Entries() []*SnapshotEntry {
	s.once.Do(func() {
		s.mu.Lock()
		sess := s.session
		released := s.released
		s.mu.Unlock()
		if released || sess == nil {
			return
		}
		tracked := sess.Tracked()
		entries := make([]*SnapshotEntry, 0, len(tracked))
		for _, t := range tracked {
			entry := &SnapshotEntry{entity: t.Entity, state: t.State}
			if src, ok := t.Entity.(EventSource); ok {
				entry.source = src
			}
			entries = append(entries, entry)
		}
		s.mu.Lock()
		s.entries = entries
		s.mu.Unlock()
	})
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries
}

// Session returns the owning session, or nil after Release.
func (s *SaveSnapshot) Session() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

func (s *SaveSnapshot) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// Release clears the entry list and drops the session reference. Safe to call
// more than once. Callers own this via defer: acquire snapshot, run hooks,
// release on every exit path.
func (s *SaveSnapshot) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = true
	s.entries = nil
	s.session = nil
}
