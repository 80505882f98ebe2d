package models

import (
	"sync"

	"github.com/mmdatafocus/savekit/utils"
)

// TrackedEntity is one entity + its current state, as enumerated from a Session.
type TrackedEntity struct {
	Entity any
	State  EntityState
}

// Session is a register-style unit of work: callers register the entities a
// persistence attempt will touch, and the save pipeline snapshots them before
// the write. Entities must be registered as pointers (identity is the pointer).
//
// Session is safe for use from multiple goroutines, but a single save
// operation is expected to own it for the duration of the attempt.
type Session struct {
	mu            sync.Mutex
	kind          string
	order         []any
	states        map[any]EntityState
	closed        bool
	hooksDisabled int
}

// NewSession creates a session. kind identifies the owning unit-of-work type
// and selects which registered hooks run for its saves.
func NewSession(kind string) *Session {
	return &Session{
		kind:   kind,
		states: map[any]EntityState{},
	}
}

func (s *Session) Kind() string { return s.kind }

func (s *Session) RegisterNew(entity any) error {
	return s.register(entity, EntityStateAdded)
}

func (s *Session) RegisterDirty(entity any) error {
	return s.register(entity, EntityStateModified)
}

func (s *Session) RegisterClean(entity any) error {
	return s.register(entity, EntityStateUnchanged)
}

func (s *Session) RegisterDeleted(entity any) error {
	return s.register(entity, EntityStateDeleted)
}

// Detach keeps the entity enumerable but marks it DETACHED. Detached entries
// are skipped by hooks that only care about pending changes.
func (s *Session) Detach(entity any) error {
	return s.register(entity, EntityStateDetached)
}

// Re-registering an already tracked entity updates its state in place;
// enumeration order stays the order of first registration.
func (s *Session) register(entity any, state EntityState) error {
	if entity == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return utils.ErrSessionClosed
	}
	if _, seen := s.states[entity]; !seen {
		s.order = append(s.order, entity)
	}
	s.states[entity] = state
	return nil
}

// Tracked returns the currently tracked entities with their current states,
// in first-registration order.
func (s *Session) Tracked() []TrackedEntity {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TrackedEntity, 0, len(s.order))
	for _, e := range s.order {
		out = append(out, TrackedEntity{Entity: e, State: s.states[e]})
	}
	return out
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close releases the session. Registrations and snapshots fail afterwards.
// Closing twice is a no-op.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.order = nil
	s.states = map[any]EntityState{}
}

// DisableHooks suppresses before/after save hooks for this session until the
// returned release func runs. Guards nest: hooks stay disabled until every
// release has run. Release is idempotent, so `defer release()` is safe on all
// exit paths.
func (s *Session) DisableHooks() (release func()) {
	s.mu.Lock()
	s.hooksDisabled++
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.hooksDisabled > 0 {
				s.hooksDisabled--
			}
			s.mu.Unlock()
		})
	}
}

func (s *Session) HooksEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hooksDisabled == 0
}
