package models

import (
	"errors"
	"testing"

	"github.com/mmdatafocus/savekit/utils"
)

type testDoc struct {
	ID   int
	Name string
}

func TestSession_RegistrationOrderAndStateUpdates(t *testing.T) {
	s := NewSession("test")
	a := &testDoc{ID: 1}
	b := &testDoc{ID: 2}
	c := &testDoc{ID: 3}

	if err := s.RegisterNew(a); err != nil {
		t.Fatal(err)
	}
	if err := s.RegisterDirty(b); err != nil {
		t.Fatal(err)
	}
	if err := s.RegisterClean(c); err != nil {
		t.Fatal(err)
	}
	// Re-registering updates the state but keeps the original position.
	if err := s.RegisterDeleted(a); err != nil {
		t.Fatal(err)
	}

	tracked := s.Tracked()
	if len(tracked) != 3 {
		t.Fatalf("expected 3 tracked entities, got %d", len(tracked))
	}
	if tracked[0].Entity != a || tracked[0].State != EntityStateDeleted {
		t.Fatalf("entity a: got state %s at position 0", tracked[0].State)
	}
	if tracked[1].Entity != b || tracked[1].State != EntityStateModified {
		t.Fatalf("entity b: got state %s at position 1", tracked[1].State)
	}
	if tracked[2].Entity != c || tracked[2].State != EntityStateUnchanged {
		t.Fatalf("entity c: got state %s at position 2", tracked[2].State)
	}
}

func TestSession_DetachKeepsEnumeration(t *testing.T) {
	s := NewSession("test")
	a := &testDoc{ID: 1}
	if err := s.RegisterNew(a); err != nil {
		t.Fatal(err)
	}
	if err := s.Detach(a); err != nil {
		t.Fatal(err)
	}
	tracked := s.Tracked()
	if len(tracked) != 1 || tracked[0].State != EntityStateDetached {
		t.Fatalf("expected one DETACHED entry, got %+v", tracked)
	}
}

func TestSession_CloseRejectsRegistration(t *testing.T) {
	s := NewSession("test")
	s.Close()
	if !s.Closed() {
		t.Fatal("expected session to report closed")
	}
	err := s.RegisterNew(&testDoc{})
	if !errors.Is(err, utils.ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if got := len(s.Tracked()); got != 0 {
		t.Fatalf("expected no tracked entities after close, got %d", got)
	}
	// Closing twice is fine.
	s.Close()
}

func TestSession_DisableHooksNesting(t *testing.T) {
	s := NewSession("test")
	if !s.HooksEnabled() {
		t.Fatal("hooks should start enabled")
	}

	outer := s.DisableHooks()
	inner := s.DisableHooks()
	if s.HooksEnabled() {
		t.Fatal("hooks should be disabled while guards are held")
	}

	inner()
	if s.HooksEnabled() {
		t.Fatal("outer guard still held; hooks must stay disabled")
	}

	outer()
	if !s.HooksEnabled() {
		t.Fatal("all guards released; hooks must be enabled again")
	}

	// Double release must not underflow into a disabled state.
	outer()
	if !s.HooksEnabled() {
		t.Fatal("release must be idempotent")
	}
}
