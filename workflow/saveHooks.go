package workflow

import (
	"context"
	"sync"

	"github.com/mmdatafocus/savekit/models"
)

// BeforeSaveHook runs against the snapshot before the underlying write.
// Returning an error aborts the save: remaining before-hooks and the write do
// not run.
type BeforeSaveHook interface {
	BeforeSave(ctx context.Context, snap *models.SaveSnapshot) error
}

// AfterSaveHook runs after a successful write, against the same snapshot.
type AfterSaveHook interface {
	AfterSave(ctx context.Context, snap *models.SaveSnapshot) error
}

// BeforeSaveFunc adapts a plain func to BeforeSaveHook.
type BeforeSaveFunc func(ctx context.Context, snap *models.SaveSnapshot) error

func (f BeforeSaveFunc) BeforeSave(ctx context.Context, snap *models.SaveSnapshot) error {
	return f(ctx, snap)
}

// AfterSaveFunc adapts a plain func to AfterSaveHook.
type AfterSaveFunc func(ctx context.Context, snap *models.SaveSnapshot) error

func (f AfterSaveFunc) AfterSave(ctx context.Context, snap *models.SaveSnapshot) error {
	return f(ctx, snap)
}

type namedBeforeHook struct {
	name string
	hook BeforeSaveHook
}

type namedAfterHook struct {
	name string
	hook AfterSaveHook
}

// HookRegistry holds save hooks keyed by session kind. Hooks of one phase run
// in registration order. Registration is idempotent per (kind, phase, name):
// the registry itself is the source of truth, so wiring code may register the
// same hook on every startup path without duplicating it.
type HookRegistry struct {
	mu     sync.RWMutex
	before map[string][]namedBeforeHook
	after  map[string][]namedAfterHook
}

func NewHookRegistry() *HookRegistry {
	return &HookRegistry{
		before: map[string][]namedBeforeHook{},
		after:  map[string][]namedAfterHook{},
	}
}

// RegisterBefore adds a before-hook for the session kind. Returns false when
// a hook with the same name is already registered for that kind and phase.
func (r *HookRegistry) RegisterBefore(kind, name string, hook BeforeSaveHook) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.before[kind] {
		if h.name == name {
			return false
		}
	}
	r.before[kind] = append(r.before[kind], namedBeforeHook{name: name, hook: hook})
	return true
}

// RegisterAfter adds an after-hook for the session kind. Returns false when
// a hook with the same name is already registered for that kind and phase.
func (r *HookRegistry) RegisterAfter(kind, name string, hook AfterSaveHook) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.after[kind] {
		if h.name == name {
			return false
		}
	}
	r.after[kind] = append(r.after[kind], namedAfterHook{name: name, hook: hook})
	return true
}

// BeforeHooks returns the kind's before-hooks in registration order.
func (r *HookRegistry) BeforeHooks(kind string) []BeforeSaveHook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]BeforeSaveHook, 0, len(r.before[kind]))
	for _, h := range r.before[kind] {
		out = append(out, h.hook)
	}
	return out
}

// AfterHooks returns the kind's after-hooks in registration order.
func (r *HookRegistry) AfterHooks(kind string) []AfterSaveHook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AfterSaveHook, 0, len(r.after[kind]))
	for _, h := range r.after[kind] {
		out = append(out, h.hook)
	}
	return out
}

// RunBeforeHooks executes the hooks sequentially against the snapshot,
// fail-fast: the first error aborts the remaining hooks and propagates
// unchanged. No-op while the session's DisableHooks guard is held.
func RunBeforeHooks(ctx context.Context, snap *models.SaveSnapshot, hooks []BeforeSaveHook) error {
	if hooksSuppressed(snap) {
		return nil
	}
	for _, h := range hooks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := h.BeforeSave(ctx, snap); err != nil {
			return err
		}
	}
	return nil
}

// RunAfterHooks executes the hooks sequentially against the snapshot with the
// same fail-fast semantics as RunBeforeHooks. Callers must only invoke it
// after the underlying write succeeded.
func RunAfterHooks(ctx context.Context, snap *models.SaveSnapshot, hooks []AfterSaveHook) error {
	if hooksSuppressed(snap) {
		return nil
	}
	for _, h := range hooks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := h.AfterSave(ctx, snap); err != nil {
			return err
		}
	}
	return nil
}

func hooksSuppressed(snap *models.SaveSnapshot) bool {
	if snap == nil {
		return true
	}
	sess := snap.Session()
	return sess != nil && !sess.HooksEnabled()
}
