package workflow

import (
	"context"

	"github.com/mmdatafocus/savekit/models"
	"github.com/sirupsen/logrus"
)

// SaveFlow wraps a single persistence attempt with the snapshot + hook
// discipline: snapshot the session, run before-hooks, execute the write, run
// after-hooks. The snapshot is released on every exit path, including hook
// errors and cancellation; the session stays usable, so calling Save again on
// the same session simply takes a fresh snapshot.
type SaveFlow struct {
	Registry *HookRegistry
	Logger   *logrus.Logger
}

func NewSaveFlow(registry *HookRegistry, logger *logrus.Logger) *SaveFlow {
	if registry == nil {
		registry = NewHookRegistry()
	}
	return &SaveFlow{Registry: registry, Logger: logger}
}

// Save runs one unit of work. write is the underlying persistence call
// (typically a gorm transaction); it must not run if a before-hook fails, and
// after-hooks run only if it succeeded.
func (f *SaveFlow) Save(ctx context.Context, session *models.Session, write func(ctx context.Context) error) error {
	_, err := f.save(ctx, session, nil, false, write)
	return err
}

// SaveAndCollect is Save plus event extraction: after the after-hooks it
// drains domain events from the snapshot and returns them grouped per entity,
// ready for StageEvents. mapper is optional.
func (f *SaveFlow) SaveAndCollect(ctx context.Context, session *models.Session, mapper models.EventMapper, write func(ctx context.Context) error) ([]models.EventObject, error) {
	return f.save(ctx, session, mapper, true, write)
}

func (f *SaveFlow) save(ctx context.Context, session *models.Session, mapper models.EventMapper, collect bool, write func(ctx context.Context) error) ([]models.EventObject, error) {
	snap, err := models.BeginSnapshot(session)
	if err != nil {
		return nil, err
	}
	defer snap.Release()

	kind := session.Kind()
	if err := RunBeforeHooks(ctx, snap, f.Registry.BeforeHooks(kind)); err != nil {
		f.logHookError(kind, "before", err)
		return nil, err
	}
	if err := write(ctx); err != nil {
		return nil, err
	}
	if err := RunAfterHooks(ctx, snap, f.Registry.AfterHooks(kind)); err != nil {
		f.logHookError(kind, "after", err)
		return nil, err
	}

	if !collect {
		return nil, nil
	}
	var objects []models.EventObject
	for obj := range ExtractEvents(snap, mapper) {
		objects = append(objects, obj)
	}
	return objects, nil
}

func (f *SaveFlow) logHookError(kind, phase string, err error) {
	if f.Logger == nil {
		return
	}
	f.Logger.WithFields(logrus.Fields{
		"module": "SaveFlow",
		"kind":   kind,
		"phase":  phase,
	}).Error(err.Error())
}
