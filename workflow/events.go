package workflow

import (
	"context"
	"encoding/json"
	"iter"
	"reflect"

	"github.com/google/uuid"
	"github.com/mmdatafocus/savekit/models"
	"github.com/mmdatafocus/savekit/utils"
	"gorm.io/gorm"
)

// ExtractEvents drains domain events from every snapshot entry whose entity
// carries the event capability, yielding one EventObject per entity that
// emitted anything. The sequence is lazy and single-pass: draining happens as
// it is iterated, so re-iterating yields nothing for already drained entities.
// mapper, when non-nil, projects additional events per capable entity.
func ExtractEvents(snap *models.SaveSnapshot, mapper models.EventMapper) iter.Seq[models.EventObject] {
	return func(yield func(models.EventObject) bool) {
		if snap == nil {
			return
		}
		for _, entry := range snap.Entries() {
			src, ok := entry.Source()
			if !ok {
				continue
			}
			events := src.CollectEvents()
			if mapper != nil {
				events = append(events, mapper(entry.Entity())...)
			}
			if len(events) == 0 {
				continue
			}
			obj := models.EventObject{
				EntityType: entityTypeName(entry.Entity()),
				Keys:       src.EntityKeys(),
				Events:     events,
			}
			if !yield(obj) {
				return
			}
		}
	}
}

func entityTypeName(entity any) string {
	t := reflect.TypeOf(entity)
	if t == nil {
		return ""
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}

// StageEvents writes one outbox record per domain event inside the caller's
// DB transaction. Publishing happens after commit via the outbox dispatcher,
// never here.
func StageEvents(ctx context.Context, tx *gorm.DB, objects []models.EventObject) error {
	if len(objects) == 0 {
		return nil
	}
	businessId, _ := utils.GetBusinessIdFromContext(ctx)
	correlationId := correlationIdFromContextOrNew(ctx)

	for _, obj := range objects {
		keysInByte, err := json.Marshal(obj.Keys)
		if err != nil {
			return err
		}
		for _, ev := range obj.Events {
			payload, err := json.Marshal(ev.Payload)
			if err != nil {
				return err
			}
			record := models.OutboxEventRecord{
				BusinessId:    businessId,
				EntityType:    obj.EntityType,
				EntityKeys:    keysInByte,
				EventName:     ev.Name,
				Payload:       payload,
				CorrelationId: correlationId,
				PublishStatus: models.OutboxPublishStatusPending,
			}
			if err := tx.Create(&record).Error; err != nil {
				return err
			}
		}
	}
	return nil
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}
