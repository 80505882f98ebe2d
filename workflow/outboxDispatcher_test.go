package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/savekit/models"
)

type recordingPublisher struct {
	mu        sync.Mutex
	published []int
	fail      bool
}

func (p *recordingPublisher) Publish(_ context.Context, record models.OutboxEventRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("transport down")
	}
	p.published = append(p.published, record.ID)
	return nil
}

func TestDispatcher_PublishesPendingRecords(t *testing.T) {
	db := openTestDB(t)
	pub := &recordingPublisher{}
	d := NewOutboxDispatcher(db, pub, nil)

	for i := 0; i < 3; i++ {
		rec := models.OutboxEventRecord{
			EntityType:    "SalesInvoice",
			EventName:     "invoice.created",
			PublishStatus: models.OutboxPublishStatusPending,
		}
		if err := db.Create(&rec).Error; err != nil {
			t.Fatal(err)
		}
	}

	d.DispatchOnce(context.Background())

	if len(pub.published) != 3 {
		t.Fatalf("expected 3 published records, got %d", len(pub.published))
	}
	var sent int64
	if err := db.Model(&models.OutboxEventRecord{}).
		Where("publish_status = ?", models.OutboxPublishStatusSent).
		Count(&sent).Error; err != nil {
		t.Fatal(err)
	}
	if sent != 3 {
		t.Fatalf("expected 3 SENT rows, got %d", sent)
	}
	var rec models.OutboxEventRecord
	if err := db.First(&rec).Error; err != nil {
		t.Fatal(err)
	}
	if rec.PublishedAt == nil || rec.LockedAt != nil || rec.LockedBy != nil {
		t.Fatalf("SENT row must have published_at set and locks cleared: %+v", rec)
	}
}

func TestDispatcher_FailureSchedulesRetryWithBackoff(t *testing.T) {
	db := openTestDB(t)
	pub := &recordingPublisher{fail: true}
	d := NewOutboxDispatcher(db, pub, nil)

	rec := models.OutboxEventRecord{
		EntityType:    "SalesInvoice",
		EventName:     "invoice.created",
		PublishStatus: models.OutboxPublishStatusPending,
	}
	if err := db.Create(&rec).Error; err != nil {
		t.Fatal(err)
	}

	d.DispatchOnce(context.Background())

	var after models.OutboxEventRecord
	if err := db.First(&after, rec.ID).Error; err != nil {
		t.Fatal(err)
	}
	if after.PublishStatus != models.OutboxPublishStatusFailed {
		t.Fatalf("expected FAILED, got %s", after.PublishStatus)
	}
	if after.PublishAttempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", after.PublishAttempts)
	}
	if after.NextAttemptAt == nil || !after.NextAttemptAt.After(time.Now().UTC().Add(-time.Second)) {
		t.Fatalf("expected a future next_attempt_at, got %v", after.NextAttemptAt)
	}
	if after.LastPublishError == nil || *after.LastPublishError != "transport down" {
		t.Fatalf("expected last error recorded, got %v", after.LastPublishError)
	}

	// Not yet eligible: next_attempt_at is in the future.
	d.DispatchOnce(context.Background())
	var again models.OutboxEventRecord
	if err := db.First(&again, rec.ID).Error; err != nil {
		t.Fatal(err)
	}
	if again.PublishAttempts != 1 {
		t.Fatalf("record retried before its backoff elapsed: attempts=%d", again.PublishAttempts)
	}
}

func TestDispatcher_PoisonRecordGoesDead(t *testing.T) {
	db := openTestDB(t)
	pub := &recordingPublisher{}
	d := NewOutboxDispatcher(db, pub, nil)
	d.MaxAttempts = 3

	rec := models.OutboxEventRecord{
		EntityType:      "SalesInvoice",
		EventName:       "invoice.created",
		PublishStatus:   models.OutboxPublishStatusFailed,
		PublishAttempts: 3,
	}
	if err := db.Create(&rec).Error; err != nil {
		t.Fatal(err)
	}

	d.DispatchOnce(context.Background())

	var after models.OutboxEventRecord
	if err := db.First(&after, rec.ID).Error; err != nil {
		t.Fatal(err)
	}
	if after.PublishStatus != models.OutboxPublishStatusDead {
		t.Fatalf("expected DEAD, got %s", after.PublishStatus)
	}
	if len(pub.published) != 0 {
		t.Fatal("poison record must not be handed to the publisher")
	}
}

func TestDispatcher_ReclaimsStaleProcessingRows(t *testing.T) {
	db := openTestDB(t)
	pub := &recordingPublisher{}
	d := NewOutboxDispatcher(db, pub, nil)
	d.LockTimeout = time.Minute

	staleAt := time.Now().UTC().Add(-2 * time.Minute)
	other := "dead-dispatcher"
	rec := models.OutboxEventRecord{
		EntityType:    "SalesInvoice",
		EventName:     "invoice.created",
		PublishStatus: models.OutboxPublishStatusProcessing,
		LockedAt:      &staleAt,
		LockedBy:      &other,
	}
	if err := db.Create(&rec).Error; err != nil {
		t.Fatal(err)
	}

	d.DispatchOnce(context.Background())

	var after models.OutboxEventRecord
	if err := db.First(&after, rec.ID).Error; err != nil {
		t.Fatal(err)
	}
	if after.PublishStatus != models.OutboxPublishStatusSent {
		t.Fatalf("stale PROCESSING row must be reclaimed and published, got %s", after.PublishStatus)
	}
}

func TestDispatcher_BackoffCapped(t *testing.T) {
	d := &OutboxDispatcher{InitialBackoff: 5 * time.Second}
	if got := d.backoffFor(1); got != 5*time.Second {
		t.Fatalf("attempt 1: got %v", got)
	}
	if got := d.backoffFor(3); got != 20*time.Second {
		t.Fatalf("attempt 3: got %v", got)
	}
	if got := d.backoffFor(50); got != 10*time.Minute {
		t.Fatalf("backoff must cap at 10m, got %v", got)
	}
}
