package models

import "time"

const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

// OutboxEventRecord implements the transactional outbox for extracted domain
// events: StageEvents writes records inside the caller's DB transaction, and
// the dispatcher publishes them after commit.
type OutboxEventRecord struct {
	ID            int    `gorm:"primary_key;index:idx_outbox_dispatch,priority:3" json:"id"`
	BusinessId    string `gorm:"size:64;index" json:"business_id"`
	EntityType    string `gorm:"size:255;not null;index" json:"entity_type"`
	EntityKeys    []byte `gorm:"type:blob" json:"entity_keys"`
	EventName     string `gorm:"size:255;not null" json:"event_name"`
	Payload       []byte `gorm:"type:blob" json:"payload"`
	CorrelationId string `gorm:"size:64;index" json:"correlation_id"`

	PublishStatus    string     `gorm:"size:20;index;not null;default:'PENDING';index:idx_outbox_dispatch,priority:1" json:"publish_status"` // PENDING|PROCESSING|SENT|FAILED|DEAD
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index;index:idx_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`
	PublishedAt      *time.Time `gorm:"index" json:"published_at"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
