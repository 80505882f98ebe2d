package models

import "time"

// IdempotencyKey stores the first completed response for a composite key.
// The unique index on composite_key is the concurrency-safety mechanism:
// concurrent callers race on the insert and the database admits exactly one.
// Rows are never updated; expired rows are reaped by cmd/idempotency-cleanup.
type IdempotencyKey struct {
	ID            int       `gorm:"primary_key" json:"id"`
	IdempotentKey string    `gorm:"size:150;not null" json:"idempotent_key"`
	Endpoint      string    `gorm:"size:250;not null" json:"endpoint"`
	Method        string    `gorm:"size:20;not null" json:"method"`
	CompositeKey  string    `gorm:"size:128;not null;uniqueIndex:uniq_idem_composite" json:"composite_key"`
	StatusCode    int       `gorm:"not null;check:status_code >= 100 AND status_code <= 599" json:"status_code"`
	Body          string    `gorm:"type:mediumtext" json:"body"`
	ContentType   string    `gorm:"size:256" json:"content_type"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	ExpiresAt     time.Time `gorm:"index;not null" json:"expires_at"`
}

func (k *IdempotencyKey) Expired(now time.Time) bool {
	return !k.ExpiresAt.After(now)
}

func (k *IdempotencyKey) CachedResponse() *CachedResponse {
	return &CachedResponse{
		StatusCode:  k.StatusCode,
		Body:        k.Body,
		ContentType: k.ContentType,
		CreatedAt:   k.CreatedAt,
		ExpiresAt:   k.ExpiresAt,
	}
}

// CachedResponse is the transient view of a processed key, served to callers
// that present an already seen composite key.
type CachedResponse struct {
	StatusCode  int       `json:"status_code"`
	Body        string    `json:"body"`
	ContentType string    `json:"content_type"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}
