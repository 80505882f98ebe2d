package utils

import "errors"

// ErrSessionClosed is returned when a tracking session is used after Close.
var ErrSessionClosed = errors.New("tracking session is closed")

// ErrInvalidIdempotencyKey is returned for oversized or unusable client keys,
// before any store access happens.
var ErrInvalidIdempotencyKey = errors.New("invalid idempotency key")
