package config

import (
	"os"
	"strings"
)

// IdempotencyFailOpen controls what happens when the idempotency store is
// unreachable: fail open (run the handler without the at-most-once guarantee)
// or fail closed (reject the request).
//
// Set via env:
// - IDEMPOTENCY_FAIL_OPEN=true
func IdempotencyFailOpen() bool {
	return boolFromEnv("IDEMPOTENCY_FAIL_OPEN")
}

// IdempotencyCacheErrorResponses persists non-2xx handler results too, so
// retries of a failed request replay the failure instead of re-executing.
//
// Set via env:
// - IDEMPOTENCY_CACHE_ERROR_RESPONSES=true
func IdempotencyCacheErrorResponses() bool {
	return boolFromEnv("IDEMPOTENCY_CACHE_ERROR_RESPONSES")
}

func boolFromEnv(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}
