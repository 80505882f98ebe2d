package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/mmdatafocus/savekit/config"
	"github.com/mmdatafocus/savekit/models"
	"github.com/mmdatafocus/savekit/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type ConflictHandling string

const (
	// ConflictReturnCachedResult replays the stored response to repeat callers.
	ConflictReturnCachedResult ConflictHandling = "RETURN_CACHED_RESULT"
	// ConflictResponse signals 409 to repeat callers instead of replaying.
	ConflictResponse ConflictHandling = "CONFLICT_RESPONSE"
)

const (
	DefaultMaxKeyLength = 150
	DefaultMaxBodySize  = 1 << 20 // 1 MiB
	DefaultExpiration   = 24 * time.Hour
)

var validate = validator.New()

// IdempotencyOptions configures the store and the HTTP middleware.
type IdempotencyOptions struct {
	ConflictHandling    ConflictHandling `validate:"required,oneof=RETURN_CACHED_RESULT CONFLICT_RESPONSE"`
	CacheErrorResponses bool
	Expiration          time.Duration `validate:"gt=0"`
	MaxBodySize         int           `validate:"gt=0,max=1048576"`
	MaxKeyLength        int           `validate:"gt=0,max=150"`
	// FailOpen: when the store is unreachable, run the handler without the
	// at-most-once guarantee instead of rejecting the request.
	FailOpen bool
}

func DefaultIdempotencyOptions() IdempotencyOptions {
	return IdempotencyOptions{
		ConflictHandling:    ConflictReturnCachedResult,
		CacheErrorResponses: config.IdempotencyCacheErrorResponses(),
		Expiration:          DefaultExpiration,
		MaxBodySize:         DefaultMaxBodySize,
		MaxKeyLength:        DefaultMaxKeyLength,
		FailOpen:            config.IdempotencyFailOpen(),
	}
}

func (o IdempotencyOptions) Validate() error {
	return validate.Struct(o)
}

// KeyRequest identifies one guarded operation: the client key plus the
// endpoint/method fingerprint it was presented against.
type KeyRequest struct {
	Key      string
	Endpoint string
	Method   string
}

// IdempotencyStore guarantees at-most-effectively-once storage per composite
// key. The unique index on composite_key is the only cross-request
// synchronization primitive; the store deduplicates storage, not handler
// execution (see ExecutionLocker for the stronger variant). Redis, when
// connected via config.ConnectRedisWithRetry, acts as a read-through cache.
type IdempotencyStore struct {
	DB      *gorm.DB
	Logger  *logrus.Logger
	Options IdempotencyOptions
}

func NewIdempotencyStore(db *gorm.DB, logger *logrus.Logger, opts IdempotencyOptions) (*IdempotencyStore, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &IdempotencyStore{
		DB:      db,
		Logger:  logger,
		Options: opts,
	}, nil
}

// SanitizeIdempotencyKey normalizes a client-supplied key: case-folds, strips
// everything outside [a-z0-9-], truncates to maxLen. Rejects keys that are
// empty, longer than maxLen before sanitization, or empty after it. This runs
// before any store access.
func SanitizeIdempotencyKey(raw string, maxLen int) (string, error) {
	if maxLen <= 0 {
		maxLen = DefaultMaxKeyLength
	}
	if raw == "" || len(raw) > maxLen {
		return "", utils.ErrInvalidIdempotencyKey
	}
	var b strings.Builder
	for _, r := range strings.ToLower(raw) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		}
	}
	key := b.String()
	if key == "" {
		return "", utils.ErrInvalidIdempotencyKey
	}
	if len(key) > maxLen {
		key = key[:maxLen]
	}
	return key, nil
}

// Resolve validates/sanitizes the request and returns (sanitizedKey,
// compositeKey). The composite key is a sha256 hex digest of
// method|endpoint|key, so it always fits the 128-char unique column.
func (s *IdempotencyStore) Resolve(req KeyRequest) (string, string, error) {
	key, err := SanitizeIdempotencyKey(req.Key, s.Options.MaxKeyLength)
	if err != nil {
		return "", "", err
	}
	sum := sha256.Sum256([]byte(strings.ToUpper(strings.TrimSpace(req.Method)) + "|" + req.Endpoint + "|" + key))
	return key, hex.EncodeToString(sum[:]), nil
}

// IsKeyProcessed reports whether the composite key has a stored, unexpired
// response. Expired rows are treated as absent; they are reaped by the
// cleanup job, never here.
func (s *IdempotencyStore) IsKeyProcessed(ctx context.Context, req KeyRequest) (bool, *models.CachedResponse, error) {
	_, composite, err := s.Resolve(req)
	if err != nil {
		return false, nil, err
	}
	now := time.Now().UTC()

	if cached := s.cacheGet(ctx, composite); cached != nil {
		if cached.ExpiresAt.After(now) {
			return true, cached, nil
		}
	}

	var row models.IdempotencyKey
	if err := s.DB.WithContext(ctx).Where("composite_key = ?", composite).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil, nil
		}
		return false, nil, err
	}
	if row.Expired(now) {
		return false, nil, nil
	}
	resp := row.CachedResponse()
	s.cachePut(ctx, composite, resp)
	return true, resp, nil
}

// MarkKeyProcessed inserts the response under the composite key. Losing the
// insert race to a concurrent caller is expected and benign: the duplicate-key
// violation is recovered here and logged at info, never surfaced. Oversized
// bodies are silently not cached; non-2xx responses are skipped unless
// CacheErrorResponses is set.
func (s *IdempotencyStore) MarkKeyProcessed(ctx context.Context, req KeyRequest, resp models.CachedResponse) error {
	key, composite, err := s.Resolve(req)
	if err != nil {
		return err
	}
	if resp.StatusCode < 100 || resp.StatusCode > 599 {
		return fmt.Errorf("status code out of range: %d", resp.StatusCode)
	}
	if len(resp.Body) > s.Options.MaxBodySize {
		if s.Logger != nil {
			s.Logger.WithFields(logrus.Fields{
				"module":        "IdempotencyStore",
				"composite_key": composite,
				"body_size":     len(resp.Body),
			}).Info("response body exceeds max size; not cached")
		}
		return nil
	}
	if (resp.StatusCode < 200 || resp.StatusCode > 299) && !s.Options.CacheErrorResponses {
		return nil
	}

	now := time.Now().UTC()
	row := models.IdempotencyKey{
		IdempotentKey: key,
		Endpoint:      req.Endpoint,
		Method:        strings.ToUpper(strings.TrimSpace(req.Method)),
		CompositeKey:  composite,
		StatusCode:    resp.StatusCode,
		Body:          resp.Body,
		ContentType:   resp.ContentType,
		ExpiresAt:     now.Add(s.Options.Expiration),
	}
	if err := s.DB.WithContext(ctx).Create(&row).Error; err != nil {
		if !isDuplicateKeyErr(err) {
			return err
		}
		// Another caller inserted first; its payload is the canonical one.
		if s.Logger != nil {
			s.Logger.WithFields(logrus.Fields{
				"module":        "IdempotencyStore",
				"composite_key": composite,
			}).Info("lost idempotency insert race; treating as stored")
		}
		return nil
	}
	s.cachePut(ctx, composite, row.CachedResponse())
	return nil
}

// DeleteExpired removes up to batchSize rows whose expiry has passed.
// Housekeeping only; the read path already treats expired rows as absent.
func (s *IdempotencyStore) DeleteExpired(ctx context.Context, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	// Two-step delete: DELETE..LIMIT is not portable across drivers.
	var rows []models.IdempotencyKey
	if err := s.DB.WithContext(ctx).
		Select("id", "composite_key").
		Where("expires_at <= ?", time.Now().UTC()).
		Order("id ASC").
		Limit(batchSize).
		Find(&rows).Error; err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	ids := make([]int, 0, len(rows))
	cacheKeys := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
		cacheKeys = append(cacheKeys, redisKeyForComposite(row.CompositeKey))
	}
	res := s.DB.WithContext(ctx).Where("id IN ?", ids).Delete(&models.IdempotencyKey{})
	if res.Error != nil {
		return res.RowsAffected, res.Error
	}
	// Best-effort cache eviction; cache entries carry their own TTL anyway.
	_ = config.RemoveRedisKey(ctx, cacheKeys...)
	return res.RowsAffected, nil
}

func isDuplicateKeyErr(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

func redisKeyForComposite(composite string) string {
	return "idem:resp:" + composite
}

func (s *IdempotencyStore) cacheGet(ctx context.Context, composite string) *models.CachedResponse {
	var resp models.CachedResponse
	found, err := config.GetRedisObject(ctx, redisKeyForComposite(composite), &resp)
	if err != nil || !found {
		// Cache miss or Redis trouble: fall through to the DB either way.
		return nil
	}
	return &resp
}

func (s *IdempotencyStore) cachePut(ctx context.Context, composite string, resp *models.CachedResponse) {
	if resp == nil {
		return
	}
	ttl := time.Until(resp.ExpiresAt)
	if ttl <= 0 {
		return
	}
	// Best effort; the DB stays the source of truth.
	_ = config.SetRedisObject(ctx, redisKeyForComposite(composite), resp, ttl)
}
