package middlewares

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/savekit/models"
	"github.com/mmdatafocus/savekit/workflow"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "savekit_test.db") + "?_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Discard,
	})
	if err != nil {
		t.Fatal(err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatal(err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(&models.IdempotencyKey{}); err != nil {
		t.Fatal(err)
	}
	return db
}

func newTestStore(t *testing.T, mutate func(*workflow.IdempotencyOptions)) *workflow.IdempotencyStore {
	t.Helper()
	opts := workflow.DefaultIdempotencyOptions()
	if mutate != nil {
		mutate(&opts)
	}
	store, err := workflow.NewIdempotencyStore(openTestDB(t), nil, opts)
	if err != nil {
		t.Fatal(err)
	}
	return store
}

// newTestRouter wires one POST route behind the middleware. handlerCalls
// counts real handler executions, as opposed to replays from the store.
func newTestRouter(store *workflow.IdempotencyStore, locker workflow.ExecutionLocker, handlerCalls *atomic.Int64, handlerDelay time.Duration) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/invoices", IdempotencyMiddleware(store, locker), func(c *gin.Context) {
		handlerCalls.Add(1)
		if handlerDelay > 0 {
			time.Sleep(handlerDelay)
		}
		c.JSON(http.StatusCreated, gin.H{"id": "inv-1"})
	})
	return r
}

func postInvoices(r *gin.Engine, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/invoices", nil)
	if key != "" {
		req.Header.Set(IdempotencyKeyHeader, key)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestIdempotencyMiddleware_NoHeaderPassesThrough(t *testing.T) {
	store := newTestStore(t, nil)
	var calls atomic.Int64
	r := newTestRouter(store, nil, &calls, 0)

	w1 := postInvoices(r, "")
	w2 := postInvoices(r, "")
	if w1.Code != http.StatusCreated || w2.Code != http.StatusCreated {
		t.Fatalf("expected 201/201, got %d/%d", w1.Code, w2.Code)
	}
	if calls.Load() != 2 {
		t.Fatalf("unkeyed requests must not be deduplicated, handler ran %d times", calls.Load())
	}

	var count int64
	if err := store.DB.Model(&models.IdempotencyKey{}).Count(&count).Error; err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("unkeyed requests must not be stored, found %d rows", count)
	}
}

func TestIdempotencyMiddleware_ReplaysCachedResponse(t *testing.T) {
	store := newTestStore(t, func(o *workflow.IdempotencyOptions) {
		o.ConflictHandling = workflow.ConflictReturnCachedResult
	})
	var calls atomic.Int64
	r := newTestRouter(store, nil, &calls, 0)

	w1 := postInvoices(r, "order-42")
	if w1.Code != http.StatusCreated {
		t.Fatalf("first call: expected 201, got %d", w1.Code)
	}

	w2 := postInvoices(r, "order-42")
	if w2.Code != http.StatusCreated {
		t.Fatalf("replay: expected cached 201, got %d", w2.Code)
	}
	if w2.Body.String() != w1.Body.String() {
		t.Fatalf("replay body differs: %q vs %q", w2.Body.String(), w1.Body.String())
	}
	if calls.Load() != 1 {
		t.Fatalf("handler must run exactly once, ran %d times", calls.Load())
	}

	// Key equivalence survives case and whitespace differences.
	w3 := postInvoices(r, " ORDER-42 ")
	if w3.Code != http.StatusCreated || calls.Load() != 1 {
		t.Fatalf("equivalent key must replay, got %d with %d handler runs", w3.Code, calls.Load())
	}
}

func TestIdempotencyMiddleware_ConflictResponse(t *testing.T) {
	store := newTestStore(t, func(o *workflow.IdempotencyOptions) {
		o.ConflictHandling = workflow.ConflictResponse
	})
	var calls atomic.Int64
	r := newTestRouter(store, nil, &calls, 0)

	if w := postInvoices(r, "order-42"); w.Code != http.StatusCreated {
		t.Fatalf("first call: expected 201, got %d", w.Code)
	}
	if w := postInvoices(r, "order-42"); w.Code != http.StatusConflict {
		t.Fatalf("repeat call: expected 409, got %d", w.Code)
	}
	if calls.Load() != 1 {
		t.Fatalf("handler must run exactly once, ran %d times", calls.Load())
	}
}

func TestIdempotencyMiddleware_InvalidKeyRejectedBeforeHandler(t *testing.T) {
	store := newTestStore(t, nil)
	var calls atomic.Int64
	r := newTestRouter(store, nil, &calls, 0)

	w := postInvoices(r, "///")
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", w.Code)
	}
	if calls.Load() != 0 {
		t.Fatal("handler must not run for a malformed key")
	}
}

func TestIdempotencyMiddleware_DifferentKeysAreIndependent(t *testing.T) {
	store := newTestStore(t, nil)
	var calls atomic.Int64
	r := newTestRouter(store, nil, &calls, 0)

	if w := postInvoices(r, "order-1"); w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}
	if w := postInvoices(r, "order-2"); w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}
	if calls.Load() != 2 {
		t.Fatalf("distinct keys must both execute, handler ran %d times", calls.Load())
	}
}

func TestIdempotencyMiddleware_ConcurrentDuplicatesSingleExecution(t *testing.T) {
	store := newTestStore(t, func(o *workflow.IdempotencyOptions) {
		o.ConflictHandling = workflow.ConflictResponse
	})
	var calls atomic.Int64
	locker := &workflow.LocalExecutionLocker{}
	r := newTestRouter(store, locker, &calls, 50*time.Millisecond)

	const n = 5
	codes := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			codes[i] = postInvoices(r, "order-42").Code
		}(i)
	}
	wg.Wait()

	var created, conflicted int
	for _, code := range codes {
		switch code {
		case http.StatusCreated:
			created++
		case http.StatusConflict:
			conflicted++
		default:
			t.Fatalf("unexpected status %d", code)
		}
	}
	if created != 1 || conflicted != n-1 {
		t.Fatalf("expected 1x201 and %dx409, got %dx201 and %dx409", n-1, created, conflicted)
	}
	if calls.Load() != 1 {
		t.Fatalf("handler must run exactly once, ran %d times", calls.Load())
	}

	var count int64
	if err := store.DB.Model(&models.IdempotencyKey{}).Count(&count).Error; err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected exactly 1 persisted key, got %d", count)
	}
}
