package middlewares

import (
	"bytes"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/savekit/config"
	"github.com/mmdatafocus/savekit/models"
	"github.com/mmdatafocus/savekit/utils"
	"github.com/mmdatafocus/savekit/workflow"
	"github.com/sirupsen/logrus"
)

const IdempotencyKeyHeader = "Idempotency-Key"

// IdempotencyMiddleware guards handlers with the idempotency key store.
// Requests without the header pass through untouched. Malformed keys are
// rejected before the handler runs. An already processed key is answered from
// the store (replay or 409, per ConflictHandling). Otherwise the handler runs
// with its response captured and stored afterwards.
//
// locker is optional: nil relies on the store's unique index alone (dedupes
// storage, not execution); a non-nil locker additionally serializes handler
// execution per composite key, answering concurrent duplicates with 409.
func IdempotencyMiddleware(store *workflow.IdempotencyStore, locker workflow.ExecutionLocker) gin.HandlerFunc {
	return func(c *gin.Context) {
		rawKey := c.GetHeader(IdempotencyKeyHeader)
		if rawKey == "" {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		req := workflow.KeyRequest{
			Key:      rawKey,
			Endpoint: endpointOf(c),
			Method:   c.Request.Method,
		}

		processed, cached, err := store.IsKeyProcessed(ctx, req)
		if err != nil {
			if errors.Is(err, utils.ErrInvalidIdempotencyKey) {
				c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{
					"error": "invalid Idempotency-Key header",
				})
				return
			}
			if !store.Options.FailOpen {
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
					"error": "idempotency store unavailable",
				})
				return
			}
			// Fail open: run the handler without the at-most-once guarantee.
			logStoreError(store.Logger, "IsKeyProcessed", err)
			c.Next()
			return
		}
		if processed {
			respondForProcessedKey(c, store.Options.ConflictHandling, cached)
			return
		}

		if locker != nil {
			_, composite, rerr := store.Resolve(req)
			if rerr != nil {
				c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{
					"error": "invalid Idempotency-Key header",
				})
				return
			}
			release, lerr := locker.Acquire(ctx, composite)
			if lerr != nil {
				if errors.Is(lerr, workflow.ErrExecutionLocked) {
					c.AbortWithStatusJSON(http.StatusConflict, gin.H{
						"error": "request with this idempotency key is in flight",
					})
					return
				}
				if !store.Options.FailOpen {
					c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
						"error": "idempotency lock unavailable",
					})
					return
				}
				logStoreError(store.Logger, "AcquireExecutionLock", lerr)
			} else {
				defer release()
			}
		}

		capture := &bodyCaptureWriter{ResponseWriter: c.Writer}
		c.Writer = capture
		c.Next()

		resp := models.CachedResponse{
			StatusCode:  capture.Status(),
			Body:        capture.body.String(),
			ContentType: capture.Header().Get("Content-Type"),
		}
		if merr := store.MarkKeyProcessed(ctx, req, resp); merr != nil {
			// The handler already ran; storing is best effort from the
			// caller's point of view.
			logStoreError(store.Logger, "MarkKeyProcessed", merr)
		}
	}
}

func respondForProcessedKey(c *gin.Context, policy workflow.ConflictHandling, cached *models.CachedResponse) {
	if policy == workflow.ConflictResponse || cached == nil {
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{
			"error": "request with this idempotency key was already processed",
		})
		return
	}
	contentType := cached.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	c.Header("Content-Type", contentType)
	c.String(cached.StatusCode, cached.Body)
	c.Abort()
}

// endpointOf prefers the route pattern so path params don't explode the key
// space; falls back to the raw path for unrouted handlers.
func endpointOf(c *gin.Context) string {
	if p := c.FullPath(); p != "" {
		return p
	}
	return c.Request.URL.Path
}

func logStoreError(logger *logrus.Logger, funcName string, err error) {
	config.LogError(logger, "IdempotencyMiddleware", funcName, "", nil, err)
}

type bodyCaptureWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *bodyCaptureWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *bodyCaptureWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}
