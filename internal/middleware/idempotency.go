package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-service/internal/telemetry"
)

const (
	IdempotencyHeader = "Idempotency-Key"
	ReplayedHeader    = "Idempotent-Replayed"

	inFlight    = "in-flight"
	inFlightTTL = time.Minute
)

type responseCache interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

type cachedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

// IdempotencyMiddleware replays the stored response of a request that carries
// an already seen Idempotency-Key. Only 2xx responses are stored; a failed
// request releases the key so the client can retry. Requests without the
// header, or without Redis configured, pass through.
func IdempotencyMiddleware(redisClient *redis.Client, ttl time.Duration) gin.HandlerFunc {
	if redisClient == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return idempotency(redisClient, ttl)
}

func idempotency(cache responseCache, ttl time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(IdempotencyHeader)
		if key == "" {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		cacheKey := fmt.Sprintf("idempotency:%s", key)

		acquired, err := cache.SetNX(ctx, cacheKey, inFlight, inFlightTTL).Result()
		if err != nil {
			telemetry.Logger.Warn("Idempotency cache unavailable", zap.Error(err))
			c.Next()
			return
		}

		if !acquired {
			cached, err := cache.Get(ctx, cacheKey).Result()
			switch {
			case errors.Is(err, redis.Nil):
				// the first request failed and released the key in between
			case err != nil:
				telemetry.Logger.Warn("Idempotency cache unavailable", zap.Error(err))
			case cached == inFlight:
				c.AbortWithStatusJSON(http.StatusConflict, gin.H{"success": false, "error": "A request with this Idempotency-Key is already in progress"})
				return
			default:
				var resp cachedResponse
				if err := json.Unmarshal([]byte(cached), &resp); err == nil {
					c.Header(ReplayedHeader, "true")
					c.Data(resp.Status, resp.ContentType, resp.Body)
					c.Abort()
					return
				}
			}
			c.Next()
			return
		}

		// the key is released unless a response gets stored, panics included
		stored := false
		defer func() {
			if !stored {
				cache.Del(context.WithoutCancel(ctx), cacheKey)
			}
		}()

		rec := &recordingWriter{ResponseWriter: c.Writer}
		c.Writer = rec
		c.Next()

		status := rec.Status()
		if status < 200 || status >= 300 {
			return
		}

		payload, err := json.Marshal(cachedResponse{
			Status:      status,
			ContentType: rec.Header().Get("Content-Type"),
			Body:        rec.body.Bytes(),
		})
		if err == nil {
			err = cache.Set(context.WithoutCancel(ctx), cacheKey, payload, ttl).Err()
		}
		if err != nil {
			telemetry.Logger.Warn("Failed to store idempotent response", zap.String("key", key), zap.Error(err))
			return
		}
		stored = true
	}
}

type recordingWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *recordingWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}
