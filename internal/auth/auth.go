// Package auth authenticates gateway requests with bearer API keys. Keys
// live hashed in Postgres and are cached in Redis for five minutes.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/infergate/infergate/internal/gwerr"
)

var ErrKeyNotFound = errors.New("api key not found")

// APIKey is one issued credential. RateLimit is requests per minute for
// the sliding-window limiter; zero means the limiter default applies.
type APIKey struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	KeyHash   string    `json:"key_hash"`
	RateLimit int64     `json:"rate_limit"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis.
func (a *APIKey) MarshalBinary() ([]byte, error) {
	return json.Marshal(a)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis.
func (a *APIKey) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, a)
}

type Store interface {
	GetByKey(ctx context.Context, key string) (*APIKey, error)
	Create(ctx context.Context, apiKey *APIKey) error
	Revoke(ctx context.Context, keyID string) error
}

type Middleware func(next http.Handler) http.Handler

type contextKey string

const (
	userIDKey    contextKey = "user_id"
	apiKeyIDKey  contextKey = "api_key_id"
	requestIDKey contextKey = "request_id"
	rateLimitKey contextKey = "rate_limit"
)

const cacheTTL = 5 * time.Minute

// HashKey returns the hex SHA-256 digest stored and looked up in place of
// the raw key.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// NewMiddleware authenticates Bearer API keys. cache may be nil, in which
// case every request goes to the store.
func NewMiddleware(store Store, cache *redis.Client) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.NewString()
			}
			ctx = context.WithValue(ctx, requestIDKey, requestID)
			w.Header().Set("X-Request-ID", requestID)

			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				unauthorized(w, "Missing or invalid Authorization header")
				return
			}
			key := strings.TrimPrefix(header, "Bearer ")

			cacheKey := "auth:" + HashKey(key)
			if cache != nil {
				var cached APIKey
				err := cache.Get(ctx, cacheKey).Scan(&cached)
				if err == nil {
					next.ServeHTTP(w, r.WithContext(withKey(ctx, &cached)))
					return
				}
				if !errors.Is(err, redis.Nil) {
					log.Warn().Err(err).Msg("Auth cache lookup failed")
				}
			}

			apiKey, err := store.GetByKey(ctx, key)
			if err != nil {
				if errors.Is(err, ErrKeyNotFound) {
					unauthorized(w, "Invalid API key")
					return
				}
				log.Error().Err(err).Str("request_id", requestID).Msg("API key lookup failed")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			if cache != nil {
				if err := cache.Set(ctx, cacheKey, apiKey, cacheTTL).Err(); err != nil {
					log.Warn().Err(err).Msg("Auth cache store failed")
				}
			}

			next.ServeHTTP(w, r.WithContext(withKey(ctx, apiKey)))
		})
	}
}

func withKey(ctx context.Context, key *APIKey) context.Context {
	ctx = context.WithValue(ctx, userIDKey, key.UserID)
	ctx = context.WithValue(ctx, apiKeyIDKey, key.ID)
	ctx = context.WithValue(ctx, rateLimitKey, key.RateLimit)
	return ctx
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    string(gwerr.KindAuthentication),
			"code":    http.StatusUnauthorized,
		},
	})
}

func GetUserID(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey).(string); ok {
		return id
	}
	return ""
}

func GetAPIKeyID(ctx context.Context) string {
	if id, ok := ctx.Value(apiKeyIDKey).(string); ok {
		return id
	}
	return ""
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// GetRateLimit returns the per-key requests-per-minute cap, 0 when unset.
func GetRateLimit(ctx context.Context) int64 {
	if limit, ok := ctx.Value(rateLimitKey).(int64); ok {
		return limit
	}
	return 0
}

// Helpers for testing
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func WithAPIKeyID(ctx context.Context, apiKeyID string) context.Context {
	return context.WithValue(ctx, apiKeyIDKey, apiKeyID)
}
