package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/llmops/inference-gateway/internal/gateway/metrics"
	"github.com/llmops/inference-gateway/internal/gateway/ratelimit"
	"github.com/llmops/inference-gateway/internal/shared/database"
	"github.com/llmops/inference-gateway/internal/shared/models"
)

type ctxKey int

const apiKeyCtxKey ctxKey = iota

// apiKeyFromContext returns the authenticated key set by AuthMiddleware.
func apiKeyFromContext(ctx context.Context) (*models.APIKey, bool) {
	key, ok := ctx.Value(apiKeyCtxKey).(*models.APIKey)
	return key, ok
}

// bearerToken extracts the bearer token from the Authorization header.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// Middleware carries the gateway's cross-cutting request pipeline:
// auth, then rate limiting, applied in explicit order on the router.
type Middleware struct {
	db          *database.DB
	limiter     *ratelimit.Limiter
	adminAPIKey string
}

// NewMiddleware builds the middleware set.
func NewMiddleware(db *database.DB, limiter *ratelimit.Limiter, adminAPIKey string) *Middleware {
	return &Middleware{db: db, limiter: limiter, adminAPIKey: adminAPIKey}
}

// Auth validates the caller's API key and stores it on the request
// context. Disabled keys are rejected here: key existence alone does
// not grant access to completions.
func (m *Middleware) Auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "Invalid API key.")
			return
		}

		key, err := m.db.GetAPIKeyByToken(r.Context(), token)
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "Invalid API key.")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if !key.Enabled {
			writeError(w, http.StatusUnauthorized, "API key disabled.")
			return
		}

		ctx := context.WithValue(r.Context(), apiKeyCtxKey, key)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AdminAuth gates admin endpoints on the static shared admin secret.
func (m *Middleware) AdminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if bearerToken(r) != m.adminAPIKey {
			writeError(w, http.StatusUnauthorized, "Invalid Admin API key.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimit admits the request through the per-key limiter, or rejects
// with the fixed 429 body carrying the key's configured limit. Without
// an authenticated key on the context the limiter is bypassed; auth is
// enforced separately.
func (m *Middleware) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := apiKeyFromContext(r.Context())
		if !ok {
			log.Warn("rate limit middleware reached without an authenticated API key")
			next.ServeHTTP(w, r)
			return
		}

		allowed, err := m.limiter.Allow(r.Context(), key)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if !allowed {
			metrics.RateLimitRejectionsTotal.Inc()
			writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
				"error":       "rate_limit_exceeded",
				"message":     fmt.Sprintf("Rate limit exceeded: allowed %d requests per minute.", key.AllowedRPM),
				"allowed_rpm": key.AllowedRPM,
			})
			return
		}

		if err := m.limiter.IncrementUsage(r.Context(), key); err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// CORS handles cross-origin requests for the admin console.
func (m *Middleware) CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(status int) {
	sw.status = status
	sw.ResponseWriter.WriteHeader(status)
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Observe logs one line per request and feeds the prometheus counters.
func (m *Middleware) Observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		// The route pattern keeps the label set bounded; raw paths
		// would mint a new series per ID.
		endpoint := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				endpoint = pattern
			}
		}

		duration := time.Since(start)
		status := strconv.Itoa(sw.status)
		metrics.HTTPRequestsTotal.WithLabelValues(endpoint, status, r.Method).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(endpoint, r.Method).Observe(duration.Seconds())

		log.WithFields(log.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   sw.status,
			"duration": duration.String(),
		}).Info("request")
	})
}
