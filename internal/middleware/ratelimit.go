package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"
	"github.com/ilkin0/resumable/internal/config"
	"github.com/ilkin0/resumable/internal/logger"
)

// RateLimits builds the per-route limiters of the upload API. Each limiter
// keys on the client IP and keeps its own counters.
type RateLimits struct {
	cfg config.RateLimitConfig
}

func NewRateLimits(cfg config.RateLimitConfig) RateLimits {
	if cfg.TimeWindow <= 0 {
		cfg.TimeWindow = time.Minute
	}
	return RateLimits{cfg: cfg}
}

func (l RateLimits) Init() func(http.Handler) http.Handler {
	return l.createLimiter(l.cfg.InitLimit)
}

func (l RateLimits) Chunk() func(http.Handler) http.Handler {
	return l.createLimiter(l.cfg.ChunkLimit)
}

func (l RateLimits) Complete() func(http.Handler) http.Handler {
	return l.createLimiter(l.cfg.CompleteLimit)
}

func (l RateLimits) Status() func(http.Handler) http.Handler {
	return l.createLimiter(l.cfg.StatusLimit)
}

// createLimiter returns a pass-through middleware for non-positive limits.
func (l RateLimits) createLimiter(limit int) func(http.Handler) http.Handler {
	if limit <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(
		limit,
		l.cfg.TimeWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(rateLimitExceededHandler(l.cfg.TimeWindow)),
	)
}

func rateLimitExceededHandler(retryAfter time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := logger.FromContext(r.Context())
		log.Warn("rate limit exceeded",
			slog.String("ip", r.RemoteAddr),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("user_agent", r.UserAgent()),
		)

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"success":false,"message":"Rate limit exceeded. Please try again later."}`))
	}
}
