package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/metrics"
)

// Pinger reports whether a dependency is reachable
type Pinger interface {
	Health(ctx context.Context) error
}

// RouterConfig holds the pieces of the HTTP surface that are not handlers
type RouterConfig struct {
	Limiter Limiter // guards manual ticks; nil disables limiting
	DB      Pinger  // nil skips the database check in /health
	Logger  *zap.Logger
}

// NewRouter wires the handler into a chi router.
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	logger := cfg.Logger

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/deliveries/failures", h.ListFailures)

		r.With(RateLimitMiddleware(cfg.Limiter, logger, "tick", IPKeyFunc)).
			Post("/ticks", h.RunTick)

		r.Post("/receipts/read", h.MarkRead)
		r.Post("/receipts/progress", h.ReadProgress)

		r.Get("/schedule/preview", h.SchedulePreview)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if cfg.DB != nil {
			if err := cfg.DB.Health(r.Context()); err != nil {
				logger.Warn("health check failed", zap.Error(err))
				writeProblem(w, http.StatusServiceUnavailable, "unhealthy", "Database unavailable", "")
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Handle("/metrics", metrics.Handler())

	return r
}
