package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"analytics-sync-service/internal/config"
	"analytics-sync-service/internal/metrics"
	"analytics-sync-service/internal/store"
	"analytics-sync-service/internal/sync"
)

// SyncService is the part of the sync manager the HTTP surface drives.
type SyncService interface {
	RunSchedules(ctx context.Context) (*sync.ScheduleRun, error)
	Drain(ctx context.Context, budget time.Duration) (*sync.DrainSummary, error)
	ProcessDay(ctx context.Context, jobID string) (sync.DayResult, error)
	Enqueue(ctx context.Context, configID string, opts sync.EnqueueOptions) (*store.QueueItem, bool, error)
	Cancel(ctx context.Context, jobID string) (*store.QueueItem, error)
	Requeue(ctx context.Context, jobID string) (*store.QueueItem, bool, error)
	Job(ctx context.Context, jobID string) (*store.QueueItem, error)
	Jobs(ctx context.Context, statuses []store.JobStatus, limit int) ([]*store.QueueItem, error)
	Stats(ctx context.Context, configID string) (*sync.ConfigStats, error)
	GetStatus() string
	CachedTokens() int
}

type Handler struct {
	syncManager SyncService
	cfg         config.ServerConfig
}

func NewHandler(manager SyncService, cfg config.ServerConfig) *Handler {
	return &Handler{
		syncManager: manager,
		cfg:         cfg,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(CorsMiddleware(h.cfg.CorsOrigins))

	r.Get("/health", h.HealthCheck)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(h.cfg.AuthToken))

		r.Get("/status", h.GetSyncStatus)

		r.Route("/cron", func(r chi.Router) {
			r.Post("/run-schedules", h.RunSchedules)
			r.Post("/process-queue", h.ProcessQueue)
		})

		r.Route("/queue", func(r chi.Router) {
			r.Get("/", h.ListJobs)
			r.Route("/{jobID}", func(r chi.Router) {
				r.Get("/", h.GetJob)
				r.Post("/process-day", h.ProcessDay)
				r.Post("/cancel", h.CancelJob)
				r.Post("/requeue", h.RequeueJob)
			})
		})

		r.Route("/configs/{configID}", func(r chi.Router) {
			r.Post("/enqueue", h.EnqueueConfig)
			r.Get("/stats", h.ConfigStats)
		})
	})

	return r
}
