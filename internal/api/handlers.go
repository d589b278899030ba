package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"analytics-sync-service/internal/logger"
	"analytics-sync-service/internal/store"
	"analytics-sync-service/internal/sync"
)

const defaultJobLimit = 50

// drainResponseSlack is kept between the end of a drain and the write
// deadline so the summary can still be sent.
const drainResponseSlack = 10 * time.Second

// JobView is the admin representation of a queue item.
type JobView struct {
	ID             string          `json:"id"`
	ConnectionID   string          `json:"connection_id"`
	ConfigID       string          `json:"config_id"`
	GroupID        string          `json:"group_id"`
	StartDate      string          `json:"start_date"`
	EndDate        string          `json:"end_date"`
	SyncType       store.SyncType  `json:"sync_type"`
	TotalDays      int             `json:"total_days"`
	ProcessedDays  int             `json:"processed_days"`
	TotalRecords   int64           `json:"total_records"`
	SkippedRecords int64           `json:"skipped_records"`
	Status         store.JobStatus `json:"status"`
	LastError      string          `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

func NewJobView(j *store.QueueItem) JobView {
	v := JobView{
		ID:             j.ID,
		ConnectionID:   j.ConnectionID,
		ConfigID:       j.ConfigID,
		GroupID:        j.GroupID,
		StartDate:      j.StartDate.Format(store.DateLayout),
		EndDate:        j.EndDate.Format(store.DateLayout),
		SyncType:       j.SyncType,
		TotalDays:      j.TotalDays,
		ProcessedDays:  j.ProcessedDays,
		TotalRecords:   j.TotalRecords,
		SkippedRecords: j.SkippedRecords,
		Status:         j.Status,
		LastError:      j.LastError.String,
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
	}
	if j.StartedAt.Valid {
		v.StartedAt = &j.StartedAt.Time
	}
	if j.CompletedAt.Valid {
		v.CompletedAt = &j.CompletedAt.Time
	}
	return v
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"drain":         h.syncManager.GetStatus(),
		"cached_tokens": h.syncManager.CachedTokens(),
	})
}

func (h *Handler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": h.syncManager.GetStatus()})
}

func (h *Handler) RunSchedules(w http.ResponseWriter, r *http.Request) {
	run, err := h.syncManager.RunSchedules(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// ProcessQueue drains the queue. ?budget= overrides the configured budget.
func (h *Handler) ProcessQueue(w http.ResponseWriter, r *http.Request) {
	var budget time.Duration
	if raw := r.URL.Query().Get("budget"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid budget %q", raw))
			return
		}
		if limit, ok := h.maxDrainBudget(); ok && d > limit {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("budget %s exceeds the %s limit", d, limit))
			return
		}
		budget = d
	}

	summary, err := h.syncManager.Drain(r.Context(), budget)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// maxDrainBudget is the longest drain whose summary still fits inside the
// server write timeout. ok is false when no write timeout is set.
func (h *Handler) maxDrainBudget() (time.Duration, bool) {
	wt := h.cfg.GetWriteTimeout()
	if wt <= 0 {
		return 0, false
	}
	if wt <= drainResponseSlack {
		return wt / 2, true
	}
	return wt - drainResponseSlack, true
}

func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	var statuses []store.JobStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			st := store.JobStatus(strings.TrimSpace(s))
			if !st.Active() && !st.Terminal() {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", s))
				return
			}
			statuses = append(statuses, st)
		}
	}

	limit := defaultJobLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", raw))
			return
		}
		limit = n
	}

	jobs, err := h.syncManager.Jobs(r.Context(), statuses, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	views := make([]JobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, NewJobView(j))
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.syncManager.Job(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NewJobView(job))
}

func (h *Handler) ProcessDay(w http.ResponseWriter, r *http.Request) {
	res, err := h.syncManager.ProcessDay(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.syncManager.Cancel(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NewJobView(job))
}

func (h *Handler) RequeueJob(w http.ResponseWriter, r *http.Request) {
	job, created, err := h.syncManager.Requeue(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeEnqueued(w, job, created)
}

type enqueueRequest struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
	SyncType  string `json:"sync_type"`
}

func (h *Handler) EnqueueConfig(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	opts, err := req.options()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, created, err := h.syncManager.Enqueue(r.Context(), chi.URLParam(r, "configID"), opts)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeEnqueued(w, job, created)
}

func (req enqueueRequest) options() (sync.EnqueueOptions, error) {
	var opts sync.EnqueueOptions
	var err error
	if req.StartDate != "" {
		if opts.Start, err = time.Parse(store.DateLayout, req.StartDate); err != nil {
			return opts, fmt.Errorf("invalid start_date %q", req.StartDate)
		}
	}
	if req.EndDate != "" {
		if opts.End, err = time.Parse(store.DateLayout, req.EndDate); err != nil {
			return opts, fmt.Errorf("invalid end_date %q", req.EndDate)
		}
	}
	switch st := store.SyncType(req.SyncType); st {
	case "", store.SyncFull, store.SyncIncremental:
		opts.SyncType = st
	default:
		return opts, fmt.Errorf("invalid sync_type %q", req.SyncType)
	}
	return opts, nil
}

func (h *Handler) ConfigStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.syncManager.Stats(r.Context(), chi.URLParam(r, "configID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeEnqueued(w http.ResponseWriter, job *store.QueueItem, created bool) {
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{
		"created": created,
		"job":     NewJobView(job),
	})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Log.Error("Request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, sync.ErrJobNotFound), errors.Is(err, sync.ErrConfigNotFound):
		return http.StatusNotFound
	case errors.Is(err, sync.ErrDrainInProgress),
		errors.Is(err, sync.ErrJobNotCancellable),
		errors.Is(err, sync.ErrJobNotTerminal):
		return http.StatusConflict
	case errors.Is(err, sync.ErrInvalidConfig):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Warn("Encoding response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
