package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/shepherdsync/backend/internal/apperr"
	"github.com/shepherdsync/backend/internal/middleware"
	"github.com/shepherdsync/backend/internal/models"
	"github.com/shepherdsync/backend/internal/respond"
	"github.com/shepherdsync/backend/internal/worker"
)

// QueueMonitor is the slice of the worker the ops endpoints read.
type QueueMonitor interface {
	GetStats() worker.Stats
	GetQueueStats(ctx context.Context) (*models.JobStats, error)
}

// JobLister reads jobs currently claimed by a processor.
type JobLister interface {
	ListProcessingJobs(ctx context.Context) ([]*models.Job, error)
}

// JobsHandler exposes queue health for platform operators. The queue
// is platform-wide, not tenant scoped, so every endpoint requires the
// super admin role.
type JobsHandler struct {
	monitor QueueMonitor
	store   JobLister
}

func NewJobsHandler(monitor QueueMonitor, store JobLister) *JobsHandler {
	return &JobsHandler{monitor: monitor, store: store}
}

func (h *JobsHandler) RegisterRoutes(router chi.Router) {
	router.Get("/stats", h.Stats)
	router.Get("/processing", h.Processing)
}

func (h *JobsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil || claims.Role != models.RoleSuperAdmin {
		respond.Error(w, apperr.Forbidden("insufficient permissions"))
		return
	}
	queue, err := h.monitor.GetQueueStats(r.Context())
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{
		"queue":  queue,
		"worker": h.monitor.GetStats(),
	})
}

func (h *JobsHandler) Processing(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil || claims.Role != models.RoleSuperAdmin {
		respond.Error(w, apperr.Forbidden("insufficient permissions"))
		return
	}
	jobs, err := h.store.ListProcessingJobs(r.Context())
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}
