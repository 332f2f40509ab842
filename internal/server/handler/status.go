package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/arxpredict/marketmirror/internal/domain"
	"github.com/arxpredict/marketmirror/internal/scheduler"
	"github.com/arxpredict/marketmirror/internal/source"
)

// QueueInspector exposes queue depth counters for the status endpoint.
type QueueInspector interface {
	Stats(ctx context.Context) (domain.QueueStats, error)
}

// MonitorInspector exposes event monitor health.
type MonitorInspector interface {
	Status() source.Status
}

// SchedulerInspector exposes reveal scheduler health.
type SchedulerInspector interface {
	Status() scheduler.Status
}

// StatusHandler aggregates component health into one endpoint. Any inspector
// may be nil when the component is disabled for the current run mode.
type StatusHandler struct {
	queue     QueueInspector
	monitor   MonitorInspector
	scheduler SchedulerInspector
	logger    *slog.Logger
}

// NewStatusHandler creates a StatusHandler over the given inspectors.
func NewStatusHandler(queue QueueInspector, monitor MonitorInspector, sched SchedulerInspector, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		queue:     queue,
		monitor:   monitor,
		scheduler: sched,
		logger:    logger,
	}
}

// GetStatus reports per-component health.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	if h.monitor != nil {
		resp["monitor"] = h.monitor.Status()
	}
	if h.scheduler != nil {
		resp["scheduler"] = h.scheduler.Status()
	}
	if h.queue != nil {
		stats, err := h.queue.Stats(r.Context())
		if err != nil {
			h.logger.ErrorContext(r.Context(), "handler: queue stats failed",
				slog.String("error", err.Error()),
			)
			resp["queue"] = map[string]string{"error": "unavailable"}
		} else {
			resp["queue"] = stats
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
