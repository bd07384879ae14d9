package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/monitor"
	"github.com/JakeFAU/pagewatch/internal/progress/sinks"
)

const targetTimeout = 3 * time.Second

// TargetReader is the read side of the result store the target routes need.
type TargetReader interface {
	Targets(ctx context.Context) ([]monitor.Target, error)
	TargetStats(ctx context.Context, targetID string) (sinks.TargetStatsDelta, error)
}

// TargetHandler exposes read-only target and rollup endpoints.
type TargetHandler struct {
	repo    TargetReader
	timeout time.Duration
	logger  *zap.Logger
}

// NewTargetHandler wires the repository and logger.
func NewTargetHandler(repo TargetReader, logger *zap.Logger) *TargetHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TargetHandler{repo: repo, timeout: targetTimeout, logger: logger}
}

// ListTargets handles GET /v1/targets. It returns {"targets": [...]} on
// success, 503 when no repository is wired, or 500 if the store fails.
func (h *TargetHandler) ListTargets(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "target repository unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	targets, err := h.repo.Targets(ctx)
	if err != nil {
		h.logger.Error("list targets failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list targets")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"targets": targets})
}

// GetTargetStats handles GET /v1/targets/{target_id}/stats. Targets that have
// not finished a task yet answer 404.
func (h *TargetHandler) GetTargetStats(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "target repository unavailable")
		return
	}
	targetID := chi.URLParam(r, "target_id")
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	stats, err := h.repo.TargetStats(ctx, targetID)
	if err != nil {
		if errors.Is(err, monitor.ErrTargetNotFound) {
			writeError(w, http.StatusNotFound, "no stats for target")
			return
		}
		h.logger.Error("get target stats failed", zap.String("target_id", targetID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load target stats")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": toStatsDTO(stats)})
}

type statsDTO struct {
	TargetID   string    `json:"target_id"`
	Runs       int64     `json:"runs"`
	Failures   int64     `json:"failures"`
	Blank      int64     `json:"blank"`
	BytesTotal int64     `json:"bytes_total"`
	LastStatus string    `json:"last_status"`
	LastUpdate time.Time `json:"last_update"`
}

func toStatsDTO(s sinks.TargetStatsDelta) statsDTO {
	return statsDTO{
		TargetID:   s.TargetID,
		Runs:       s.Runs,
		Failures:   s.Failures,
		Blank:      s.Blank,
		BytesTotal: s.Bytes,
		LastStatus: string(s.LastStatus),
		LastUpdate: s.At,
	}
}
