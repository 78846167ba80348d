package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/slawatch/backend/internal/models"
	"github.com/slawatch/backend/internal/service"
)

type EventRequest struct {
	Source      models.Source    `json:"source" validate:"required,oneof=tracker_a tracker_b chat"`
	ExternalID  string           `json:"external_id" validate:"required,max=512"`
	SubjectKind string           `json:"subject_kind" validate:"required,max=64"`
	SubjectID   string           `json:"subject_id" validate:"required,max=256"`
	ObservedAt  time.Time        `json:"observed_at"`
	Kind        models.EventKind `json:"kind" validate:"required"`
	Title       string           `json:"title" validate:"max=500"`
	URL         string           `json:"url" validate:"omitempty,url"`
}

type SubmitEventsRequest struct {
	Events []EventRequest `json:"events" validate:"required,min=1,max=500,dive"`
}

// @Summary Submit raw events
// @Description Folds events through the same dedup path as webhooks and pollers.
// @Tags events
// @Accept json
// @Produce json
// @Success 200 {object} service.IngestStats
// @Failure 400 {object} map[string]any
// @Router /api/events [post]
func (h *Handler) SubmitEvents(c *gin.Context) {
	var req SubmitEventsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid payload", err.Error())
		return
	}
	if err := h.Validator.Struct(req); err != nil {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", err.Error())
		return
	}

	events := make([]models.RawEvent, 0, len(req.Events))
	for _, e := range req.Events {
		events = append(events, models.RawEvent{
			Source:      e.Source,
			ExternalID:  e.ExternalID,
			SubjectKind: e.SubjectKind,
			SubjectID:   e.SubjectID,
			ObservedAt:  e.ObservedAt,
			Kind:        e.Kind,
			Title:       e.Title,
			URL:         e.URL,
		})
	}
	stats, err := h.Ingest.Submit(c.Request.Context(), events)
	if err != nil {
		if errors.Is(err, service.ErrIngestStopped) {
			writeError(c, http.StatusServiceUnavailable, "INGEST_STOPPED", "Ingestion is shutting down", nil)
			return
		}
		writeError(c, http.StatusInternalServerError, "INGEST_ERROR", "Failed to ingest events", err.Error())
		return
	}
	c.JSON(http.StatusOK, stats)
}

// @Summary Run an escalation tick now
// @Tags escalation
// @Produce json
// @Success 200 {object} service.TickSummary
// @Router /api/escalation/run [post]
func (h *Handler) RunEscalation(c *gin.Context) {
	summary, err := h.Escalation.Tick(c.Request.Context(), true)
	if err != nil {
		h.Logger.Error().Err(err).Str("run_id", summary.RunID).Msg("manual escalation tick failed")
		writeError(c, http.StatusInternalServerError, "ESCALATION_ERROR", "Escalation tick failed", err.Error())
		return
	}
	c.JSON(http.StatusOK, summary)
}

// @Summary Write today's snapshot
// @Tags snapshots
// @Produce json
// @Success 200 {object} map[string]any
// @Router /api/snapshots/run [post]
func (h *Handler) RunSnapshot(c *gin.Context) {
	snap, created, err := h.Snapshots.Write(c.Request.Context())
	if err != nil {
		writeError(c, http.StatusInternalServerError, "SNAPSHOT_ERROR", "Snapshot failed", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"created": created, "snapshot": snap})
}

// @Summary List daily snapshots
// @Tags snapshots
// @Produce json
// @Param from query string false "YYYY-MM-DD"
// @Param to query string false "YYYY-MM-DD"
// @Success 200 {object} map[string]any
// @Router /api/snapshots [get]
func (h *Handler) SnapshotsList(c *gin.Context) {
	from := strings.TrimSpace(c.Query("from"))
	to := strings.TrimSpace(c.Query("to"))
	for _, d := range []string{from, to} {
		if d == "" {
			continue
		}
		if _, err := time.Parse("2006-01-02", d); err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Dates must be YYYY-MM-DD", d)
			return
		}
	}
	items, err := h.Store.ListSnapshots(c.Request.Context(), from, to)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to list snapshots", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}
