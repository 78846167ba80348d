package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/slawatch/backend/internal/db"
	"github.com/slawatch/backend/internal/models"
	"github.com/slawatch/backend/internal/service"
	"github.com/slawatch/backend/internal/sources"
)

type Handler struct {
	Store      db.Store
	Ingest     *service.IngestService
	Escalation *service.EscalationService
	Snapshots  *service.SnapshotService
	// Webhooks is keyed by the path segment under /webhooks.
	Webhooks  map[string]sources.WebhookNormalizer
	Validator *validator.Validate
	Logger    zerolog.Logger
	Now       func() time.Time
}

// @Summary Health check
// @Tags health
// @Produce json
// @Success 200 {object} map[string]any
// @Failure 503 {object} map[string]any
// @Router /healthz [get]
func (h *Handler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()
	if err := h.Store.Ping(ctx); err != nil {
		writeError(c, http.StatusServiceUnavailable, "DB_UNAVAILABLE", "Database unavailable", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// @Summary Latest run
// @Tags runs
// @Produce json
// @Param kind query string false "escalation or snapshot"
// @Success 200 {object} models.Run
// @Failure 404 {object} map[string]any
// @Router /api/runs/latest [get]
func (h *Handler) RunsLatest(c *gin.Context) {
	kind := c.DefaultQuery("kind", db.RunKindEscalation)
	if kind != db.RunKindEscalation && kind != db.RunKindSnapshot {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Unknown run kind", kind)
		return
	}
	result, err := h.Store.GetLatestRun(c.Request.Context(), kind)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(c, http.StatusNotFound, "NOT_FOUND", "No runs found", nil)
			return
		}
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to load run", err.Error())
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now().UTC()
	}
	return time.Now().UTC()
}

func itemKey(c *gin.Context) models.ItemKey {
	return models.ItemKey{Kind: c.Param("kind"), ID: c.Param("id")}
}

func paging(c *gin.Context) (int, int) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func writeError(c *gin.Context, status int, code string, message string, details any) {
	c.JSON(status, gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
			"details": details,
		},
	})
}
