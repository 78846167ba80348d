package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/slawatch/backend/internal/db"
	"github.com/slawatch/backend/internal/metrics"
)

type ResolveRequest struct {
	Reason string `json:"reason" validate:"max=200"`
}

// @Summary List tracked items
// @Tags items
// @Produce json
// @Param status query string false "open or resolved"
// @Param policy query string false "Policy key"
// @Param kind query string false "Item kind"
// @Param limit query int false "Page size"
// @Param offset query int false "Offset"
// @Success 200 {object} map[string]any
// @Router /api/items [get]
func (h *Handler) ItemsList(c *gin.Context) {
	status := strings.ToLower(strings.TrimSpace(c.Query("status")))
	if status != "" && status != "open" && status != "resolved" {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "status must be open or resolved", status)
		return
	}
	limit, offset := paging(c)
	items, err := h.Store.ListItems(c.Request.Context(), db.ItemFilter{
		Status:    status,
		PolicyKey: strings.TrimSpace(c.Query("policy")),
		Kind:      strings.TrimSpace(c.Query("kind")),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to list items", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "limit": limit, "offset": offset})
}

// @Summary Tracked item with its audit trail
// @Tags items
// @Produce json
// @Param kind path string true "Item kind"
// @Param id path string true "Item ID"
// @Success 200 {object} models.TrackedItem
// @Failure 404 {object} map[string]any
// @Router /api/items/{kind}/{id} [get]
func (h *Handler) ItemDetails(c *gin.Context) {
	item, err := h.Store.Get(c.Request.Context(), itemKey(c))
	if err != nil {
		h.storeError(c, err, "Failed to get item")
		return
	}
	c.JSON(http.StatusOK, item)
}

// @Summary Escalation history of an item
// @Tags items
// @Produce json
// @Param kind path string true "Item kind"
// @Param id path string true "Item ID"
// @Success 200 {object} map[string]any
// @Router /api/items/{kind}/{id}/history [get]
func (h *Handler) ItemHistory(c *gin.Context) {
	item, err := h.Store.Get(c.Request.Context(), itemKey(c))
	if err != nil {
		h.storeError(c, err, "Failed to get item")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"item_kind":      item.Kind,
		"item_id":        item.ID,
		"current_level":  item.CurrentLevel,
		"actions":        item.ActionsTaken,
		"failures":       item.Failures,
		"notify_failing": item.NotifyFailing,
		"resolved_at":    item.ResolvedAt,
	})
}

// @Summary Resolve an item by hand
// @Tags items
// @Accept json
// @Produce json
// @Param kind path string true "Item kind"
// @Param id path string true "Item ID"
// @Success 200 {object} models.TrackedItem
// @Failure 409 {object} map[string]any
// @Router /api/items/{kind}/{id}/resolve [post]
func (h *Handler) ResolveItem(c *gin.Context) {
	var req ResolveRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid payload", err.Error())
			return
		}
	}
	if err := h.Validator.Struct(req); err != nil {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", err.Error())
		return
	}
	reason := "manual"
	if r := strings.TrimSpace(req.Reason); r != "" {
		reason = "manual: " + r
	}

	key := itemKey(c)
	ctx := c.Request.Context()
	closed, err := h.Store.ResolveItem(ctx, key, h.now(), reason)
	if err != nil {
		h.storeError(c, err, "Failed to resolve item")
		return
	}
	if !closed {
		writeError(c, http.StatusConflict, "ALREADY_RESOLVED", "Item is already resolved", nil)
		return
	}
	metrics.ItemsResolved.WithLabelValues("manual").Inc()
	h.Logger.Info().Str("item", key.String()).Str("reason", reason).Msg("item resolved by operator")

	item, err := h.Store.Get(ctx, key)
	if err != nil {
		h.storeError(c, err, "Failed to get item")
		return
	}
	c.JSON(http.StatusOK, item)
}

// @Summary Clear a notification failure and re-evaluate the item
// @Tags items
// @Produce json
// @Param kind path string true "Item kind"
// @Param id path string true "Item ID"
// @Success 200 {object} map[string]any
// @Router /api/items/{kind}/{id}/retry [post]
func (h *Handler) RetryItem(c *gin.Context) {
	key := itemKey(c)
	ctx := c.Request.Context()
	if err := h.Store.ResetFailures(ctx, key, h.now()); err != nil {
		h.storeError(c, err, "Failed to reset failures")
		return
	}
	h.Logger.Info().Str("item", key.String()).Msg("notification failures reset")

	outcome, evalErr := h.Escalation.EvaluateItem(ctx, key)
	item, err := h.Store.Get(ctx, key)
	if err != nil {
		h.storeError(c, err, "Failed to get item")
		return
	}
	resp := gin.H{"item": item, "outcome": outcome}
	if evalErr != nil {
		h.Logger.Warn().Err(evalErr).Str("item", key.String()).Msg("retry evaluation incomplete")
		resp["error"] = evalErr.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) storeError(c *gin.Context, err error, message string) {
	if errors.Is(err, db.ErrNotFound) {
		writeError(c, http.StatusNotFound, "NOT_FOUND", "Item not found", nil)
		return
	}
	writeError(c, http.StatusInternalServerError, "DB_ERROR", message, err.Error())
}
