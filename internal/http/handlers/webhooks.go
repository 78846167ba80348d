package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/slawatch/backend/internal/service"
	"github.com/slawatch/backend/internal/sources"
)

const maxWebhookBody = 1 << 20

// @Summary Receive a source webhook
// @Description Verifies and normalizes the delivery, then queues it for ingestion.
// @Tags webhooks
// @Accept json
// @Produce json
// @Param source path string true "jira, gitlab or slack"
// @Success 202 {object} map[string]any
// @Failure 401 {object} map[string]any
// @Failure 503 {object} map[string]any
// @Router /webhooks/{source} [post]
func (h *Handler) Webhook(c *gin.Context) {
	name := c.Param("source")
	normalizer, ok := h.Webhooks[name]
	if !ok {
		writeError(c, http.StatusNotFound, "NOT_FOUND", "Unknown webhook source", name)
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Failed to read body", err.Error())
		return
	}
	if len(body) > maxWebhookBody {
		writeError(c, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Webhook body too large", nil)
		return
	}

	events, err := normalizer.Normalize(c.Request.Header, body)
	var challenge *sources.ChallengeError
	switch {
	case errors.As(err, &challenge):
		c.JSON(http.StatusOK, gin.H{"challenge": challenge.Challenge})
		return
	case errors.Is(err, sources.ErrUnauthorized):
		h.Logger.Warn().Str("source", name).Msg("webhook rejected")
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid webhook signature", nil)
		return
	case err != nil:
		writeError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "Malformed webhook payload", err.Error())
		return
	}

	if err := h.Ingest.Enqueue(events); err != nil {
		switch {
		case errors.Is(err, service.ErrQueueFull):
			h.Logger.Warn().Str("source", name).Int("events", len(events)).Msg("ingest queue full, webhook refused")
			c.Header("Retry-After", "5")
			writeError(c, http.StatusServiceUnavailable, "QUEUE_FULL", "Ingest queue is full", nil)
			return
		case errors.Is(err, service.ErrIngestStopped):
			c.Header("Retry-After", "5")
			writeError(c, http.StatusServiceUnavailable, "INGEST_STOPPED", "Ingestion is shutting down", nil)
			return
		}
		writeError(c, http.StatusInternalServerError, "INGEST_ERROR", "Failed to queue events", err.Error())
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": len(events)})
}
