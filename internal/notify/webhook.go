package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/slawatch/backend/internal/models"
)

// WebhookNotifier POSTs a JSON Message to a URL. A JSON response with an "id"
// field becomes the external reference.
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

type webhookResponse struct {
	ID string `json:"id"`
}

type RateLimitError struct {
	RetryAfter time.Duration
}

func (r RateLimitError) Error() string {
	if r.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", r.RetryAfter)
	}
	return "rate limited"
}

func (w WebhookNotifier) Notify(ctx context.Context, item models.TrackedItem, level int, templateKey string) (string, error) {
	if w.Client == nil {
		w.Client = &http.Client{Timeout: 15 * time.Second}
	}

	deliveryID := uuid.NewString()
	b, err := json.Marshal(NewMessage(item, level, templateKey))
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewBuffer(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Delivery-Id", deliveryID)

	resp, err := w.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		var retry time.Duration
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			retry = time.Duration(secs) * time.Second
		}
		return "", RateLimitError{RetryAfter: retry}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("notify webhook error: %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", err
	}
	var r webhookResponse
	if len(body) > 0 && json.Unmarshal(body, &r) == nil && r.ID != "" {
		return r.ID, nil
	}
	return deliveryID, nil
}
