// Package sources turns tracker and chat activity into RawEvents. Each
// integration can be polled and can normalize its own webhook deliveries.
package sources

import (
	"context"
	"crypto/hmac"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/slawatch/backend/internal/models"
)

var (
	ErrUnauthorized = errors.New("webhook signature rejected")
	ErrBadPayload   = errors.New("webhook payload malformed")
)

// Source is a pull-based integration.
type Source interface {
	Name() models.Source
	PollSince(ctx context.Context, since time.Time) ([]models.RawEvent, error)
}

// WebhookNormalizer verifies and decodes push deliveries. A delivery that
// carries nothing trackable yields an empty slice and no error.
type WebhookNormalizer interface {
	Name() models.Source
	Normalize(header http.Header, body []byte) ([]models.RawEvent, error)
}

// ChallengeError is returned for handshake deliveries that must be echoed back.
type ChallengeError struct {
	Challenge string
}

func (e *ChallengeError) Error() string { return "webhook challenge" }

func equalSecret(got, want string) bool {
	return hmac.Equal([]byte(got), []byte(want))
}

func unixID(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

// parseLooseTime accepts the timestamp shapes trackers put in webhook bodies.
func parseLooseTime(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05 MST", "2006-01-02 15:04:05 -0700", jiraTimeLayout} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func nowUTC(now func() time.Time) time.Time {
	if now == nil {
		return time.Now().UTC()
	}
	return now().UTC()
}
