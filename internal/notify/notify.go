package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/slawatch/backend/internal/models"
)

// Notifier delivers one escalation action and returns a reference to what it sent.
type Notifier interface {
	Notify(ctx context.Context, item models.TrackedItem, level int, templateKey string) (string, error)
}

// Message is the payload handed to external channels.
type Message struct {
	ItemKind        string    `json:"item_kind"`
	ItemID          string    `json:"item_id"`
	Source          string    `json:"source"`
	PolicyKey       string    `json:"policy_key"`
	Level           int       `json:"level"`
	Template        string    `json:"template"`
	Title           string    `json:"title,omitempty"`
	URL             string    `json:"url,omitempty"`
	FirstDetectedAt time.Time `json:"first_detected_at"`
	LastObservedAt  time.Time `json:"last_observed_at"`
}

func NewMessage(item models.TrackedItem, level int, templateKey string) Message {
	return Message{
		ItemKind:        item.Kind,
		ItemID:          item.ID,
		Source:          string(item.Source),
		PolicyKey:       item.PolicyKey,
		Level:           level,
		Template:        templateKey,
		Title:           item.Title,
		URL:             item.URL,
		FirstDetectedAt: item.FirstDetectedAt,
		LastObservedAt:  item.LastObservedAt,
	}
}

// Registry routes action kinds to notifiers. Unknown kinds use Fallback.
type Registry struct {
	byKind   map[string]Notifier
	Fallback Notifier
}

func NewRegistry(fallback Notifier) *Registry {
	return &Registry{byKind: map[string]Notifier{}, Fallback: fallback}
}

func (r *Registry) Register(kind string, n Notifier) {
	r.byKind[kind] = n
}

func (r *Registry) For(kind string) (Notifier, error) {
	if n, ok := r.byKind[kind]; ok {
		return n, nil
	}
	if r.Fallback == nil {
		return nil, fmt.Errorf("no notifier for action kind %q", kind)
	}
	return r.Fallback, nil
}

func (r *Registry) Kinds() []string {
	out := make([]string, 0, len(r.byKind))
	for k := range r.byKind {
		out = append(out, k)
	}
	return out
}
