package notify

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/slawatch/backend/internal/models"
	"github.com/slawatch/backend/internal/utils"
)

// LogNotifier writes the escalation to the log. Used when no channel is configured.
type LogNotifier struct {
	Logger zerolog.Logger
}

func (l LogNotifier) Notify(ctx context.Context, item models.TrackedItem, level int, templateKey string) (string, error) {
	ref := fmt.Sprintf("log-%016x", utils.HashStringToUint64(fmt.Sprintf("%s|%d|%s", item.Key(), level, templateKey)))
	l.Logger.Warn().
		Str("item", item.Key().String()).
		Str("policy", item.PolicyKey).
		Int("level", level).
		Str("template", templateKey).
		Str("title", item.Title).
		Str("ref", ref).
		Msg("sla escalation")
	return ref, nil
}
