package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/slawatch/backend/internal/db"
	"github.com/slawatch/backend/internal/id"
	"github.com/slawatch/backend/internal/metrics"
	"github.com/slawatch/backend/internal/models"
	"github.com/slawatch/backend/internal/notify"
	"github.com/slawatch/backend/internal/policy"
)

// ErrNotificationFailing means the item exhausted its notification attempts
// and waits for an operator retry.
var ErrNotificationFailing = errors.New("notification failing")

// NotifyError is a failed notifier call that was recorded as an attempt.
type NotifyError struct {
	Item       models.ItemKey
	Level      int
	ActionKind string
	Attempt    int
	Err        error
}

func (e *NotifyError) Error() string {
	return fmt.Sprintf("notify %s level %d (%s) attempt %d: %v", e.Item, e.Level, e.ActionKind, e.Attempt, e.Err)
}

func (e *NotifyError) Unwrap() error { return e.Err }

// Dispatcher fires the actions a level requires, exactly once per (level, kind).
type Dispatcher struct {
	Notifiers *notify.Registry
	Timeout   time.Duration
	Logger    zerolog.Logger
	Now       func() time.Time
}

// Fire runs the missing actions of level against the locked item and returns
// how many were recorded. Any error it returns keeps the writes already made
// in the transaction, so failed attempts survive the rollback path.
func (d *Dispatcher) Fire(ctx context.Context, tx db.ItemTx, pol policy.Policy, level int) (int, error) {
	fired := 0
	for _, spec := range pol.ActionsFor(level) {
		item := tx.Item()
		if item.HasAction(level, spec.Kind) {
			continue
		}
		attempts := item.FailuresSince(level, spec.Kind)
		if attempts >= pol.MaxAttempts {
			if err := d.flagFailing(ctx, tx, pol, level, spec.Kind, attempts); err != nil {
				return fired, err
			}
			return fired, db.KeepWrites(ErrNotificationFailing)
		}

		ref, err := d.notify(ctx, item, level, spec)
		if err != nil {
			attempt := attempts + 1
			failure := models.ActionFailure{
				ID:         id.New(),
				Level:      level,
				ActionKind: spec.Kind,
				Attempt:    attempt,
				FailedAt:   d.now(),
				Error:      err.Error(),
			}
			if recErr := tx.RecordFailure(ctx, failure); recErr != nil {
				return fired, fmt.Errorf("recording failure: %w", recErr)
			}
			metrics.ActionFailures.WithLabelValues(pol.Key, spec.Kind).Inc()
			d.Logger.Warn().Err(err).
				Str("item", item.Key().String()).
				Int("level", level).
				Str("action_kind", spec.Kind).
				Int("attempt", attempt).
				Msg("notification attempt failed")

			if attempt >= pol.MaxAttempts {
				if err := d.flagFailing(ctx, tx, pol, level, spec.Kind, attempt); err != nil {
					return fired, err
				}
			}
			return fired, db.KeepWrites(&NotifyError{
				Item:       item.Key(),
				Level:      level,
				ActionKind: spec.Kind,
				Attempt:    attempt,
				Err:        err,
			})
		}

		rec := models.ActionRecord{
			ID:          id.New(),
			Level:       level,
			ActionKind:  spec.Kind,
			FiredAt:     d.now(),
			ExternalRef: ref,
		}
		added, err := tx.AppendAction(ctx, rec)
		if err != nil {
			return fired, fmt.Errorf("recording action: %w", err)
		}
		if !added {
			continue
		}
		fired++
		metrics.ActionsFired.WithLabelValues(pol.Key, strconv.Itoa(level), spec.Kind).Inc()
		d.Logger.Info().
			Str("item", item.Key().String()).
			Str("policy", pol.Key).
			Int("level", level).
			Str("action_kind", spec.Kind).
			Str("external_ref", ref).
			Msg("escalation action fired")
	}
	return fired, nil
}

// notify calls the notifier on a context that survives shutdown, bounded by Timeout.
func (d *Dispatcher) notify(ctx context.Context, item models.TrackedItem, level int, spec policy.ActionSpec) (string, error) {
	n, err := d.Notifiers.For(spec.Kind)
	if err != nil {
		return "", err
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	return n.Notify(callCtx, item, level, spec.Template)
}

func (d *Dispatcher) flagFailing(ctx context.Context, tx db.ItemTx, pol policy.Policy, level int, kind string, attempts int) error {
	item := tx.Item()
	if item.NotifyFailing {
		return nil
	}
	if err := tx.SetNotifyFailing(ctx, true); err != nil {
		return fmt.Errorf("flagging notify_failing: %w", err)
	}
	metrics.NotificationFailing.Inc()
	d.Logger.Error().
		Str("item", item.Key().String()).
		Str("policy", pol.Key).
		Int("level", level).
		Str("action_kind", kind).
		Int("attempts", attempts).
		Msg("notification failing")
	return nil
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}
