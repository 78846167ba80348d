package service

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/slawatch/backend/internal/calendar"
	"github.com/slawatch/backend/internal/db"
	"github.com/slawatch/backend/internal/metrics"
	"github.com/slawatch/backend/internal/models"
	"github.com/slawatch/backend/internal/policy"
)

const (
	RunStatusRunning   = "RUNNING"
	RunStatusCompleted = "COMPLETED"
	RunStatusFailed    = "FAILED"
)

type EscalationStore interface {
	db.ItemStore
	db.RunStore
}

type EscalationService struct {
	Store             EscalationStore
	Policies          *policy.Set
	Calendar          calendar.BusinessConfig
	Dispatcher        *Dispatcher
	Logger            zerolog.Logger
	Concurrency       int
	BusinessHoursOnly bool
	Now               func() time.Time
}

// ItemOutcome is what one evaluation did to an item.
type ItemOutcome struct {
	FromLevel int    `json:"from_level"`
	ToLevel   int    `json:"to_level"`
	Fired     int    `json:"actions_fired"`
	Resolved  string `json:"resolved,omitempty"`
}

type TickSummary struct {
	RunID      string         `json:"run_id,omitempty"`
	Skipped    bool           `json:"skipped,omitempty"`
	Evaluated  int            `json:"evaluated"`
	Escalated  int            `json:"escalated"`
	Fired      int            `json:"actions_fired"`
	Resolved   int            `json:"resolved"`
	Failures   int            `json:"failures"`
	Failing    int            `json:"notify_failing"`
	ByLevel    map[string]int `json:"by_level"`
	DurationMs int64          `json:"duration_ms"`
}

// Run ticks every interval until ctx is cancelled.
func (s *EscalationService) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.Tick(ctx, false); err != nil && ctx.Err() == nil {
			s.Logger.Error().Err(err).Msg("escalation tick failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick evaluates every open item once. force ignores the business-hours-only gate.
func (s *EscalationService) Tick(ctx context.Context, force bool) (TickSummary, error) {
	start := time.Now()
	now := s.now()
	if s.BusinessHoursOnly && !force && !s.Calendar.IsWorkingTime(now) {
		s.Logger.Debug().Time("now", now).Msg("outside business hours, escalation tick skipped")
		return TickSummary{Skipped: true}, nil
	}

	runID, err := s.Store.CreateRun(ctx, db.RunKindEscalation, RunStatusRunning)
	if err != nil {
		return TickSummary{}, err
	}
	summary, tickErr := s.evaluateAll(ctx)
	summary.RunID = runID
	summary.DurationMs = time.Since(start).Milliseconds()
	metrics.TickDuration.Observe(time.Since(start).Seconds())

	status := RunStatusCompleted
	if tickErr != nil {
		status = RunStatusFailed
	}
	payload, _ := json.Marshal(summary)
	// The run row is closed even when the tick was interrupted by shutdown.
	if err := s.Store.FinishRun(context.WithoutCancel(ctx), runID, status, payload); err != nil {
		s.Logger.Error().Err(err).Str("run_id", runID).Msg("finish run failed")
	}

	s.Logger.Info().
		Str("run_id", runID).
		Int("evaluated", summary.Evaluated).
		Int("escalated", summary.Escalated).
		Int("fired", summary.Fired).
		Int("resolved", summary.Resolved).
		Int("failures", summary.Failures).
		Int64("elapsed_ms", summary.DurationMs).
		Msg("escalation tick complete")
	return summary, tickErr
}

func (s *EscalationService) evaluateAll(ctx context.Context) (TickSummary, error) {
	summary := TickSummary{ByLevel: map[string]int{}}
	items, err := s.Store.ListOpen(ctx)
	if err != nil {
		return summary, err
	}
	metrics.OpenItems.Set(float64(len(items)))

	limit := s.Concurrency
	if limit <= 0 {
		limit = 1
	}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, it := range items {
		key := it.Key()
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			out, err := s.EvaluateItem(gctx, key)

			mu.Lock()
			defer mu.Unlock()
			summary.Evaluated++
			summary.Fired += out.Fired
			if out.ToLevel > out.FromLevel {
				summary.Escalated++
			}
			if out.Resolved != "" {
				summary.Resolved++
			} else {
				summary.ByLevel[levelLabel(out.ToLevel)]++
			}
			var ne *NotifyError
			switch {
			case err == nil:
			case errors.As(err, &ne):
				summary.Failures++
			case errors.Is(err, ErrNotificationFailing):
				summary.Failing++
			case errors.Is(err, db.ErrNotFound):
			default:
				summary.Failures++
				s.Logger.Error().Err(err).Str("item", key.String()).Msg("evaluate item failed")
			}
			// Item failures never abort the tick.
			return nil
		})
	}
	_ = g.Wait()
	return summary, ctx.Err()
}

// EvaluateItem advances one item towards its target level, one locked
// transaction per level. Every step re-reads the row and checks resolution
// first, so a resolved item never receives another action.
func (s *EscalationService) EvaluateItem(ctx context.Context, key models.ItemKey) (ItemOutcome, error) {
	var out ItemOutcome
	first := true
	// Steps run detached so a fire that reached the notifier is also recorded.
	stepCtx := context.WithoutCancel(ctx)
	for {
		done := false
		err := s.Store.WithItemLock(stepCtx, key, func(tx db.ItemTx) error {
			item := tx.Item()
			if first {
				out.FromLevel = item.CurrentLevel
				first = false
			}
			out.ToLevel = item.CurrentLevel
			if !item.Open() {
				done = true
				return nil
			}

			now := s.now()
			pol, ok := s.Policies.Get(item.PolicyKey)
			if !ok {
				s.Logger.Warn().Str("item", key.String()).Str("policy", item.PolicyKey).Msg("unknown policy, using default")
			}
			if due, reason := pol.ResolutionDue(item, now, s.Calendar); due {
				if err := tx.Resolve(stepCtx, now, reason); err != nil {
					return err
				}
				out.Resolved = reason
				done = true
				metrics.ItemsResolved.WithLabelValues(reason).Inc()
				s.Logger.Info().Str("item", key.String()).Str("reason", reason).Int("level", item.CurrentLevel).Msg("item resolved")
				return nil
			}
			if item.NotifyFailing {
				done = true
				return nil
			}

			elapsed := calendar.ElapsedBusinessHours(item.FirstDetectedAt, now, s.Calendar)
			target := pol.TargetLevel(elapsed)
			if target <= item.CurrentLevel {
				done = true
				return nil
			}

			next := item.CurrentLevel + 1
			fired, err := s.Dispatcher.Fire(stepCtx, tx, pol, next)
			out.Fired += fired
			if err != nil {
				done = true
				return err
			}
			if err := tx.SetLevel(stepCtx, next); err != nil {
				return err
			}
			out.ToLevel = next
			s.Logger.Info().
				Str("item", key.String()).
				Str("policy", pol.Key).
				Int("level", next).
				Float64("elapsed_business_hours", elapsed).
				Msg("item escalated")
			return nil
		})
		if err != nil {
			return out, err
		}
		if done {
			return out, nil
		}
		// Shutdown stops the ascent between levels.
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
	}
}

func levelLabel(level int) string {
	return "l" + strconv.Itoa(level)
}

func (s *EscalationService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}
