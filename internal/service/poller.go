package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/slawatch/backend/internal/db"
	"github.com/slawatch/backend/internal/metrics"
	"github.com/slawatch/backend/internal/sources"
	"github.com/slawatch/backend/internal/utils"
)

// Poller periodically pulls one source. Each poll re-reads from the last
// checkpoint minus Overlap; the dedup store absorbs the repeats.
type Poller struct {
	Source      sources.Source
	Checkpoints db.CheckpointStore
	Ingest      *IngestService
	Interval    time.Duration
	Overlap     time.Duration
	// Retention is how long dedup records are kept. A poll never reaches
	// further back than that window, however old the checkpoint is.
	Retention time.Duration
	Timeout   time.Duration
	Logger    zerolog.Logger
	Now       func() time.Time
}

func (p *Poller) Run(ctx context.Context) {
	logger := p.Logger.With().Str("source", string(p.Source.Name())).Logger()
	// Spread the first polls of the sources.
	delay := utils.StableJitter(string(p.Source.Name()), p.Interval)
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
			logger.Warn().Err(err).Msg("poll failed")
		}
		timer.Reset(p.Interval)
	}
}

// PollOnce polls the source and advances the checkpoint only after every
// returned event was folded.
func (p *Poller) PollOnce(ctx context.Context) error {
	name := p.Source.Name()
	started := p.now()

	since, err := p.Checkpoints.GetCheckpoint(ctx, name)
	switch {
	case errors.Is(err, db.ErrNotFound):
		since = started.Add(-p.Interval)
	case err != nil:
		return fmt.Errorf("loading checkpoint: %w", err)
	}
	since = since.Add(-p.Overlap)
	if p.Retention > 0 {
		if floor := started.Add(-p.Retention + p.Overlap); since.Before(floor) {
			p.Logger.Warn().
				Str("source", string(name)).
				Time("checkpoint", since).
				Time("since", floor).
				Msg("checkpoint older than dedup retention, polling from retention window")
			since = floor
		}
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	events, err := p.Source.PollSince(pollCtx, since)
	cancel()
	metrics.PollDuration.WithLabelValues(string(name)).Observe(time.Since(started).Seconds())
	if err != nil {
		metrics.PollErrors.WithLabelValues(string(name)).Inc()
		return err
	}

	stats, err := p.Ingest.Submit(ctx, events)
	if err != nil {
		return fmt.Errorf("submitting %d events: %w", len(events), err)
	}
	if stats.Errors > 0 {
		return fmt.Errorf("%d of %d events failed to ingest", stats.Errors, stats.Received)
	}
	if err := p.Checkpoints.SetCheckpoint(ctx, name, started); err != nil {
		return fmt.Errorf("saving checkpoint: %w", err)
	}

	p.Logger.Debug().
		Str("source", string(name)).
		Time("since", since).
		Int("events", stats.Received).
		Int("created", stats.Created).
		Int("duplicates", stats.Duplicates).
		Msg("poll complete")
	return nil
}

func (p *Poller) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}
