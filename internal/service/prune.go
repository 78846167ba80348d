package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/slawatch/backend/internal/db"
	"github.com/slawatch/backend/internal/metrics"
)

// DedupPruner drops dedup records older than Retention.
type DedupPruner struct {
	Store     db.DedupStore
	Retention time.Duration
	Interval  time.Duration
	Logger    zerolog.Logger
	Now       func() time.Time
}

func (p *DedupPruner) Run(ctx context.Context) {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := p.PruneOnce(ctx); err != nil && ctx.Err() == nil {
			p.Logger.Error().Err(err).Msg("dedup prune failed")
		}
	}
}

func (p *DedupPruner) PruneOnce(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	if p.Now != nil {
		now = p.Now().UTC()
	}
	n, err := p.Store.PruneDedup(ctx, now.Add(-p.Retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.DedupPruned.Add(float64(n))
		p.Logger.Info().Int64("removed", n).Dur("retention", p.Retention).Msg("dedup records pruned")
	}
	return n, nil
}
