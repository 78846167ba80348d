package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/slawatch/backend/internal/db"
	"github.com/slawatch/backend/internal/metrics"
	"github.com/slawatch/backend/internal/models"
	"github.com/slawatch/backend/internal/policy"
)

var (
	ErrQueueFull     = errors.New("ingest queue full")
	ErrIngestStopped = errors.New("ingest consumer stopped")
)

type IngestStats struct {
	Received   int `json:"received"`
	Created    int `json:"created"`
	Updated    int `json:"updated"`
	Duplicates int `json:"duplicates"`
	Signals    int `json:"resolve_signals"`
	Ignored    int `json:"ignored"`
	Invalid    int `json:"invalid"`
	Errors     int `json:"errors"`
}

func (s *IngestStats) add(r db.IngestResult) {
	switch r {
	case db.IngestCreated:
		s.Created++
	case db.IngestUpdated:
		s.Updated++
	case db.IngestDuplicate:
		s.Duplicates++
	case db.IngestSignalled:
		s.Signals++
	case db.IngestIgnored:
		s.Ignored++
	}
}

type ingestBatch struct {
	events []models.RawEvent
	done   chan IngestStats
}

// IngestService is the single consumer that folds raw events into tracked
// items. Webhooks enqueue without waiting; pollers submit and wait.
type IngestService struct {
	Store    db.IngestStore
	Policies *policy.Set
	Logger   zerolog.Logger
	Now      func() time.Time

	// mu guards sends on queue against the final drain.
	mu       sync.RWMutex
	queue    chan ingestBatch
	stopping chan struct{}
	stopped  chan struct{}
}

func NewIngestService(store db.IngestStore, policies *policy.Set, logger zerolog.Logger, queueSize int) *IngestService {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &IngestService{
		Store:    store,
		Policies: policies,
		Logger:   logger.With().Str("service", "ingest").Logger(),
		queue:    make(chan ingestBatch, queueSize),
		stopping: make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Run consumes batches until ctx is cancelled. Batches already accepted are
// folded before Run returns; after that Enqueue and Submit refuse new work.
func (s *IngestService) Run(ctx context.Context) {
	defer close(s.stopped)
	// An accepted batch is stored even if shutdown starts halfway through it.
	foldCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			s.drain(foldCtx)
			return
		case b := <-s.queue:
			s.fold(foldCtx, b)
		}
	}
}

func (s *IngestService) drain(ctx context.Context) {
	close(s.stopping)
	// Wait out senders that got in before stopping closed.
	s.mu.Lock()
	defer s.mu.Unlock()

	drained := 0
	for {
		select {
		case b := <-s.queue:
			s.fold(ctx, b)
			drained += len(b.events)
		default:
			if drained > 0 {
				s.Logger.Info().Int("events", drained).Msg("drained ingest queue on shutdown")
			}
			return
		}
	}
}

func (s *IngestService) fold(ctx context.Context, b ingestBatch) {
	stats := s.Fold(ctx, b.events)
	if b.done != nil {
		b.done <- stats
	}
}

// Enqueue hands events to the consumer without waiting for them to be stored.
func (s *IngestService) Enqueue(events []models.RawEvent) error {
	if len(events) == 0 {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	select {
	case <-s.stopping:
		return ErrIngestStopped
	default:
	}
	select {
	case s.queue <- ingestBatch{events: events}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Submit blocks until the consumer has folded events.
func (s *IngestService) Submit(ctx context.Context, events []models.RawEvent) (IngestStats, error) {
	if len(events) == 0 {
		return IngestStats{}, nil
	}
	done := make(chan IngestStats, 1)
	if err := s.send(ctx, ingestBatch{events: events, done: done}); err != nil {
		return IngestStats{}, err
	}
	select {
	case stats := <-done:
		return stats, nil
	case <-s.stopped:
		// The drain replies before stopped closes.
		select {
		case stats := <-done:
			return stats, nil
		default:
			return IngestStats{}, ErrIngestStopped
		}
	case <-ctx.Done():
		return IngestStats{}, ctx.Err()
	}
}

func (s *IngestService) send(ctx context.Context, b ingestBatch) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	select {
	case <-s.stopping:
		return ErrIngestStopped
	default:
	}
	select {
	case s.queue <- b:
		return nil
	case <-s.stopping:
		return ErrIngestStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fold runs dedup and upsert for each event in order. Failures are counted,
// logged with the event identity and do not stop the batch.
func (s *IngestService) Fold(ctx context.Context, events []models.RawEvent) IngestStats {
	stats := IngestStats{Received: len(events)}
	for _, ev := range events {
		ev, err := s.normalize(ev)
		if err != nil {
			stats.Invalid++
			metrics.IngestErrors.WithLabelValues(string(ev.Source)).Inc()
			s.Logger.Warn().Err(err).
				Str("source", string(ev.Source)).
				Str("external_id", ev.ExternalID).
				Msg("rejected raw event")
			continue
		}

		policyKey := s.Policies.Lookup(ev)
		result, err := s.Store.Ingest(ctx, ev, policyKey, s.now())
		if err != nil {
			stats.Errors++
			metrics.IngestErrors.WithLabelValues(string(ev.Source)).Inc()
			s.Logger.Error().Err(err).
				Str("source", string(ev.Source)).
				Str("external_id", ev.ExternalID).
				Str("item", ev.Key().String()).
				Msg("ingest failed")
			continue
		}
		stats.add(result)
		metrics.EventsIngested.WithLabelValues(string(ev.Source), string(result)).Inc()
		if result == db.IngestCreated {
			s.Logger.Info().
				Str("source", string(ev.Source)).
				Str("item", ev.Key().String()).
				Str("policy", policyKey).
				Str("kind", string(ev.Kind)).
				Msg("tracking new item")
		}
	}
	return stats
}

func (s *IngestService) normalize(ev models.RawEvent) (models.RawEvent, error) {
	ev.ExternalID = strings.TrimSpace(ev.ExternalID)
	ev.SubjectKind = strings.TrimSpace(ev.SubjectKind)
	ev.SubjectID = strings.TrimSpace(ev.SubjectID)
	switch {
	case !ev.Source.Valid():
		return ev, fmt.Errorf("unknown source %q", ev.Source)
	case !ev.Kind.Valid():
		return ev, fmt.Errorf("unknown event kind %q", ev.Kind)
	case ev.ExternalID == "":
		return ev, errors.New("external_id is required")
	case ev.SubjectKind == "" || ev.SubjectID == "":
		return ev, errors.New("subject_kind and subject_id are required")
	}

	now := s.now()
	if ev.ObservedAt.IsZero() || ev.ObservedAt.After(now) {
		ev.ObservedAt = now
	}
	ev.ObservedAt = ev.ObservedAt.UTC()
	return ev, nil
}

func (s *IngestService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}
