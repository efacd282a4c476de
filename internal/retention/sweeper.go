// Package retention prunes event log rows older than their event's
// retention window, optionally archiving them first.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/zentra/beacon/internal/metrics"
	"github.com/zentra/beacon/internal/models"
)

const (
	DefaultInterval  = 24 * time.Hour
	DefaultBatchSize = 1000
)

type Store interface {
	ExpiredOccurrences(ctx context.Context, now time.Time, limit int) ([]*models.EventOccurrence, error)
	DeleteOccurrences(ctx context.Context, ids []uuid.UUID) (int64, error)
}

// Archiver receives every batch before it is deleted.
type Archiver interface {
	ArchiveOccurrences(ctx context.Context, batch []*models.EventOccurrence) error
}

type Config struct {
	Interval  time.Duration
	BatchSize int
}

type Sweeper struct {
	store    Store
	archiver Archiver
	metrics  *metrics.Metrics
	cfg      Config
	now      func() time.Time
}

// NewSweeper builds a sweeper. archiver may be nil.
func NewSweeper(s Store, archiver Archiver, m *metrics.Metrics, cfg Config) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Sweeper{store: s, archiver: archiver, metrics: m, cfg: cfg, now: time.Now}
}

// Start sweeps once immediately and then every Interval until ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.cfg.Interval).Bool("archive", s.archiver != nil).Msg("Starting event log retention sweeper")

	s.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Event log retention sweeper stopped")
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Sweeper) runOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Retention sweep panicked; will retry next interval")
		}
	}()

	deleted, err := s.Sweep(ctx)
	if err != nil {
		log.Error().Err(err).Int64("deleted", deleted).Msg("Retention sweep failed")
		return
	}
	if deleted > 0 {
		log.Info().Int64("deleted", deleted).Msg("Pruned expired event logs")
	}
}

// Sweep deletes expired rows batch by batch. A batch that fails to archive
// is left in place and stops the sweep.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	var total int64
	now := s.now()

	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		batch, err := s.store.ExpiredOccurrences(ctx, now, s.cfg.BatchSize)
		if err != nil {
			return total, fmt.Errorf("failed to list expired event logs: %w", err)
		}
		if len(batch) == 0 {
			return total, nil
		}

		if s.archiver != nil {
			if err := s.archiver.ArchiveOccurrences(ctx, batch); err != nil {
				return total, fmt.Errorf("failed to archive event logs: %w", err)
			}
		}

		ids := make([]uuid.UUID, len(batch))
		for i, o := range batch {
			ids[i] = o.ID
		}
		n, err := s.store.DeleteOccurrences(ctx, ids)
		if err != nil {
			return total, fmt.Errorf("failed to delete event logs: %w", err)
		}
		total += n
		s.metrics.RetentionDeleted(n)

		if len(batch) < s.cfg.BatchSize {
			return total, nil
		}
	}
}
