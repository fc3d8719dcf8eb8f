package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/thebtf/taxon/internal/config"
)

// SchedulerConfig contains the cadence and gating of the two run loops.
type SchedulerConfig struct {
	// BatchInterval is the period between full reclustering runs
	// (default 168h / 1 week).
	BatchInterval time.Duration `json:"batch_interval"`
	// IncrementalInterval is the period between incremental classification
	// runs (default 10m).
	IncrementalInterval time.Duration `json:"incremental_interval"`
	// MinPendingCount gates scheduled incremental runs: a tick with fewer
	// pending prompts is skipped to amortize overhead. Manual triggers
	// bypass the gate.
	MinPendingCount int `json:"min_pending_count"`
}

// DefaultSchedulerConfig returns the default scheduler configuration.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		BatchInterval:       168 * time.Hour,
		IncrementalInterval: 10 * time.Minute,
		MinPendingCount:     50,
	}
}

// SchedulerConfigFromApp extracts scheduler settings from app configuration.
func SchedulerConfigFromApp(cfg *config.Config) SchedulerConfig {
	return SchedulerConfig{
		BatchInterval:       time.Duration(cfg.BatchIntervalHours) * time.Hour,
		IncrementalInterval: time.Duration(cfg.IncrementalIntervalMinutes) * time.Minute,
		MinPendingCount:     cfg.MinPendingCount,
	}
}

// Scheduler runs the two pipeline tiers on their independent cadences.
type Scheduler struct {
	pipeline *Service
	config   SchedulerConfig
	logger   zerolog.Logger
	stopCh   chan struct{}
}

// NewScheduler creates a scheduler over the pipeline service.
func NewScheduler(pipeline *Service, cfg SchedulerConfig, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		pipeline: pipeline,
		config:   cfg,
		logger:   logger.With().Str("component", "pipeline-scheduler").Logger(),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the scheduler's loops. Call from a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info().
		Dur("batch_interval", s.config.BatchInterval).
		Dur("incremental_interval", s.config.IncrementalInterval).
		Int("min_pending", s.config.MinPendingCount).
		Msg("Pipeline scheduler started")

	batchTicker := time.NewTicker(s.config.BatchInterval)
	incrTicker := time.NewTicker(s.config.IncrementalInterval)
	defer batchTicker.Stop()
	defer incrTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Pipeline scheduler stopping (context done)")
			return
		case <-s.stopCh:
			s.logger.Info().Msg("Pipeline scheduler stopping (stop signal)")
			return
		case <-batchTicker.C:
			s.tickBatch(ctx)
		case <-incrTicker.C:
			s.tickIncremental(ctx)
		}
	}
}

// Stop signals the scheduler to shut down gracefully.
func (s *Scheduler) Stop() {
	select {
	case <-s.stopCh:
		// Already stopped
	default:
		close(s.stopCh)
	}
}

func (s *Scheduler) tickBatch(ctx context.Context) {
	if _, err := s.pipeline.RunBatch(ctx); err != nil {
		if errors.Is(err, ErrAlreadyRunning) {
			s.logger.Debug().Msg("Batch tick skipped: run in progress")
			return
		}
		s.logger.Error().Err(err).Msg("Scheduled batch run failed")
	}
}

func (s *Scheduler) tickIncremental(ctx context.Context) {
	pending, err := s.pipeline.PendingCount(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Pending count check failed")
		return
	}
	if pending < int64(s.config.MinPendingCount) {
		s.logger.Debug().
			Int64("pending", pending).
			Int("min_pending", s.config.MinPendingCount).
			Msg("Incremental tick skipped: below pending threshold")
		return
	}

	if _, err := s.pipeline.RunIncremental(ctx); err != nil {
		if errors.Is(err, ErrAlreadyRunning) {
			s.logger.Debug().Msg("Incremental tick skipped: run in progress")
			return
		}
		s.logger.Error().Err(err).Msg("Scheduled incremental run failed")
	}
}
