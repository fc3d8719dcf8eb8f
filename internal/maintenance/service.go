// Package maintenance prunes operational residue on a schedule: finished
// pipeline runs past their retention window, registry snapshots beyond the
// configured keep count, and superseded families older than the oldest
// snapshot still retained. Prompts are never touched; they are the corpus
// the next batch run re-clusters.
package maintenance

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/thebtf/taxon/internal/config"
	"github.com/thebtf/taxon/internal/db"
)

// Store is the slice of the database the maintenance loop prunes.
type Store interface {
	db.RunStore
	db.RegistryStore
	db.FamilyStore
}

// optimizer is implemented by backends that support planner statistics
// refresh. Detected by assertion so the loop works against any Store.
type optimizer interface {
	Optimize(ctx context.Context) error
}

// Config carries the maintenance cadence and retention knobs.
type Config struct {
	// Interval is the period between maintenance runs. Zero or negative
	// disables the loop entirely; manual runs still work.
	Interval time.Duration
	// RunRetention is how long finished processing runs are kept. Zero or
	// negative disables run pruning.
	RunRetention time.Duration
	// SnapshotRetention is how many registry versions to keep. The store
	// never deletes the last surviving snapshot regardless of this value.
	SnapshotRetention int
	// WarmupDelay postpones the first scheduled run after startup so the
	// worker can finish initializing before background deletes begin.
	WarmupDelay time.Duration
}

// DefaultConfig returns the default maintenance configuration.
func DefaultConfig() Config {
	return Config{
		Interval:          24 * time.Hour,
		RunRetention:      30 * 24 * time.Hour,
		SnapshotRetention: 5,
		WarmupDelay:       5 * time.Minute,
	}
}

// ConfigFromApp extracts maintenance settings from app configuration.
func ConfigFromApp(cfg *config.Config) Config {
	return Config{
		Interval:          time.Duration(cfg.MaintenanceIntervalHours) * time.Hour,
		RunRetention:      time.Duration(cfg.RunRetentionDays) * 24 * time.Hour,
		SnapshotRetention: cfg.SnapshotRetention,
		WarmupDelay:       5 * time.Minute,
	}
}

// Service runs retention pruning on a fixed interval.
type Service struct {
	log    zerolog.Logger
	store  Store
	config Config
	stopCh chan struct{}
	doneCh chan struct{}

	mu                   sync.Mutex
	running              bool
	lastRunTime          time.Time
	lastRunDuration      time.Duration
	totalRunsPruned      int64
	totalSnapshotsPruned int64
	totalFamiliesPruned  int64
	totalOptimizes       int64
}

// NewService creates a maintenance service over the given store.
func NewService(store Store, cfg Config, log zerolog.Logger) *Service {
	return &Service{
		store:  store,
		config: cfg,
		log:    log.With().Str("component", "maintenance").Logger(),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the maintenance loop. It blocks until Stop is called or the
// context is cancelled, so call it from a goroutine.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		close(s.doneCh)
	}()

	if s.config.Interval <= 0 {
		s.log.Info().Msg("Maintenance disabled, not starting scheduler")
		return
	}

	s.log.Info().
		Dur("interval", s.config.Interval).
		Dur("run_retention", s.config.RunRetention).
		Int("snapshot_retention", s.config.SnapshotRetention).
		Msg("Starting maintenance scheduler")

	// Let the worker finish starting up before the first run.
	if s.config.WarmupDelay > 0 {
		warmup := time.NewTimer(s.config.WarmupDelay)
		select {
		case <-ctx.Done():
			warmup.Stop()
			return
		case <-s.stopCh:
			warmup.Stop()
			return
		case <-warmup.C:
		}
	}
	s.runMaintenance(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Maintenance shutting down due to context cancellation")
			return
		case <-s.stopCh:
			s.log.Info().Msg("Maintenance shutting down due to stop signal")
			return
		case <-ticker.C:
			s.runMaintenance(ctx)
		}
	}
}

// Stop signals the maintenance service to stop.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}

// Wait blocks until the maintenance loop has exited.
func (s *Service) Wait() {
	<-s.doneCh
}

// RunOnce executes a single maintenance pass synchronously. Used by the
// admin trigger; safe to call whether or not the loop is running.
func (s *Service) RunOnce(ctx context.Context) {
	s.runMaintenance(ctx)
}

func (s *Service) runMaintenance(ctx context.Context) {
	start := time.Now()
	s.log.Info().Msg("Starting maintenance run")

	var runsPruned, snapshotsPruned, familiesPruned int64

	if s.config.RunRetention > 0 {
		cutoff := time.Now().Add(-s.config.RunRetention).UnixMilli()
		pruned, err := s.store.PruneRuns(ctx, cutoff)
		if err != nil {
			s.log.Error().Err(err).Msg("Failed to prune processing runs")
		} else if pruned > 0 {
			runsPruned = pruned
			s.log.Info().Int64("pruned", pruned).Msg("Pruned old processing runs")
		}
	}

	if s.config.SnapshotRetention > 0 {
		pruned, err := s.store.PruneRegistrySnapshots(ctx, s.config.SnapshotRetention)
		if err != nil {
			s.log.Error().Err(err).Msg("Failed to prune registry snapshots")
		} else if pruned > 0 {
			snapshotsPruned = pruned
			s.log.Info().Int64("pruned", pruned).Msg("Pruned old registry snapshots")
		}

		// Superseded families follow the snapshot horizon so lineage
		// within the retained versions keeps its labels.
		familiesPruned = s.pruneFamilies(ctx)
	}

	var optimized bool
	if opt, ok := s.store.(optimizer); ok {
		if err := opt.Optimize(ctx); err != nil {
			s.log.Error().Err(err).Msg("Failed to optimize database")
		} else {
			optimized = true
		}
	}

	s.mu.Lock()
	s.lastRunTime = time.Now()
	s.lastRunDuration = time.Since(start)
	s.totalRunsPruned += runsPruned
	s.totalSnapshotsPruned += snapshotsPruned
	s.totalFamiliesPruned += familiesPruned
	if optimized {
		s.totalOptimizes++
	}
	s.mu.Unlock()

	s.log.Info().
		Dur("duration", time.Since(start)).
		Int64("runs_pruned", runsPruned).
		Int64("snapshots_pruned", snapshotsPruned).
		Int64("families_pruned", familiesPruned).
		Msg("Maintenance run completed")
}

// pruneFamilies deletes superseded families older than the oldest snapshot
// still retained.
func (s *Service) pruneFamilies(ctx context.Context) int64 {
	versions, err := s.store.ListRegistryVersions(ctx, s.config.SnapshotRetention)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list registry versions")
		return 0
	}
	if len(versions) == 0 {
		return 0
	}

	// ListRegistryVersions returns newest first.
	horizon := versions[len(versions)-1].Version
	pruned, err := s.store.PruneFamilies(ctx, horizon)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to prune superseded families")
		return 0
	}
	if pruned > 0 {
		s.log.Info().Int64("pruned", pruned).Int64("horizon", horizon).Msg("Pruned superseded families")
	}
	return pruned
}

// Stats returns maintenance statistics for the stats endpoint.
func (s *Service) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	return map[string]any{
		"enabled":                s.config.Interval > 0,
		"interval_hours":         s.config.Interval.Hours(),
		"run_retention_days":     int(s.config.RunRetention.Hours() / 24),
		"snapshot_retention":     s.config.SnapshotRetention,
		"last_run":               s.lastRunTime,
		"last_duration_ms":       s.lastRunDuration.Milliseconds(),
		"total_runs_pruned":      s.totalRunsPruned,
		"total_snapshots_pruned": s.totalSnapshotsPruned,
		"total_families_pruned":  s.totalFamiliesPruned,
		"total_optimizes":        s.totalOptimizes,
		"running":                s.running,
	}
}
