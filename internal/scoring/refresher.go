package scoring

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/taxon/pkg/models"
)

// FamilyStatsStore is what the refresher needs from the database.
type FamilyStatsStore interface {
	GetActiveFamilies(ctx context.Context) ([]*models.Family, error)
	GetPromptsByFamily(ctx context.Context, familyID string, limit int) ([]*models.Prompt, error)
	RefreshFamilyStats(ctx context.Context, familyID string, memberCount int, cohesion float64) error
}

const (
	// refreshInterval is how often stale family stats are recomputed.
	refreshInterval = 1 * time.Hour
	// refreshMemberCap bounds how many members one refresh reads per family.
	refreshMemberCap = 5000
)

// Refresher keeps member_count and cohesion honest between batch runs.
// Incremental auto-merges add members to a family without touching its
// centroid, so the stored stats drift until the next epoch; the refresher
// recomputes them in the background. Member count is the change signal;
// membership swaps that keep the count stable wait for the next batch.
type Refresher struct {
	store      FamilyStatsStore
	calculator *Calculator
	logger     zerolog.Logger
	interval   time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewRefresher creates a background family-stats refresher.
func NewRefresher(store FamilyStatsStore, calc *Calculator) *Refresher {
	return &Refresher{
		store:      store,
		calculator: calc,
		logger:     log.With().Str("component", "scoring-refresher").Logger(),
		interval:   refreshInterval,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start runs the refresh loop and blocks until Stop is called or the
// context is cancelled.
func (r *Refresher) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		close(r.doneCh)
	}()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("Stats refresher shutting down due to context cancellation")
			return
		case <-r.stopCh:
			r.logger.Info().Msg("Stats refresher shutting down due to stop signal")
			return
		case <-ticker.C:
			r.RefreshOnce(ctx)
		}
	}
}

// Stop signals the refresh loop to shut down.
func (r *Refresher) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
}

// Wait blocks until the refresh loop has exited.
func (r *Refresher) Wait() {
	<-r.doneCh
}

// RefreshOnce recomputes stats for every active family whose membership
// drifted from its stored count. Returns how many families were updated.
func (r *Refresher) RefreshOnce(ctx context.Context) int {
	families, err := r.store.GetActiveFamilies(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to load active families for stats refresh")
		return 0
	}

	updated := 0
	for _, f := range families {
		if ctx.Err() != nil {
			return updated
		}

		members, err := r.store.GetPromptsByFamily(ctx, f.FamilyID, refreshMemberCap)
		if err != nil {
			r.logger.Warn().Err(err).Str("family_id", f.FamilyID).Msg("Failed to load family members")
			continue
		}
		if len(members) == f.MemberCount {
			continue
		}

		embeddings := make([][]float32, 0, len(members))
		for _, m := range members {
			if len(m.Embedding) > 0 {
				embeddings = append(embeddings, m.Embedding)
			}
		}
		cohesion := r.calculator.Cohesion(f.Centroid, embeddings)

		if err := r.store.RefreshFamilyStats(ctx, f.FamilyID, len(members), cohesion); err != nil {
			r.logger.Warn().Err(err).Str("family_id", f.FamilyID).Msg("Failed to refresh family stats")
			continue
		}
		updated++
	}

	if updated > 0 {
		r.logger.Info().Int("families", updated).Msg("Family stats refreshed")
	}
	return updated
}
