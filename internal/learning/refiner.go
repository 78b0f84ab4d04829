// Package learning closes the loop between what the AI drafts and what
// users send. Send events are analyzed into correction records, and once
// enough of them are pending for a business they are folded into its
// voice profile. Refinement is batched and at most one runs per
// business at a time; a refinement that finds the business already
// locked quietly does nothing, since the next send event re-checks the
// threshold.
package learning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/mailroom/internal/correction"
	"github.com/nugget/mailroom/internal/voice"
)

// Default refinement settings.
const (
	DefaultRefinementThreshold = 10
	DefaultLockTTL             = 5 * time.Minute
)

// RefinerConfig tunes a [Refiner].
type RefinerConfig struct {
	// Threshold is the number of pending corrections that triggers a
	// refinement.
	Threshold int

	// LockTTL is how long a learning flag is honored before it is
	// treated as abandoned by a crashed refinement.
	LockTTL time.Duration
}

// Refiner folds pending corrections into voice profiles.
type Refiner struct {
	store     *Store
	threshold int
	lockTTL   time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewRefiner creates a refiner. Zero config fields get the defaults.
func NewRefiner(store *Store, cfg RefinerConfig, logger *slog.Logger) *Refiner {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultRefinementThreshold
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Refiner{
		store:     store,
		threshold: cfg.Threshold,
		lockTTL:   cfg.LockTTL,
		logger:    logger,
		now:       time.Now,
	}
}

// MaybeRefine refines the business's profile if at least Threshold
// corrections are pending. It returns the refined profile, or nil when
// below threshold or when another refinement holds the lock.
func (r *Refiner) MaybeRefine(ctx context.Context, businessID string) (*voice.Profile, error) {
	logger := r.logger.With("business_id", businessID)

	pending, err := r.store.PendingCount(ctx, businessID)
	if err != nil {
		return nil, err
	}
	if pending < r.threshold {
		logger.Debug("refinement below threshold", "pending", pending, "threshold", r.threshold)
		return nil, nil
	}

	if err := r.store.TryBeginLearning(ctx, businessID, r.now(), r.lockTTL); err != nil {
		if errors.Is(err, ErrLearningInProgress) {
			logger.Debug("refinement already in progress, skipping")
			return nil, nil
		}
		return nil, err
	}

	p, err := r.refine(ctx, businessID)
	if err != nil {
		// Release so the next event can retry instead of waiting out
		// the TTL.
		if rerr := r.store.EndLearning(context.WithoutCancel(ctx), businessID); rerr != nil {
			logger.Error("failed to release learning flag", "error", rerr)
		}
		return nil, err
	}
	return p, nil
}

func (r *Refiner) refine(ctx context.Context, businessID string) (*voice.Profile, error) {
	batch, err := r.store.Corrections(ctx, businessID, correction.StatusPending, 0)
	if err != nil {
		return nil, err
	}
	// Another refinement may have drained the batch between the count
	// and the lock.
	if len(batch) < r.threshold {
		if err := r.store.EndLearning(ctx, businessID); err != nil {
			return nil, err
		}
		return nil, nil
	}

	current, err := r.store.Profile(ctx, businessID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		current = voice.New(businessID)
	}

	signals := make([]correction.Signals, len(batch))
	ids := make([]string, len(batch))
	for i, rec := range batch {
		signals[i] = rec.Signals
		ids[i] = rec.ID
	}

	refined := voice.Aggregate(*current, signals, r.now())
	if err := r.store.ApplyRefinement(ctx, refined, ids, r.now()); err != nil {
		return nil, fmt.Errorf("apply refinement for %s: %w", businessID, err)
	}

	r.logger.Info("voice profile refined",
		"business_id", businessID,
		"corrections", len(batch),
		"iteration", refined.IterationCount,
		"samples", refined.SampleCount,
		"confidence", fmt.Sprintf("%.3f", refined.Confidence),
	)
	return &refined, nil
}
