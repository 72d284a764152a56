// Package finalize turns the scores of a finished scoring run into the
// lookalike audience.
package finalize

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lookalike/internal/model"
	"github.com/sells-group/lookalike/internal/resilience"
	"github.com/sells-group/lookalike/internal/store"
)

// ErrUnknownTier is returned for a size tier with no configured size.
var ErrUnknownTier = eris.New("finalize: unknown size tier")

// Tiers maps size tiers to audience sizes.
type Tiers struct {
	Small  int `yaml:"small" mapstructure:"small"`
	Medium int `yaml:"medium" mapstructure:"medium"`
	Large  int `yaml:"large" mapstructure:"large"`
}

// DefaultTiers returns the built-in audience sizes.
func DefaultTiers() Tiers {
	return Tiers{Small: 1000, Medium: 5000, Large: 10000}
}

// Size returns the audience size N of a tier.
func (t Tiers) Size(tier model.SizeTier) (int, error) {
	var n int
	switch tier {
	case model.SizeTierSmall:
		n = t.Small
	case model.SizeTierMedium:
		n = t.Medium
	case model.SizeTierLarge:
		n = t.Large
	default:
		return 0, eris.Wrapf(ErrUnknownTier, "%q", tier)
	}
	if n <= 0 {
		return 0, eris.Wrapf(ErrUnknownTier, "%q has size %d", tier, n)
	}
	return n, nil
}

// Validate checks that every tier is positive and that tiers grow with size.
func (t Tiers) Validate() error {
	if t.Small <= 0 || t.Medium <= 0 || t.Large <= 0 {
		return eris.Errorf("finalize: tier sizes must be positive, got %d/%d/%d", t.Small, t.Medium, t.Large)
	}
	if t.Small > t.Medium || t.Medium > t.Large {
		return eris.Errorf("finalize: tier sizes must not decrease, got %d/%d/%d", t.Small, t.Medium, t.Large)
	}
	return nil
}

// Finalizer selects and persists the top-N audience of a scored job.
type Finalizer struct {
	store store.AudienceStore
	tiers Tiers
	retry resilience.RetryConfig
}

// New creates a Finalizer.
func New(st store.AudienceStore, tiers Tiers, retry resilience.RetryConfig) *Finalizer {
	return &Finalizer{store: st, tiers: tiers, retry: retry}
}

// Finalize stores the N best-scored profiles not already matched into the
// job's source, ties broken by profile id, and moves the job to ready. It
// returns the audience size, which is min(N, eligible scored profiles).
// The job must be in scoring.
func (f *Finalizer) Finalize(ctx context.Context, lk *model.Lookalike) (int, error) {
	n, err := f.tiers.Size(lk.SizeTier)
	if err != nil {
		return 0, err
	}

	cfg := f.retry
	cfg.OnRetry = resilience.RetryLogger("finalize", "top_n", zap.String("lookalike_id", lk.ID))

	size, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (int, error) {
		return f.store.FinalizeTopN(ctx, lk.ID, n)
	})
	if errors.Is(err, store.ErrInvalidTransition) {
		// A commit whose reply was lost leaves the job ready.
		if persons, lerr := f.store.ListLookalikePersons(ctx, lk.ID); lerr == nil {
			zap.L().Info("finalize: lookalike already ready", zap.String("lookalike_id", lk.ID))
			return len(persons), nil
		}
	}
	if err != nil {
		return 0, eris.Wrapf(err, "finalize: lookalike %s", lk.ID)
	}

	zap.L().Info("finalize: audience stored",
		zap.String("lookalike_id", lk.ID),
		zap.String("tier", string(lk.SizeTier)),
		zap.Int("requested", n),
		zap.Int("size", size),
	)
	return size, nil
}
