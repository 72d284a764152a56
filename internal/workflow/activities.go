package workflow

import (
	"context"
	"errors"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/sells-group/lookalike/internal/matcher"
	"github.com/sells-group/lookalike/internal/model"
	"github.com/sells-group/lookalike/internal/pipeline"
	"github.com/sells-group/lookalike/internal/store"
	"github.com/sells-group/lookalike/internal/streamscore"
)

// Stages runs single pipeline stages. *pipeline.Runner implements it.
type Stages interface {
	Match(ctx context.Context, lookalikeID string) (*matcher.Report, error)
	Train(ctx context.Context, lookalikeID string) error
	Score(ctx context.Context, lookalikeID string) (*streamscore.Result, error)
	Finalize(ctx context.Context, lookalikeID string) (int, error)
}

// Activities are the Temporal activities of LookalikeWorkflow.
type Activities struct {
	Stages Stages
	Store  store.LookalikeStore
	// HeartbeatInterval defaults to 10s.
	HeartbeatInterval time.Duration
}

// Status reports the current status of a job.
func (a *Activities) Status(ctx context.Context, lookalikeID string) (StatusResult, error) {
	lk, err := a.Store.GetLookalike(ctx, lookalikeID)
	if errors.Is(err, store.ErrNotFound) {
		return StatusResult{}, temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeFailed, err)
	}
	if err != nil {
		return StatusResult{}, err
	}
	return StatusResult{Status: lk.Status, FailureReason: lk.FailureReason}, nil
}

// Match runs the matching stage.
func (a *Activities) Match(ctx context.Context, lookalikeID string) error {
	_, err := a.Stages.Match(ctx, lookalikeID)
	return a.classify(ctx, lookalikeID, err)
}

// Train runs the training stage.
func (a *Activities) Train(ctx context.Context, lookalikeID string) error {
	return a.classify(ctx, lookalikeID, a.Stages.Train(ctx, lookalikeID))
}

// Score runs the scoring stage, heartbeating until it returns.
func (a *Activities) Score(ctx context.Context, lookalikeID string) error {
	stop := a.startHeartbeat(ctx)
	defer stop()
	_, err := a.Stages.Score(ctx, lookalikeID)
	return a.classify(ctx, lookalikeID, err)
}

// Finalize runs the finalization stage and returns the audience size.
func (a *Activities) Finalize(ctx context.Context, lookalikeID string) (int, error) {
	size, err := a.Stages.Finalize(ctx, lookalikeID)
	return size, a.classify(ctx, lookalikeID, err)
}

// Fail moves a job that is still in flight to failed with reason. A
// pending job passes through matching first, the only way out of pending.
func (a *Activities) Fail(ctx context.Context, lookalikeID, reason string) error {
	lk, err := a.Store.GetLookalike(ctx, lookalikeID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	from := lk.Status
	if from.Terminal() {
		return nil
	}
	if from == model.LookalikeStatusPending {
		if err := a.Store.TransitionLookalike(ctx, lookalikeID, from, model.LookalikeStatusMatching, ""); err != nil && !errors.Is(err, store.ErrInvalidTransition) {
			return err
		}
		from = model.LookalikeStatusMatching
	}
	err = a.Store.TransitionLookalike(ctx, lookalikeID, from, model.LookalikeStatusFailed, reason)
	if errors.Is(err, store.ErrInvalidTransition) {
		// The job moved on meanwhile; retry from its new status.
		return temporal.NewApplicationError(err.Error(), "LookalikeMoved", err)
	}
	return err
}

// classify turns stage errors that ended the job, or that no retry can fix,
// into non-retryable errors.
func (a *Activities) classify(ctx context.Context, lookalikeID string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pipeline.ErrWrongStatus) || errors.Is(err, store.ErrInvalidTransition) {
		return temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeFailed, err)
	}
	lk, gerr := a.Store.GetLookalike(context.WithoutCancel(ctx), lookalikeID)
	if gerr == nil && lk.Status == model.LookalikeStatusFailed {
		return temporal.NewNonRetryableApplicationError(lk.FailureReason, ErrTypeFailed, err)
	}
	return err
}

func (a *Activities) startHeartbeat(ctx context.Context) func() {
	interval := a.HeartbeatInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				activity.RecordHeartbeat(ctx)
			}
		}
	}()
	return func() { close(done) }
}
