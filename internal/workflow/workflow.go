// Package workflow runs lookalike jobs as Temporal workflows. Each pipeline
// stage is one activity; the workflow reads the job status between stages so
// a restarted workflow resumes where the job stopped.
package workflow

import (
	"errors"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/sells-group/lookalike/internal/model"
)

const (
	WorkflowName = "LookalikeWorkflow"

	ActivityStatus   = "LookalikeStatus"
	ActivityMatch    = "LookalikeMatch"
	ActivityTrain    = "LookalikeTrain"
	ActivityScore    = "LookalikeScore"
	ActivityFinalize = "LookalikeFinalize"
	ActivityFail     = "LookalikeFail"

	// ErrTypeFailed is the application error type of a job that ended in
	// the failed status. Errors of this type are never retried.
	ErrTypeFailed = "LookalikeFailed"
)

// Result is the outcome of a finished workflow.
type Result struct {
	LookalikeID  string                `json:"lookalike_id"`
	Status       model.LookalikeStatus `json:"status"`
	AudienceSize int                   `json:"audience_size"`
}

// StatusResult is returned by the status activity.
type StatusResult struct {
	Status        model.LookalikeStatus `json:"status"`
	FailureReason string                `json:"failure_reason,omitempty"`
}

// maxStages bounds the status loop; a job passes through at most four
// stages.
const maxStages = 8

// LookalikeWorkflow drives one job to ready or failed.
func LookalikeWorkflow(ctx workflow.Context, lookalikeID string) (*Result, error) {
	log := workflow.GetLogger(ctx)

	short := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        time.Second,
			BackoffCoefficient:     2,
			MaximumInterval:        time.Minute,
			MaximumAttempts:        5,
			NonRetryableErrorTypes: []string{ErrTypeFailed},
		},
	})
	// Scoring walks the whole graph; progress is checkpointed, so a retry
	// resumes instead of starting over.
	long := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 24 * time.Hour,
		HeartbeatTimeout:    time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        10 * time.Second,
			BackoffCoefficient:     2,
			MaximumInterval:        10 * time.Minute,
			MaximumAttempts:        10,
			NonRetryableErrorTypes: []string{ErrTypeFailed},
		},
	})

	res := &Result{LookalikeID: lookalikeID}
	for i := 0; i < maxStages; i++ {
		var st StatusResult
		if err := workflow.ExecuteActivity(short, ActivityStatus, lookalikeID).Get(ctx, &st); err != nil {
			markFailed(ctx, lookalikeID, err)
			return nil, err
		}
		res.Status = st.Status
		log.Info("lookalike status", "lookalike_id", lookalikeID, "status", string(st.Status))

		var err error
		switch st.Status {
		case model.LookalikeStatusPending, model.LookalikeStatusMatching:
			err = workflow.ExecuteActivity(short, ActivityMatch, lookalikeID).Get(ctx, nil)
		case model.LookalikeStatusTraining:
			err = workflow.ExecuteActivity(short, ActivityTrain, lookalikeID).Get(ctx, nil)
		case model.LookalikeStatusScoring:
			err = workflow.ExecuteActivity(long, ActivityScore, lookalikeID).Get(ctx, nil)
			if err == nil {
				err = workflow.ExecuteActivity(short, ActivityFinalize, lookalikeID).Get(ctx, &res.AudienceSize)
			}
		case model.LookalikeStatusReady:
			return res, nil
		case model.LookalikeStatusFailed:
			return nil, temporal.NewNonRetryableApplicationError(st.FailureReason, ErrTypeFailed, nil)
		default:
			return nil, temporal.NewNonRetryableApplicationError("unknown status "+string(st.Status), ErrTypeFailed, nil)
		}
		if err != nil {
			markFailed(ctx, lookalikeID, err)
			return nil, err
		}
	}
	err := temporal.NewApplicationError("lookalike did not settle", "LookalikeStuck")
	markFailed(ctx, lookalikeID, err)
	return nil, err
}

// markFailed records an error that outlived its activity retries as the
// job's failure reason. Jobs a stage already failed and cancelled workflows
// are left as they are.
func markFailed(ctx workflow.Context, lookalikeID string, cause error) {
	var appErr *temporal.ApplicationError
	if errors.As(cause, &appErr) && appErr.Type() == ErrTypeFailed {
		return
	}
	if temporal.IsCanceledError(cause) {
		return
	}

	reason := cause.Error()
	if appErr != nil {
		reason = appErr.Message()
	}
	actx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    5,
		},
	})
	if err := workflow.ExecuteActivity(actx, ActivityFail, lookalikeID, "retries exhausted: "+reason).Get(ctx, nil); err != nil {
		workflow.GetLogger(ctx).Error("mark lookalike failed", "lookalike_id", lookalikeID, "error", err)
	}
}
