package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"

	"github.com/sells-group/lookalike/internal/model"
	"github.com/sells-group/lookalike/internal/store"
)

func newTestEnv(t *testing.T, jobs *fakeJobs) *testsuite.TestWorkflowEnvironment {
	t.Helper()
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()
	Register(env, &Activities{Stages: jobs, Store: jobs})
	return env
}

func TestWorkflow_RunsToReady(t *testing.T) {
	jobs := newFakeJobs("lk-1")
	env := newTestEnv(t, jobs)

	env.ExecuteWorkflow(WorkflowName, "lk-1")
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var res Result
	require.NoError(t, env.GetWorkflowResult(&res))
	assert.Equal(t, "lk-1", res.LookalikeID)
	assert.Equal(t, model.LookalikeStatusReady, res.Status)
	assert.Equal(t, 2, res.AudienceSize)
	assert.Equal(t, []string{"match", "train", "score", "finalize"}, jobs.calls)
}

func TestWorkflow_ResumesFromScoring(t *testing.T) {
	jobs := newFakeJobs("lk-1")
	jobs.jobs["lk-1"].Status = model.LookalikeStatusScoring
	env := newTestEnv(t, jobs)

	env.ExecuteWorkflow(LookalikeWorkflow, "lk-1")
	require.NoError(t, env.GetWorkflowError())
	assert.Equal(t, []string{"score", "finalize"}, jobs.calls)
}

func TestWorkflow_ReadyIsNoop(t *testing.T) {
	jobs := newFakeJobs("lk-1")
	jobs.jobs["lk-1"].Status = model.LookalikeStatusReady
	env := newTestEnv(t, jobs)

	env.ExecuteWorkflow(LookalikeWorkflow, "lk-1")
	require.NoError(t, env.GetWorkflowError())
	assert.Empty(t, jobs.calls)
}

func TestWorkflow_FailedJobNotRetried(t *testing.T) {
	jobs := newFakeJobs("lk-1")
	jobs.failAt = "train"
	jobs.reason = "regress: all train targets are equal"
	env := newTestEnv(t, jobs)

	env.ExecuteWorkflow(LookalikeWorkflow, "lk-1")
	require.True(t, env.IsWorkflowCompleted())
	err := env.GetWorkflowError()
	require.Error(t, err)

	var appErr *temporal.ApplicationError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, ErrTypeFailed, appErr.Type())
	assert.Contains(t, appErr.Error(), "all train targets are equal")
	assert.Equal(t, []string{"match", "train"}, jobs.calls)
}

func TestWorkflow_TransientScoreRetried(t *testing.T) {
	jobs := newFakeJobs("lk-1")
	jobs.jobs["lk-1"].Status = model.LookalikeStatusScoring
	jobs.transientScore = 2
	env := newTestEnv(t, jobs)

	env.ExecuteWorkflow(LookalikeWorkflow, "lk-1")
	require.NoError(t, env.GetWorkflowError())
	assert.Equal(t, []string{"score", "score", "score", "finalize"}, jobs.calls)
}

func TestWorkflow_ExhaustedRetriesFailJob(t *testing.T) {
	jobs := newFakeJobs("lk-1")
	jobs.jobs["lk-1"].Status = model.LookalikeStatusScoring
	jobs.transientScore = 1000
	env := newTestEnv(t, jobs)

	env.ExecuteWorkflow(LookalikeWorkflow, "lk-1")
	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError())

	lk, err := jobs.GetLookalike(context.Background(), "lk-1")
	require.NoError(t, err)
	assert.Equal(t, model.LookalikeStatusFailed, lk.Status)
	assert.Contains(t, lk.FailureReason, "retries exhausted")
	assert.Contains(t, lk.FailureReason, "connection reset by peer")
	// Every attempt of the long activity ran; finalize never did.
	assert.Len(t, jobs.calls, 10)
	assert.NotContains(t, jobs.calls, "finalize")
}

func TestActivities_Fail(t *testing.T) {
	jobs := newFakeJobs("lk-1", "lk-2", "lk-3")
	jobs.jobs["lk-2"].Status = model.LookalikeStatusTraining
	jobs.jobs["lk-3"].Status = model.LookalikeStatusReady
	a := &Activities{Stages: jobs, Store: jobs}
	ctx := context.Background()

	// Pending jobs leave through matching.
	require.NoError(t, a.Fail(ctx, "lk-1", "store unavailable"))
	assert.Equal(t, model.LookalikeStatusFailed, jobs.jobs["lk-1"].Status)
	assert.Equal(t, "store unavailable", jobs.jobs["lk-1"].FailureReason)

	require.NoError(t, a.Fail(ctx, "lk-2", "heartbeat timeout"))
	assert.Equal(t, model.LookalikeStatusFailed, jobs.jobs["lk-2"].Status)

	// Terminal and unknown jobs are left alone.
	require.NoError(t, a.Fail(ctx, "lk-3", "late"))
	assert.Equal(t, model.LookalikeStatusReady, jobs.jobs["lk-3"].Status)
	require.NoError(t, a.Fail(ctx, "missing", "late"))
}

func TestWorkflow_UnknownJob(t *testing.T) {
	jobs := newFakeJobs()
	env := newTestEnv(t, jobs)

	env.ExecuteWorkflow(LookalikeWorkflow, "missing")
	err := env.GetWorkflowError()
	require.Error(t, err)
	var appErr *temporal.ApplicationError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, ErrTypeFailed, appErr.Type())
}

func TestActivities_Classify(t *testing.T) {
	jobs := newFakeJobs("lk-1")
	a := &Activities{Stages: jobs, Store: jobs}
	ctx := context.Background()

	assert.NoError(t, a.classify(ctx, "lk-1", nil))

	plain := errors.New("timeout")
	assert.Equal(t, plain, a.classify(ctx, "lk-1", plain))

	var appErr *temporal.ApplicationError
	require.True(t, errors.As(a.classify(ctx, "lk-1", store.ErrInvalidTransition), &appErr))
	assert.True(t, appErr.NonRetryable())

	jobs.jobs["lk-1"].Status = model.LookalikeStatusFailed
	jobs.jobs["lk-1"].FailureReason = "boom"
	require.True(t, errors.As(a.classify(ctx, "lk-1", plain), &appErr))
	assert.Equal(t, "boom", appErr.Message())
}

type mockStarter struct {
	mock.Mock
}

func (m *mockStarter) ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, wf interface{}, args ...interface{}) (client.WorkflowRun, error) {
	called := m.Called(ctx, options, wf, args)
	run, _ := called.Get(0).(client.WorkflowRun)
	return run, called.Error(1)
}

type fakeRun struct {
	client.WorkflowRun
	id, runID string
}

func (r fakeRun) GetID() string    { return r.id }
func (r fakeRun) GetRunID() string { return r.runID }

func TestEnqueuer(t *testing.T) {
	s := new(mockStarter)
	opts := client.StartWorkflowOptions{ID: "lookalike-lk-1", TaskQueue: DefaultTaskQueue}
	s.On("ExecuteWorkflow", mock.Anything, opts, WorkflowName, []interface{}{"lk-1"}).
		Return(fakeRun{id: "lookalike-lk-1", runID: "run-1"}, nil)

	runID, err := NewEnqueuer(s, "").Enqueue(context.Background(), "lk-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", runID)
	s.AssertExpectations(t)
}

func TestEnqueuer_Error(t *testing.T) {
	s := new(mockStarter)
	s.On("ExecuteWorkflow", mock.Anything, mock.Anything, WorkflowName, mock.Anything).
		Return(nil, errors.New("unavailable"))

	_, err := NewEnqueuer(s, "q").Enqueue(context.Background(), "lk-1")
	assert.Error(t, err)
}
