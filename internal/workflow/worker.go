package workflow

import (
	"context"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"
)

// DefaultTaskQueue is used when none is configured.
const DefaultTaskQueue = "lookalike"

// Dial connects to the Temporal frontend, logging through the global zap
// logger.
func Dial(ctx context.Context, hostPort, namespace string) (client.Client, error) {
	c, err := client.DialContext(ctx, client.Options{
		HostPort:  hostPort,
		Namespace: namespace,
		Logger:    zapLogger{zap.L().Sugar()},
	})
	if err != nil {
		return nil, eris.Wrapf(err, "workflow: dial temporal %s/%s", hostPort, namespace)
	}
	return c, nil
}

// NewWorker creates a worker on taskQueue with the lookalike workflow and
// activities registered.
func NewWorker(c client.Client, taskQueue string, acts *Activities) worker.Worker {
	w := worker.New(c, taskQueue, worker.Options{})
	Register(w, acts)
	return w
}

// Registry is the registration surface shared by workers and the test
// environment.
type Registry interface {
	RegisterWorkflowWithOptions(w interface{}, options workflow.RegisterOptions)
	RegisterActivityWithOptions(a interface{}, options activity.RegisterOptions)
}

// Register adds the workflow and its activities to r.
func Register(r Registry, acts *Activities) {
	r.RegisterWorkflowWithOptions(LookalikeWorkflow, workflow.RegisterOptions{Name: WorkflowName})
	r.RegisterActivityWithOptions(acts.Status, activity.RegisterOptions{Name: ActivityStatus})
	r.RegisterActivityWithOptions(acts.Match, activity.RegisterOptions{Name: ActivityMatch})
	r.RegisterActivityWithOptions(acts.Train, activity.RegisterOptions{Name: ActivityTrain})
	r.RegisterActivityWithOptions(acts.Score, activity.RegisterOptions{Name: ActivityScore})
	r.RegisterActivityWithOptions(acts.Finalize, activity.RegisterOptions{Name: ActivityFinalize})
	r.RegisterActivityWithOptions(acts.Fail, activity.RegisterOptions{Name: ActivityFail})
}

// WorkflowID is the workflow id of a job. One workflow runs per job.
func WorkflowID(lookalikeID string) string {
	return "lookalike-" + lookalikeID
}

// Starter is the part of client.Client used to start workflows.
type Starter interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
}

// Enqueuer starts lookalike workflows.
type Enqueuer struct {
	client    Starter
	taskQueue string
}

// NewEnqueuer creates an Enqueuer for taskQueue.
func NewEnqueuer(c Starter, taskQueue string) *Enqueuer {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	return &Enqueuer{client: c, taskQueue: taskQueue}
}

// Enqueue starts the workflow of a job and returns its run id.
func (e *Enqueuer) Enqueue(ctx context.Context, lookalikeID string) (string, error) {
	run, err := e.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        WorkflowID(lookalikeID),
		TaskQueue: e.taskQueue,
	}, WorkflowName, lookalikeID)
	if err != nil {
		return "", eris.Wrapf(err, "workflow: start %s", lookalikeID)
	}
	zap.L().Info("workflow: enqueued",
		zap.String("lookalike_id", lookalikeID),
		zap.String("workflow_id", run.GetID()),
		zap.String("run_id", run.GetRunID()),
	)
	return run.GetRunID(), nil
}

// zapLogger adapts a sugared zap logger to the Temporal logger interface.
type zapLogger struct {
	s *zap.SugaredLogger
}

func (l zapLogger) Debug(msg string, keyvals ...interface{}) { l.s.Debugw(msg, keyvals...) }
func (l zapLogger) Info(msg string, keyvals ...interface{})  { l.s.Infow(msg, keyvals...) }
func (l zapLogger) Warn(msg string, keyvals ...interface{})  { l.s.Warnw(msg, keyvals...) }
func (l zapLogger) Error(msg string, keyvals ...interface{}) { l.s.Errorw(msg, keyvals...) }
