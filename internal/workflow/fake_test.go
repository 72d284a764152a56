package workflow

import (
	"context"
	"errors"
	"sync"

	"github.com/sells-group/lookalike/internal/matcher"
	"github.com/sells-group/lookalike/internal/model"
	"github.com/sells-group/lookalike/internal/store"
	"github.com/sells-group/lookalike/internal/streamscore"
)

// fakeJobs advances one in-memory job through the state machine. failAt
// makes the named stage fail the job with reason.
type fakeJobs struct {
	mu     sync.Mutex
	jobs   map[string]*model.Lookalike
	calls  []string
	failAt string
	reason string
	// transientScore fails this many Score calls without failing the job.
	transientScore int
}

func newFakeJobs(ids ...string) *fakeJobs {
	f := &fakeJobs{jobs: map[string]*model.Lookalike{}}
	for _, id := range ids {
		f.jobs[id] = &model.Lookalike{ID: id, Status: model.LookalikeStatusPending, SizeTier: model.SizeTierSmall}
	}
	return f
}

func (f *fakeJobs) step(id, stage string, from, to model.LookalikeStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, stage)
	lk := f.jobs[id]
	if lk.Status != from && !(stage == "match" && lk.Status == model.LookalikeStatusPending) {
		return store.ErrInvalidTransition
	}
	if stage == f.failAt {
		lk.Status = model.LookalikeStatusFailed
		lk.FailureReason = f.reason
		return errors.New(f.reason)
	}
	lk.Status = to
	return nil
}

func (f *fakeJobs) Match(_ context.Context, id string) (*matcher.Report, error) {
	return &matcher.Report{}, f.step(id, "match", model.LookalikeStatusMatching, model.LookalikeStatusTraining)
}

func (f *fakeJobs) Train(_ context.Context, id string) error {
	return f.step(id, "train", model.LookalikeStatusTraining, model.LookalikeStatusScoring)
}

func (f *fakeJobs) Score(_ context.Context, id string) (*streamscore.Result, error) {
	f.mu.Lock()
	if f.transientScore > 0 {
		f.transientScore--
		f.calls = append(f.calls, "score")
		f.mu.Unlock()
		return nil, errors.New("connection reset by peer")
	}
	f.mu.Unlock()
	return &streamscore.Result{}, f.step(id, "score", model.LookalikeStatusScoring, model.LookalikeStatusScoring)
}

func (f *fakeJobs) Finalize(_ context.Context, id string) (int, error) {
	if err := f.step(id, "finalize", model.LookalikeStatusScoring, model.LookalikeStatusReady); err != nil {
		return 0, err
	}
	return 2, nil
}

func (f *fakeJobs) CreateLookalike(context.Context, string, model.SizeTier, model.SignificantFields) (*model.Lookalike, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeJobs) GetLookalike(_ context.Context, id string) (*model.Lookalike, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	lk, ok := f.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *lk
	return &cp, nil
}

func (f *fakeJobs) ListLookalikes(context.Context, store.LookalikeFilter) ([]model.Lookalike, error) {
	return nil, nil
}

func (f *fakeJobs) TransitionLookalike(_ context.Context, id string, from, to model.LookalikeStatus, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	lk, ok := f.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if lk.Status != from || !model.CanTransition(from, to) {
		return store.ErrInvalidTransition
	}
	lk.Status = to
	if to == model.LookalikeStatusFailed {
		lk.FailureReason = reason
	}
	return nil
}
