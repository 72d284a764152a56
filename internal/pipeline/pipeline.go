// Package pipeline drives a lookalike job through matching, training,
// scoring and finalization.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/sells-group/lookalike/internal/features"
	"github.com/sells-group/lookalike/internal/finalize"
	"github.com/sells-group/lookalike/internal/identity"
	"github.com/sells-group/lookalike/internal/matcher"
	"github.com/sells-group/lookalike/internal/metrics"
	"github.com/sells-group/lookalike/internal/model"
	"github.com/sells-group/lookalike/internal/regress"
	"github.com/sells-group/lookalike/internal/store"
	"github.com/sells-group/lookalike/internal/streamscore"
)

const tracerName = "github.com/sells-group/lookalike/internal/pipeline"

// Stage names, used for spans, metrics and logs.
const (
	StageMatch    = "match"
	StageTrain    = "train"
	StageScore    = "score"
	StageFinalize = "finalize"
)

var (
	// ErrJobFailed is returned by Run for a job that is already failed.
	ErrJobFailed = eris.New("pipeline: lookalike failed")
	// ErrWrongStatus is returned when a stage is invoked on a job in another
	// state.
	ErrWrongStatus = eris.New("pipeline: lookalike not in expected status")
)

// Store is the persistence the runner needs.
type Store interface {
	store.SourceStore
	store.LookalikeStore
	store.ModelStore
	store.ScoreStore
	store.AudienceStore
}

// SourceMatcher matches a source against the identity graph.
type SourceMatcher interface {
	Match(ctx context.Context, src *model.Source) (*matcher.Report, []model.MatchedPerson, error)
}

// Locker grants exclusive per-job leases. Acquire fails when another holder
// owns the key.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(context.Context) error, err error)
}

// Deps are the collaborators of a Runner.
type Deps struct {
	Store     Store
	Graph     identity.Graph
	Matcher   SourceMatcher
	Trainer   *regress.Trainer
	Scorer    *streamscore.Scorer
	Finalizer *finalize.Finalizer
	// Fields are the significant fields per domain used when a job has no
	// override. Missing domains fall back to features.Defaults.
	Fields map[model.Domain]model.SignificantFields
	// Optional.
	Metrics *metrics.Metrics
	Locker  Locker
}

// Runner executes lookalike jobs.
type Runner struct {
	store     Store
	graph     identity.Graph
	matcher   SourceMatcher
	trainer   *regress.Trainer
	scorer    *streamscore.Scorer
	finalizer *finalize.Finalizer
	fields    map[model.Domain]model.SignificantFields
	metrics   *metrics.Metrics
	locker    Locker
}

// New creates a Runner.
func New(d Deps) *Runner {
	return &Runner{
		store:     d.Store,
		graph:     d.Graph,
		matcher:   d.Matcher,
		trainer:   d.Trainer,
		scorer:    d.Scorer,
		finalizer: d.Finalizer,
		fields:    d.Fields,
		metrics:   d.Metrics,
		locker:    d.Locker,
	}
}

// Run executes every remaining stage of a job, starting from its current
// status, and returns the final job record. A job-level error marks the job
// failed. Cancellation leaves the job where it stopped so a later Run
// resumes it.
func (r *Runner) Run(ctx context.Context, lookalikeID string) (*model.Lookalike, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "pipeline.run")
	defer span.End()
	span.SetAttributes(attribute.String("lookalike.id", lookalikeID))

	if r.locker != nil {
		release, err := r.locker.Acquire(ctx, "lookalike:"+lookalikeID)
		if err != nil {
			return nil, eris.Wrapf(err, "pipeline: lease %s", lookalikeID)
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				zap.L().Warn("pipeline: release lease", zap.String("lookalike_id", lookalikeID), zap.Error(err))
			}
		}()
	}

	for {
		lk, err := r.store.GetLookalike(ctx, lookalikeID)
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: get lookalike")
		}

		switch lk.Status {
		case model.LookalikeStatusPending, model.LookalikeStatusMatching:
			_, err = r.Match(ctx, lookalikeID)
		case model.LookalikeStatusTraining:
			err = r.Train(ctx, lookalikeID)
		case model.LookalikeStatusScoring:
			if _, err = r.Score(ctx, lookalikeID); err == nil {
				_, err = r.Finalize(ctx, lookalikeID)
			}
		case model.LookalikeStatusReady:
			return lk, nil
		case model.LookalikeStatusFailed:
			span.SetStatus(codes.Error, lk.FailureReason)
			return lk, eris.Wrapf(ErrJobFailed, "lookalike %s: %s", lk.ID, lk.FailureReason)
		default:
			return lk, eris.Wrapf(ErrWrongStatus, "lookalike %s has unknown status %q", lk.ID, lk.Status)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}
}

// Match runs the matching stage of a pending (or interrupted matching) job
// and moves it to training.
func (r *Runner) Match(ctx context.Context, lookalikeID string) (*matcher.Report, error) {
	var report *matcher.Report
	err := r.stage(ctx, StageMatch, lookalikeID, func(ctx context.Context, lk *model.Lookalike) error {
		switch lk.Status {
		case model.LookalikeStatusPending:
			if err := r.store.TransitionLookalike(ctx, lk.ID, model.LookalikeStatusPending, model.LookalikeStatusMatching, ""); err != nil {
				return err
			}
		case model.LookalikeStatusMatching:
		default:
			return eris.Wrapf(ErrWrongStatus, "lookalike %s is %s", lk.ID, lk.Status)
		}

		src, err := r.store.GetSource(ctx, lk.SourceID)
		if err != nil {
			return r.fail(ctx, lk.ID, model.LookalikeStatusMatching, eris.Wrap(err, "pipeline: get source"))
		}

		persons, rep, err := r.matchSource(ctx, src)
		report = rep
		if err != nil {
			return r.fail(ctx, lk.ID, model.LookalikeStatusMatching, err)
		}
		if len(persons) == 0 {
			return r.fail(ctx, lk.ID, model.LookalikeStatusMatching,
				eris.Wrapf(matcher.ErrInsufficientMatchedPersons, "source %s", src.ID))
		}
		return r.store.TransitionLookalike(ctx, lk.ID, model.LookalikeStatusMatching, model.LookalikeStatusTraining, "")
	})
	return report, err
}

// matchSource returns the matched persons of a source, matching it first
// when no earlier job has. A matched source is never rematched.
func (r *Runner) matchSource(ctx context.Context, src *model.Source) ([]model.MatchedPerson, *matcher.Report, error) {
	if !src.Matched() {
		report, persons, err := r.matcher.Match(ctx, src)
		if err != nil {
			return nil, report, err
		}
		err = r.store.ReplaceMatchedPersons(ctx, src.ID, persons)
		if err == nil {
			return persons, report, nil
		}
		if !errors.Is(err, store.ErrSourceMatched) {
			return nil, report, eris.Wrap(err, "pipeline: store matched persons")
		}
		// Another job matched the source first; its result wins.
	}

	persons, err := r.store.ListMatchedPersons(ctx, src.ID)
	if err != nil {
		return nil, nil, eris.Wrap(err, "pipeline: list matched persons")
	}
	return persons, nil, nil
}

// Train fits and stores the model of a training job and moves it to scoring.
func (r *Runner) Train(ctx context.Context, lookalikeID string) error {
	return r.stage(ctx, StageTrain, lookalikeID, func(ctx context.Context, lk *model.Lookalike) error {
		if lk.Status != model.LookalikeStatusTraining {
			return eris.Wrapf(ErrWrongStatus, "lookalike %s is %s", lk.ID, lk.Status)
		}

		if _, err := r.store.LoadModel(ctx, lk.ID); err == nil {
			// Saved by an interrupted run.
			return r.store.TransitionLookalike(ctx, lk.ID, model.LookalikeStatusTraining, model.LookalikeStatusScoring, "")
		} else if !errors.Is(err, store.ErrModelNotFound) {
			return eris.Wrap(err, "pipeline: load model")
		}

		blob, err := r.trainModel(ctx, lk)
		if err != nil {
			return r.fail(ctx, lk.ID, model.LookalikeStatusTraining, err)
		}
		if err := r.store.SaveModel(ctx, lk.ID, regress.FormatVersion, blob); err != nil && !errors.Is(err, store.ErrModelExists) {
			return r.fail(ctx, lk.ID, model.LookalikeStatusTraining, eris.Wrap(err, "pipeline: save model"))
		}
		return r.store.TransitionLookalike(ctx, lk.ID, model.LookalikeStatusTraining, model.LookalikeStatusScoring, "")
	})
}

// trainModel builds the training set from the source's matched persons and
// returns the encoded model.
func (r *Runner) trainModel(ctx context.Context, lk *model.Lookalike) ([]byte, error) {
	proj, err := r.projector(ctx, lk)
	if err != nil {
		return nil, err
	}

	persons, err := r.store.ListMatchedPersons(ctx, lk.SourceID)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list matched persons")
	}
	ids := make([]int64, 0, len(persons))
	for _, p := range persons {
		if p.ProfileID != nil {
			ids = append(ids, *p.ProfileID)
		}
	}

	var profiles []model.IdentityProfile
	if len(ids) > 0 {
		profiles, err = r.graph.Profiles(ctx, ids, proj.Columns())
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: fetch training profiles")
		}
	}
	byID := make(map[int64]*model.IdentityProfile, len(profiles))
	for i := range profiles {
		byID[profiles[i].ID] = &profiles[i]
	}

	var rows [][]string
	var targets []float64
	for _, p := range persons {
		if p.ProfileID == nil {
			continue
		}
		profile, ok := byID[*p.ProfileID]
		if !ok {
			continue
		}
		rows = append(rows, proj.Project(profile))
		targets = append(targets, p.ValueScore)
	}

	m, err := r.trainer.Train(proj.Columns(), rows, targets)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: train lookalike %s", lk.ID)
	}
	return regress.Encode(m)
}

// Score runs the stream scorer for a scoring job. The job stays in scoring.
func (r *Runner) Score(ctx context.Context, lookalikeID string) (*streamscore.Result, error) {
	var res *streamscore.Result
	err := r.stage(ctx, StageScore, lookalikeID, func(ctx context.Context, lk *model.Lookalike) error {
		if lk.Status != model.LookalikeStatusScoring {
			return eris.Wrapf(ErrWrongStatus, "lookalike %s is %s", lk.ID, lk.Status)
		}
		proj, err := r.projector(ctx, lk)
		if err != nil {
			return r.fail(ctx, lk.ID, model.LookalikeStatusScoring, err)
		}
		res, err = r.scorer.Score(ctx, lk.ID, proj)
		if err != nil {
			return r.fail(ctx, lk.ID, model.LookalikeStatusScoring, err)
		}
		return nil
	})
	return res, err
}

// Finalize stores the audience of a scored job and moves it to ready.
func (r *Runner) Finalize(ctx context.Context, lookalikeID string) (int, error) {
	var size int
	err := r.stage(ctx, StageFinalize, lookalikeID, func(ctx context.Context, lk *model.Lookalike) error {
		if lk.Status == model.LookalikeStatusReady {
			// Finalized by an earlier attempt.
			persons, err := r.store.ListLookalikePersons(ctx, lk.ID)
			if err != nil {
				return eris.Wrap(err, "pipeline: list audience")
			}
			size = len(persons)
			return nil
		}
		if lk.Status != model.LookalikeStatusScoring {
			return eris.Wrapf(ErrWrongStatus, "lookalike %s is %s", lk.ID, lk.Status)
		}
		var err error
		size, err = r.finalizer.Finalize(ctx, lk)
		if err != nil {
			return r.fail(ctx, lk.ID, model.LookalikeStatusScoring, err)
		}
		return nil
	})
	return size, err
}

// projector builds the job's column schema from its override or the
// domain defaults of its source.
func (r *Runner) projector(ctx context.Context, lk *model.Lookalike) (*features.Projector, error) {
	fields := lk.SignificantFields
	if len(fields) == 0 {
		src, err := r.store.GetSource(ctx, lk.SourceID)
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: get source")
		}
		fields = r.fields[src.Domain]
		if len(fields) == 0 {
			fields = features.Defaults(src.Domain)
		}
	}
	proj, err := features.NewProjector(fields)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: significant fields of %s", lk.ID)
	}
	return proj, nil
}

// stage loads the job and runs fn inside a span, with timing, metrics and
// logs.
func (r *Runner) stage(ctx context.Context, name, lookalikeID string, fn func(context.Context, *model.Lookalike) error) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "pipeline."+name)
	defer span.End()
	span.SetAttributes(attribute.String("lookalike.id", lookalikeID))

	log := zap.L().With(zap.String("lookalike_id", lookalikeID), zap.String("stage", name))
	start := time.Now()

	lk, err := r.store.GetLookalike(ctx, lookalikeID)
	if err == nil {
		err = fn(ctx, lk)
	} else {
		err = eris.Wrap(err, "pipeline: get lookalike")
	}

	d := time.Since(start)
	r.metrics.ObserveStage(name, err, d)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error("pipeline: stage failed", zap.Duration("duration", d), zap.Error(err))
		return err
	}
	log.Info("pipeline: stage complete", zap.Duration("duration", d))
	return nil
}

// fail marks the job failed with err as its reason and returns err.
// Cancellation and lost status races leave the job untouched.
func (r *Runner) fail(ctx context.Context, lookalikeID string, from model.LookalikeStatus, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, store.ErrInvalidTransition) {
		return err
	}
	if terr := r.store.TransitionLookalike(context.WithoutCancel(ctx), lookalikeID, from, model.LookalikeStatusFailed, err.Error()); terr != nil {
		zap.L().Error("pipeline: mark lookalike failed",
			zap.String("lookalike_id", lookalikeID),
			zap.NamedError("cause", err),
			zap.Error(terr),
		)
	}
	return err
}
