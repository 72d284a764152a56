package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/sells-group/lookalike/internal/finalize"
	"github.com/sells-group/lookalike/internal/identity"
	"github.com/sells-group/lookalike/internal/matcher"
	"github.com/sells-group/lookalike/internal/metrics"
	"github.com/sells-group/lookalike/internal/model"
	"github.com/sells-group/lookalike/internal/regress"
	"github.com/sells-group/lookalike/internal/resilience"
	"github.com/sells-group/lookalike/internal/store"
	"github.com/sells-group/lookalike/internal/streamscore"
	"github.com/sells-group/lookalike/internal/tracing"
	"github.com/sells-group/lookalike/internal/valuescore"
)

var testNow = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func sp(s string) *string { return &s }

type env struct {
	store   *store.SQLiteStore
	graph   *identity.SQLiteGraph
	metrics *metrics.Metrics
	runner  *Runner
}

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
}

func newEnv(t *testing.T, locker Locker) *env {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	st, err := store.NewSQLite(filepath.Join(dir, "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	graphDB, err := store.OpenSQLite(filepath.Join(dir, "graph.db"))
	require.NoError(t, err)
	t.Cleanup(func() { graphDB.Close() }) //nolint:errcheck
	graph := identity.NewSQLiteGraph(graphDB, "")
	require.NoError(t, graph.Migrate(ctx))

	genders := []string{"F", "M"}
	incomes := []string{"50k-75k", "100k+", ""}
	states := []string{"TX", "CA", "NY"}
	profiles := make([]model.IdentityProfile, 10)
	for i := range profiles {
		profiles[i] = model.IdentityProfile{
			ID:          int64(i + 1),
			Email:       fmt.Sprintf("p%d@example.com", i+1),
			Gender:      genders[i%2],
			IncomeRange: incomes[i%3],
			State:       states[i%3],
		}
	}
	_, err = graph.UpsertProfiles(ctx, profiles)
	require.NoError(t, err)

	met := metrics.New(prometheus.NewRegistry())
	runner := New(Deps{
		Store: st,
		Graph: graph,
		Matcher: matcher.New(graph, matcher.Config{
			Weights: valuescore.DefaultConsumerWeights(),
			Retry:   fastRetry(),
			Now:     func() time.Time { return testNow },
		}),
		Trainer: regress.NewTrainer(regress.DefaultTrainerConfig()),
		Scorer: streamscore.New(graph, st, streamscore.Config{
			BlockSize:   3,
			Concurrency: 2,
			Retry:       fastRetry(),
		}, met),
		Finalizer: finalize.New(st, finalize.Tiers{Small: 2, Medium: 4, Large: 8}, fastRetry()),
		Metrics:   met,
		Locker:    locker,
	})
	return &env{store: st, graph: graph, metrics: met, runner: runner}
}

func (e *env) createJob(t *testing.T, rows []model.SourceRow, fields model.SignificantFields) *model.Lookalike {
	t.Helper()
	ctx := context.Background()
	src, err := e.store.CreateSource(ctx, "owner-1", model.DomainConsumer, rows)
	require.NoError(t, err)
	lk, err := e.store.CreateLookalike(ctx, src.ID, model.SizeTierSmall, fields)
	require.NoError(t, err)
	return lk
}

func threeRows() []model.SourceRow {
	return []model.SourceRow{
		{Email: "P1@example.com", OrderAmount: sp("100"), OrderCount: sp("1"), OrderDate: sp("2026-02-20")},
		{Email: "p2@example.com", OrderAmount: sp("20"), OrderCount: sp("2"), OrderDate: sp("2025-01-01")},
		{Email: "nobody@example.com", OrderAmount: sp("5")},
	}
}

func TestRun_EndToEnd(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	lk := e.createJob(t, threeRows(), nil)

	got, err := e.runner.Run(ctx, lk.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LookalikeStatusReady, got.Status)

	persons, err := e.store.ListLookalikePersons(ctx, lk.ID)
	require.NoError(t, err)
	require.Len(t, persons, 2)
	for i, p := range persons {
		assert.Equal(t, i+1, p.Rank)
		assert.NotEqual(t, int64(1), p.ProfileID)
		assert.NotEqual(t, int64(2), p.ProfileID)
		assert.GreaterOrEqual(t, p.Score, 0.0)
		assert.LessOrEqual(t, p.Score, 1.0)
	}
	assert.GreaterOrEqual(t, persons[0].Score, persons[1].Score)

	matched, err := e.store.ListMatchedPersons(ctx, lk.SourceID)
	require.NoError(t, err)
	assert.Len(t, matched, 2)

	n, err := e.store.CountScores(ctx, lk.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)

	for _, stage := range []string{StageMatch, StageTrain, StageScore, StageFinalize} {
		assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.Stages.WithLabelValues(stage, "ok")), stage)
	}

	// Running a ready job is a no-op.
	again, err := e.runner.Run(ctx, lk.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LookalikeStatusReady, again.Status)

	// A repeated finalize reports the stored audience.
	size, err := e.runner.Finalize(ctx, lk.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, size)
}

func TestRun_RecordsStageSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(tracing.NewProvider(tracing.Config{SampleRatio: 1}, sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(noop.NewTracerProvider()) })

	e := newEnv(t, nil)
	ctx := context.Background()
	lk := e.createJob(t, threeRows(), nil)

	_, err := e.runner.Run(ctx, lk.ID)
	require.NoError(t, err)

	byName := map[string]sdktrace.ReadOnlySpan{}
	for _, span := range rec.Ended() {
		byName[span.Name()] = span
	}
	root, ok := byName["pipeline.run"]
	require.True(t, ok)
	for _, stage := range []string{StageMatch, StageTrain, StageScore, StageFinalize} {
		span, ok := byName["pipeline."+stage]
		require.True(t, ok, stage)
		assert.Equal(t, root.SpanContext().SpanID(), span.Parent().SpanID(), stage)
		assert.Equal(t, codes.Unset, span.Status().Code, stage)
	}

	var id string
	for _, kv := range root.Attributes() {
		if kv.Key == "lookalike.id" {
			id = kv.Value.AsString()
		}
	}
	assert.Equal(t, lk.ID, id)
}

func TestRun_ResumesFromTraining(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	lk := e.createJob(t, threeRows(), model.SignificantFields{"demographic": {"gender", "income_range"}})

	report, err := e.runner.Match(ctx, lk.ID)
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Equal(t, 2, report.Matched)
	assert.InDelta(t, 2.0/3.0, report.MatchRate, 1e-9)

	got, err := e.store.GetLookalike(ctx, lk.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LookalikeStatusTraining, got.Status)

	got, err = e.runner.Run(ctx, lk.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LookalikeStatusReady, got.Status)
}

func TestTrain_ReusesSavedModel(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	lk := e.createJob(t, threeRows(), nil)

	_, err := e.runner.Match(ctx, lk.ID)
	require.NoError(t, err)
	require.NoError(t, e.store.SaveModel(ctx, lk.ID, regress.FormatVersion, []byte(`{"format_version":1,"columns":[],"effects":[]}`)))

	require.NoError(t, e.runner.Train(ctx, lk.ID))
	stored, err := e.store.LoadModel(ctx, lk.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"format_version":1,"columns":[],"effects":[]}`, string(stored.Blob))

	got, err := e.store.GetLookalike(ctx, lk.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LookalikeStatusScoring, got.Status)
}

func TestRun_NoMatchesFails(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	lk := e.createJob(t, []model.SourceRow{{Email: "nobody@example.com"}}, nil)

	_, err := e.runner.Run(ctx, lk.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, matcher.ErrInsufficientMatchedPersons))

	got, err := e.store.GetLookalike(ctx, lk.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LookalikeStatusFailed, got.Status)
	assert.Contains(t, got.FailureReason, "insufficient matched persons")

	// A failed job is reported, not retried.
	_, err = e.runner.Run(ctx, lk.ID)
	assert.True(t, errors.Is(err, ErrJobFailed))
}

func TestRun_EqualTargetsFails(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	// No order signal at all: every value score is 0.
	lk := e.createJob(t, []model.SourceRow{{Email: "p1@example.com"}, {Email: "p2@example.com"}}, nil)

	_, err := e.runner.Run(ctx, lk.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, regress.ErrEqualTrainTargets))

	got, err := e.store.GetLookalike(ctx, lk.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LookalikeStatusFailed, got.Status)
	assert.Contains(t, got.FailureReason, "all train targets are equal")

	_, err = e.store.LoadModel(ctx, lk.ID)
	assert.True(t, errors.Is(err, store.ErrModelNotFound))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.Stages.WithLabelValues(StageTrain, "error")))
}

func TestStages_WrongStatus(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	lk := e.createJob(t, threeRows(), nil)

	assert.True(t, errors.Is(e.runner.Train(ctx, lk.ID), ErrWrongStatus))
	_, err := e.runner.Score(ctx, lk.ID)
	assert.True(t, errors.Is(err, ErrWrongStatus))
	_, err = e.runner.Finalize(ctx, lk.ID)
	assert.True(t, errors.Is(err, ErrWrongStatus))

	got, err := e.store.GetLookalike(ctx, lk.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LookalikeStatusPending, got.Status)
}

func TestRun_SharedSourceMatchedOnce(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	first := e.createJob(t, threeRows(), nil)
	second, err := e.store.CreateLookalike(ctx, first.SourceID, model.SizeTierMedium, nil)
	require.NoError(t, err)

	_, err = e.runner.Run(ctx, first.ID)
	require.NoError(t, err)

	report, err := e.runner.Match(ctx, second.ID)
	require.NoError(t, err)
	assert.Nil(t, report)

	got, err := e.runner.Run(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LookalikeStatusReady, got.Status)

	persons, err := e.store.ListLookalikePersons(ctx, second.ID)
	require.NoError(t, err)
	assert.Len(t, persons, 4)
}

type fakeLocker struct {
	held     map[string]bool
	released []string
}

var errHeld = errors.New("lease held")

func (l *fakeLocker) Acquire(_ context.Context, key string) (func(context.Context) error, error) {
	if l.held[key] {
		return nil, errHeld
	}
	l.held[key] = true
	return func(context.Context) error {
		delete(l.held, key)
		l.released = append(l.released, key)
		return nil
	}, nil
}

func TestRun_Lease(t *testing.T) {
	locker := &fakeLocker{held: map[string]bool{}}
	e := newEnv(t, locker)
	ctx := context.Background()
	lk := e.createJob(t, threeRows(), nil)

	locker.held["lookalike:"+lk.ID] = true
	_, err := e.runner.Run(ctx, lk.ID)
	assert.True(t, errors.Is(err, errHeld))

	got, err := e.store.GetLookalike(ctx, lk.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LookalikeStatusPending, got.Status)

	delete(locker.held, "lookalike:"+lk.ID)
	_, err = e.runner.Run(ctx, lk.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"lookalike:" + lk.ID}, locker.released)
}

func TestRun_CancelledLeavesStatus(t *testing.T) {
	e := newEnv(t, nil)
	lk := e.createJob(t, threeRows(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.runner.Run(ctx, lk.ID)
	require.Error(t, err)

	got, err := e.store.GetLookalike(context.Background(), lk.ID)
	require.NoError(t, err)
	assert.NotEqual(t, model.LookalikeStatusFailed, got.Status)
}
