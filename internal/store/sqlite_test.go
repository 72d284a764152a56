package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lookalike/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func strPtr(s string) *string { return &s }
func i64Ptr(v int64) *int64  { return &v }

func seedLookalike(t *testing.T, st *SQLiteStore) (*model.Source, *model.Lookalike) {
	t.Helper()
	ctx := context.Background()
	src, err := st.CreateSource(ctx, "owner-1", model.DomainConsumer, []model.SourceRow{
		{Email: "a@example.com", OrderAmount: strPtr("100"), OrderCount: strPtr("2")},
		{Email: "b@example.com"},
	})
	require.NoError(t, err)
	lk, err := st.CreateLookalike(ctx, src.ID, model.SizeTierSmall, model.SignificantFields{"demographic": {"gender"}})
	require.NoError(t, err)
	return src, lk
}

func advance(t *testing.T, st *SQLiteStore, id string, path ...model.LookalikeStatus) {
	t.Helper()
	for i := 1; i < len(path); i++ {
		require.NoError(t, st.TransitionLookalike(context.Background(), id, path[i-1], path[i], ""))
	}
}

// --- Sources ---

func TestSQLite_Source_CreateAndGet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	src, _ := seedLookalike(t, st)
	got, err := st.GetSource(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, "owner-1", got.Owner)
	assert.Equal(t, model.DomainConsumer, got.Domain)
	require.Len(t, got.Rows, 2)
	assert.Equal(t, "100", *got.Rows[0].OrderAmount)
	assert.Nil(t, got.Rows[1].OrderDate)
	assert.False(t, got.Matched())
}

func TestSQLite_Source_InvalidDomain(t *testing.T) {
	st := newTestSQLiteStore(t)
	_, err := st.CreateSource(context.Background(), "o", model.Domain("retail"), nil)
	assert.Error(t, err)
}

func TestSQLite_Source_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)
	_, err := st.GetSource(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_ReplaceMatchedPersons(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	src, _ := seedLookalike(t, st)

	recency := 3.0
	persons := []model.MatchedPerson{
		{Email: "b@example.com", ProfileID: i64Ptr(2), Monetary: 0, ValueScore: 0.1},
		{Email: "a@example.com", ProfileID: i64Ptr(1), RecencyDays: &recency, Monetary: 50, OrderCount: 2, ValueScore: 0.9},
	}
	require.NoError(t, st.ReplaceMatchedPersons(ctx, src.ID, persons))

	got, err := st.ListMatchedPersons(ctx, src.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a@example.com", got[0].Email)
	assert.Equal(t, int64(1), *got[0].ProfileID)
	assert.Equal(t, 3.0, *got[0].RecencyDays)
	assert.Nil(t, got[1].RecencyDays)
	assert.Equal(t, src.ID, got[0].SourceID)

	matched, err := st.GetSource(ctx, src.ID)
	require.NoError(t, err)
	assert.True(t, matched.Matched())

	// A matched source is immutable.
	err = st.ReplaceMatchedPersons(ctx, src.ID, persons[:1])
	assert.True(t, errors.Is(err, ErrSourceMatched))
	got, err = st.ListMatchedPersons(ctx, src.ID)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

// --- Lookalikes ---

func TestSQLite_Lookalike_CreateAndGet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	src, lk := seedLookalike(t, st)

	got, err := st.GetLookalike(ctx, lk.ID)
	require.NoError(t, err)
	assert.Equal(t, src.ID, got.SourceID)
	assert.Equal(t, model.SizeTierSmall, got.SizeTier)
	assert.Equal(t, model.LookalikeStatusPending, got.Status)
	assert.Equal(t, model.SignificantFields{"demographic": {"gender"}}, got.SignificantFields)

	_, err = st.GetLookalike(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = st.CreateLookalike(ctx, src.ID, model.SizeTier("huge"), nil)
	assert.Error(t, err)
}

func TestSQLite_ListLookalikes(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	src, lk := seedLookalike(t, st)
	_, err := st.CreateLookalike(ctx, src.ID, model.SizeTierLarge, nil)
	require.NoError(t, err)
	advance(t, st, lk.ID, model.LookalikeStatusPending, model.LookalikeStatusMatching)

	all, err := st.ListLookalikes(ctx, LookalikeFilter{SourceID: src.ID})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	matching, err := st.ListLookalikes(ctx, LookalikeFilter{Status: model.LookalikeStatusMatching})
	require.NoError(t, err)
	require.Len(t, matching, 1)
	assert.Equal(t, lk.ID, matching[0].ID)

	limited, err := st.ListLookalikes(ctx, LookalikeFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSQLite_TransitionLookalike(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	_, lk := seedLookalike(t, st)

	// Skipping a state is rejected.
	err := st.TransitionLookalike(ctx, lk.ID, model.LookalikeStatusPending, model.LookalikeStatusTraining, "")
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	// Stale from status is rejected.
	err = st.TransitionLookalike(ctx, lk.ID, model.LookalikeStatusMatching, model.LookalikeStatusTraining, "")
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	advance(t, st, lk.ID, model.LookalikeStatusPending, model.LookalikeStatusMatching, model.LookalikeStatusTraining)

	// Scoring requires a stored model.
	err = st.TransitionLookalike(ctx, lk.ID, model.LookalikeStatusTraining, model.LookalikeStatusScoring, "")
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	require.NoError(t, st.SaveModel(ctx, lk.ID, 1, []byte(`{}`)))
	require.NoError(t, st.TransitionLookalike(ctx, lk.ID, model.LookalikeStatusTraining, model.LookalikeStatusScoring, "ignored"))

	got, err := st.GetLookalike(ctx, lk.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LookalikeStatusScoring, got.Status)
	assert.Empty(t, got.FailureReason)
}

func TestSQLite_TransitionLookalike_Failed(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	_, lk := seedLookalike(t, st)

	advance(t, st, lk.ID, model.LookalikeStatusPending, model.LookalikeStatusMatching)
	require.NoError(t, st.TransitionLookalike(ctx, lk.ID, model.LookalikeStatusMatching, model.LookalikeStatusFailed, "no matches"))

	got, err := st.GetLookalike(ctx, lk.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LookalikeStatusFailed, got.Status)
	assert.Equal(t, "no matches", got.FailureReason)

	// Failed is terminal.
	err = st.TransitionLookalike(ctx, lk.ID, model.LookalikeStatusFailed, model.LookalikeStatusMatching, "")
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

// --- Models ---

func TestSQLite_Model(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	_, lk := seedLookalike(t, st)

	_, err := st.LoadModel(ctx, lk.ID)
	assert.True(t, errors.Is(err, ErrModelNotFound))

	require.NoError(t, st.SaveModel(ctx, lk.ID, 1, []byte("blob-1")))
	err = st.SaveModel(ctx, lk.ID, 1, []byte("blob-2"))
	assert.True(t, errors.Is(err, ErrModelExists))

	m, err := st.LoadModel(ctx, lk.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Version)
	assert.Equal(t, []byte("blob-1"), m.Blob)
}

// --- Scores ---

func TestSQLite_AppendScores_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	_, lk := seedLookalike(t, st)

	block := []model.LookalikeScore{
		{ProfileID: 1, Score: 0.5},
		{ProfileID: 2, Score: 0.7},
	}
	n, err := st.AppendScores(ctx, lk.ID, block)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// Replaying a block keeps the first values.
	n, err = st.AppendScores(ctx, lk.ID, []model.LookalikeScore{{ProfileID: 2, Score: 0.1}, {ProfileID: 3, Score: 0.2}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	count, err := st.CountScores(ctx, lk.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	n, err = st.AppendScores(ctx, lk.ID, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSQLite_AppendScores_Atomic(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	_, lk := seedLookalike(t, st)

	// The out-of-range score violates the CHECK constraint and aborts the block.
	_, err := st.AppendScores(ctx, lk.ID, []model.LookalikeScore{
		{ProfileID: 1, Score: 0.5},
		{ProfileID: 2, Score: 1.5},
	})
	require.Error(t, err)

	count, err := st.CountScores(ctx, lk.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSQLite_Checkpoint(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	_, lk := seedLookalike(t, st)

	cp, err := st.GetCheckpoint(ctx, lk.ID)
	require.NoError(t, err)
	assert.Nil(t, cp)

	require.NoError(t, st.SaveCheckpoint(ctx, model.Checkpoint{LookalikeID: lk.ID, LastProfileID: 50, BlocksDone: 1, ProfilesScored: 50}))
	require.NoError(t, st.SaveCheckpoint(ctx, model.Checkpoint{LookalikeID: lk.ID, LastProfileID: 100, BlocksDone: 2, ProfilesScored: 100}))
	// Never moves backwards.
	require.NoError(t, st.SaveCheckpoint(ctx, model.Checkpoint{LookalikeID: lk.ID, LastProfileID: 10, BlocksDone: 9, ProfilesScored: 10}))

	cp, err = st.GetCheckpoint(ctx, lk.ID)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, int64(100), cp.LastProfileID)
	assert.Equal(t, int64(2), cp.BlocksDone)
	assert.False(t, cp.UpdatedAt.IsZero())
}

// --- Audience ---

func TestSQLite_FinalizeTopN(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	src, lk := seedLookalike(t, st)

	require.NoError(t, st.ReplaceMatchedPersons(ctx, src.ID, []model.MatchedPerson{
		{Email: "a@example.com", ProfileID: i64Ptr(1), ValueScore: 1},
		{Email: "b@example.com", ProfileID: i64Ptr(2), ValueScore: 0},
	}))
	advance(t, st, lk.ID, model.LookalikeStatusPending, model.LookalikeStatusMatching, model.LookalikeStatusTraining)
	require.NoError(t, st.SaveModel(ctx, lk.ID, 1, []byte("m")))
	advance(t, st, lk.ID, model.LookalikeStatusTraining, model.LookalikeStatusScoring)

	_, err := st.ListLookalikePersons(ctx, lk.ID)
	assert.True(t, errors.Is(err, ErrNotReady))

	_, err = st.AppendScores(ctx, lk.ID, []model.LookalikeScore{
		{ProfileID: 1, Score: 0.99}, // matched, excluded
		{ProfileID: 2, Score: 0.95}, // matched, excluded
		{ProfileID: 5, Score: 0.8},
		{ProfileID: 3, Score: 0.8}, // tie broken by profile id
		{ProfileID: 4, Score: 0.9},
		{ProfileID: 6, Score: 0.1},
	})
	require.NoError(t, err)

	n, err := st.FinalizeTopN(ctx, lk.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	persons, err := st.ListLookalikePersons(ctx, lk.ID)
	require.NoError(t, err)
	require.Len(t, persons, 3)
	assert.Equal(t, []int64{4, 3, 5}, []int64{persons[0].ProfileID, persons[1].ProfileID, persons[2].ProfileID})
	for i, p := range persons {
		assert.Equal(t, i+1, p.Rank)
	}

	got, err := st.GetLookalike(ctx, lk.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LookalikeStatusReady, got.Status)

	// Finalizing twice is rejected.
	_, err = st.FinalizeTopN(ctx, lk.ID, 3)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestSQLite_FinalizeTopN_FewerThanN(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	_, lk := seedLookalike(t, st)

	advance(t, st, lk.ID, model.LookalikeStatusPending, model.LookalikeStatusMatching, model.LookalikeStatusTraining)
	require.NoError(t, st.SaveModel(ctx, lk.ID, 1, []byte("m")))
	advance(t, st, lk.ID, model.LookalikeStatusTraining, model.LookalikeStatusScoring)

	_, err := st.AppendScores(ctx, lk.ID, []model.LookalikeScore{{ProfileID: 9, Score: 0.4}})
	require.NoError(t, err)

	n, err := st.FinalizeTopN(ctx, lk.ID, 1000)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLite_FinalizeTopN_NotScoring(t *testing.T) {
	st := newTestSQLiteStore(t)
	_, lk := seedLookalike(t, st)

	_, err := st.FinalizeTopN(context.Background(), lk.ID, 10)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestSQLite_Ping(t *testing.T) {
	st := newTestSQLiteStore(t)
	assert.NoError(t, st.Ping(context.Background()))
}
