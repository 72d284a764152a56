package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lookalike/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_CreateSource(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO sources`).
		WithArgs(pgxmock.AnyArg(), "owner-1", "business", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	src, err := s.CreateSource(context.Background(), "owner-1", model.DomainBusiness, []model.SourceRow{{Email: "a@x.com"}})
	require.NoError(t, err)
	assert.NotEmpty(t, src.ID)
	assert.Nil(t, src.MatchedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetSource_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, owner, domain, rows, created_at, matched_at FROM sources WHERE id = \$1`).
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetSource(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReplaceMatchedPersons(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	pid := int64(7)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE sources SET matched_at = \$1 WHERE id = \$2 AND matched_at IS NULL`).
		WithArgs(pgxmock.AnyArg(), "src-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`DELETE FROM matched_persons WHERE source_id = \$1`).
		WithArgs("src-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"matched_persons"}, matchedPersonColumns).WillReturnResult(1)
	mock.ExpectCommit()

	err := s.ReplaceMatchedPersons(context.Background(), "src-1", []model.MatchedPerson{
		{Email: "a@x.com", ProfileID: &pid, ValueScore: 0.5},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReplaceMatchedPersons_AlreadyMatched(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE sources SET matched_at`).
		WithArgs(pgxmock.AnyArg(), "src-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err := s.ReplaceMatchedPersons(context.Background(), "src-1", nil)
	assert.True(t, errors.Is(err, ErrSourceMatched))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetLookalike(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT id, source_id, size_tier, status, failure_reason, significant_fields, created_at, updated_at FROM lookalikes WHERE id = \$1`).
		WithArgs("lk-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "source_id", "size_tier", "status", "failure_reason", "significant_fields", "created_at", "updated_at"}).
			AddRow("lk-1", "src-1", model.SizeTierMedium, model.LookalikeStatusScoring, "", []byte(`{"geo":["state"]}`), now, now))

	lk, err := s.GetLookalike(context.Background(), "lk-1")
	require.NoError(t, err)
	assert.Equal(t, model.LookalikeStatusScoring, lk.Status)
	assert.Equal(t, model.SignificantFields{"geo": {"state"}}, lk.SignificantFields)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TransitionLookalike(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE lookalikes SET status = \$1, failure_reason = \$2, updated_at = \$3\s+WHERE id = \$4 AND status = \$5\s+AND \(\$1::text <> 'scoring' OR EXISTS`).
		WithArgs("failed", "boom", pgxmock.AnyArg(), "lk-1", "training").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.TransitionLookalike(context.Background(), "lk-1", model.LookalikeStatusTraining, model.LookalikeStatusFailed, "boom")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TransitionLookalike_NotApplied(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE lookalikes SET status`).
		WithArgs("scoring", "", pgxmock.AnyArg(), "lk-1", "training").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.TransitionLookalike(context.Background(), "lk-1", model.LookalikeStatusTraining, model.LookalikeStatusScoring, "")
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TransitionLookalike_Illegal(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	err := s.TransitionLookalike(context.Background(), "lk-1", model.LookalikeStatusPending, model.LookalikeStatusReady, "")
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveModel_Exists(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`(?s)INSERT INTO lookalike_models .* ON CONFLICT \(lookalike_id\) DO NOTHING`).
		WithArgs("lk-1", 1, []byte("blob"), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	err := s.SaveModel(context.Background(), "lk-1", 1, []byte("blob"))
	assert.True(t, errors.Is(err, ErrModelExists))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadModel_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT lookalike_id, version, blob, created_at FROM lookalike_models`).
		WithArgs("lk-1").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.LoadModel(context.Background(), "lk-1")
	assert.True(t, errors.Is(err, ErrModelNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendScores(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_lookalike_scores"`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_lookalike_scores"}, scoreUpsert.Columns).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "lookalike_scores" .* DO NOTHING`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := s.AppendScores(context.Background(), "lk-1", []model.LookalikeScore{
		{ProfileID: 1, Score: 0.2},
		{ProfileID: 2, Score: 0.4},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetCheckpoint_None(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM scoring_checkpoints WHERE lookalike_id = \$1`).
		WithArgs("lk-1").
		WillReturnError(pgx.ErrNoRows)

	cp, err := s.GetCheckpoint(context.Background(), "lk-1")
	require.NoError(t, err)
	assert.Nil(t, cp)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveCheckpoint(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`(?s)INSERT INTO scoring_checkpoints .* WHERE scoring_checkpoints.last_profile_id <= EXCLUDED.last_profile_id`).
		WithArgs("lk-1", int64(500), int64(1), int64(500), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.SaveCheckpoint(context.Background(), model.Checkpoint{LookalikeID: "lk-1", LastProfileID: 500, BlocksDone: 1, ProfilesScored: 500})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FinalizeTopN(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE lookalikes SET status = \$1, updated_at = \$2 WHERE id = \$3 AND status = \$4 RETURNING source_id`).
		WithArgs("ready", pgxmock.AnyArg(), "lk-1", "scoring").
		WillReturnRows(pgxmock.NewRows([]string{"source_id"}).AddRow("src-1"))
	mock.ExpectExec(`DELETE FROM lookalike_persons WHERE lookalike_id = \$1`).
		WithArgs("lk-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(`(?s)INSERT INTO lookalike_persons .* ORDER BY s.score DESC, s.profile_id ASC\s+LIMIT \$3`).
		WithArgs("lk-1", "src-1", 1000).
		WillReturnResult(pgxmock.NewResult("INSERT", 812))
	mock.ExpectCommit()

	n, err := s.FinalizeTopN(context.Background(), "lk-1", 1000)
	require.NoError(t, err)
	assert.Equal(t, 812, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FinalizeTopN_NotScoring(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE lookalikes SET status`).
		WithArgs("ready", pgxmock.AnyArg(), "lk-1", "scoring").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err := s.FinalizeTopN(context.Background(), "lk-1", 10)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`SELECT pg_advisory_lock`).WithArgs(migrationLockID).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_migrations`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectQuery(`SELECT filename FROM schema_migrations`).
		WillReturnRows(pgxmock.NewRows([]string{"filename"}).AddRow("001_lookalike.sql"))
	mock.ExpectExec(`SELECT pg_advisory_unlock`).WithArgs(migrationLockID).WillReturnResult(pgxmock.NewResult("SELECT", 1))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate_AppliesPending(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`SELECT pg_advisory_lock`).WithArgs(migrationLockID).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_migrations`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectQuery(`SELECT filename FROM schema_migrations`).
		WillReturnRows(pgxmock.NewRows([]string{"filename"}))
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS sources`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectExec(`INSERT INTO schema_migrations`).WithArgs("001_lookalike.sql").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	mock.ExpectExec(`SELECT pg_advisory_unlock`).WithArgs(migrationLockID).WillReturnResult(pgxmock.NewResult("SELECT", 1))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
