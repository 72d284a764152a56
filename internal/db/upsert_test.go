package db

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBulkUpsert_EmptyRows(t *testing.T) {
	n, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:        "lookalike_scores",
		Columns:      []string{"lookalike_id", "profile_id", "score"},
		ConflictKeys: []string{"lookalike_id", "profile_id"},
	}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestBulkUpsert_NoColumns(t *testing.T) {
	_, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:        "lookalike_scores",
		ConflictKeys: []string{"lookalike_id"},
	}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")
}

func TestBulkUpsert_NoConflictKeys(t *testing.T) {
	_, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:   "lookalike_scores",
		Columns: []string{"lookalike_id", "profile_id"},
	}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestBulkUpsert_DoNothing(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer mock.Close()

	cols := []string{"lookalike_id", "profile_id", "score"}
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_lookalike_scores"`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_lookalike_scores"}, cols).WillReturnResult(2)
	mock.ExpectExec(`ON CONFLICT \("lookalike_id", "profile_id"\) DO NOTHING`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	n, err := BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "lookalike_scores",
		Columns:      cols,
		ConflictKeys: []string{"lookalike_id", "profile_id"},
		DoNothing:    true,
	}, [][]any{{"lk", int64(1), 0.5}, {"lk", int64(2), 0.7}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertSQL(t *testing.T) {
	cfg := UpsertConfig{
		Table:        "graph.identity_profiles",
		Columns:      []string{"id", "email"},
		ConflictKeys: []string{"id"},
	}
	got := upsertSQL(cfg, "_tmp")
	assert.Equal(t,
		`INSERT INTO "graph"."identity_profiles" ("id", "email") SELECT "id", "email" FROM "_tmp" ON CONFLICT ("id") DO UPDATE SET "email" = EXCLUDED."email"`,
		got)

	cfg.Columns = []string{"id"}
	assert.Contains(t, upsertSQL(cfg, "_tmp"), "DO NOTHING")
}

func TestIdentifier(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"simple", `"simple"`},
		{"graph.identity_profiles", `"graph"."identity_profiles"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, identifier(tt.input).Sanitize())
		})
	}
}

func TestQuoteAndJoin(t *testing.T) {
	assert.Equal(t, `"id", "name", "value"`, quoteAndJoin([]string{"id", "name", "value"}))
}
