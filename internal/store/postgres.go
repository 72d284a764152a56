package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lookalike/internal/db"
	"github.com/sells-group/lookalike/internal/model"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// migrationLockID keys the advisory lock held while migrating.
const migrationLockID = 7315002

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// NewPostgres creates a PostgresStore with its own connection pool.
func NewPostgres(ctx context.Context, dsn string, poolCfg db.PoolConfig) (*PostgresStore, error) {
	pool, err := db.Open(ctx, dsn, poolCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: open")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. Close does not close it.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

// Migrate applies the embedded migrations not yet recorded in
// schema_migrations, in file name order.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "store.migrate"))

	if _, err := s.pool.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return eris.Wrap(err, "postgres: acquire migration lock")
	}
	defer func() {
		if _, err := s.pool.Exec(ctx, "SELECT pg_advisory_unlock($1)", migrationLockID); err != nil {
			log.Warn("postgres: release migration lock", zap.Error(err))
		}
	}()

	if _, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename   TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return eris.Wrap(err, "postgres: ensure migration table")
	}

	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return eris.Wrap(err, "postgres: read migration dir")
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	applied, err := s.appliedMigrations(ctx)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		name := entry.Name()
		if applied[name] {
			continue
		}
		data, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return eris.Wrapf(err, "postgres: read migration %s", name)
		}
		err = db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(data)); err != nil {
				return eris.Wrapf(err, "postgres: apply migration %s", name)
			}
			_, err := tx.Exec(ctx, "INSERT INTO schema_migrations (filename) VALUES ($1)", name)
			return eris.Wrapf(err, "postgres: record migration %s", name)
		})
		if err != nil {
			return err
		}
		log.Info("migration applied", zap.String("file", name))
	}
	return nil
}

func (s *PostgresStore) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, "SELECT filename FROM schema_migrations")
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query applied migrations")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "postgres: scan migration row")
		}
		applied[name] = true
	}
	return applied, eris.Wrap(rows.Err(), "postgres: iterate migrations")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Sources ---

func (s *PostgresStore) CreateSource(ctx context.Context, owner string, domain model.Domain, rows []model.SourceRow) (*model.Source, error) {
	if !domain.Valid() {
		return nil, eris.Errorf("postgres: invalid domain %q", domain)
	}
	rowsJSON, err := json.Marshal(rows)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal source rows")
	}

	src := &model.Source{
		ID:        uuid.New().String(),
		Owner:     owner,
		Domain:    domain,
		Rows:      rows,
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO sources (id, owner, domain, rows, created_at) VALUES ($1, $2, $3, $4, $5)`,
		src.ID, src.Owner, string(src.Domain), rowsJSON, src.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert source")
	}
	return src, nil
}

func (s *PostgresStore) GetSource(ctx context.Context, id string) (*model.Source, error) {
	var src model.Source
	var rowsJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, owner, domain, rows, created_at, matched_at FROM sources WHERE id = $1`,
		id,
	).Scan(&src.ID, &src.Owner, &src.Domain, &rowsJSON, &src.CreatedAt, &src.MatchedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "source %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get source %s", id)
	}
	if err := json.Unmarshal(rowsJSON, &src.Rows); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal source rows")
	}
	return &src, nil
}

var matchedPersonColumns = []string{
	"source_id", "email", "profile_id", "recency_days", "monetary", "order_count", "value_score",
}

func (s *PostgresStore) ReplaceMatchedPersons(ctx context.Context, sourceID string, persons []model.MatchedPerson) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE sources SET matched_at = $1 WHERE id = $2 AND matched_at IS NULL`,
			time.Now().UTC(), sourceID,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: mark source %s matched", sourceID)
		}
		if tag.RowsAffected() == 0 {
			return eris.Wrapf(ErrSourceMatched, "source %s", sourceID)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM matched_persons WHERE source_id = $1`, sourceID); err != nil {
			return eris.Wrapf(err, "postgres: clear matched persons %s", sourceID)
		}

		rows := make([][]any, len(persons))
		for i, p := range persons {
			rows[i] = []any{sourceID, p.Email, p.ProfileID, p.RecencyDays, p.Monetary, p.OrderCount, p.ValueScore}
		}
		_, err = db.CopyFrom(ctx, tx, "matched_persons", matchedPersonColumns, rows)
		return err
	})
}

func (s *PostgresStore) ListMatchedPersons(ctx context.Context, sourceID string) ([]model.MatchedPerson, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT source_id, email, profile_id, recency_days, monetary, order_count, value_score
		 FROM matched_persons WHERE source_id = $1 ORDER BY email`,
		sourceID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list matched persons %s", sourceID)
	}
	defer rows.Close()

	var out []model.MatchedPerson
	for rows.Next() {
		var p model.MatchedPerson
		if err := rows.Scan(&p.SourceID, &p.Email, &p.ProfileID, &p.RecencyDays, &p.Monetary, &p.OrderCount, &p.ValueScore); err != nil {
			return nil, eris.Wrap(err, "postgres: scan matched person")
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate matched persons")
}

// --- Lookalikes ---

const lookalikeColumns = `id, source_id, size_tier, status, failure_reason, significant_fields, created_at, updated_at`

func (s *PostgresStore) CreateLookalike(ctx context.Context, sourceID string, tier model.SizeTier, fields model.SignificantFields) (*model.Lookalike, error) {
	if !tier.Valid() {
		return nil, eris.Errorf("postgres: invalid size tier %q", tier)
	}
	var fieldsJSON []byte
	if fields != nil {
		var err error
		if fieldsJSON, err = json.Marshal(fields); err != nil {
			return nil, eris.Wrap(err, "postgres: marshal significant fields")
		}
	}

	now := time.Now().UTC()
	lk := &model.Lookalike{
		ID:                uuid.New().String(),
		SourceID:          sourceID,
		SizeTier:          tier,
		Status:            model.LookalikeStatusPending,
		SignificantFields: fields,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO lookalikes (id, source_id, size_tier, status, significant_fields, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		lk.ID, lk.SourceID, string(lk.SizeTier), string(lk.Status), fieldsJSON, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert lookalike")
	}
	return lk, nil
}

func (s *PostgresStore) GetLookalike(ctx context.Context, id string) (*model.Lookalike, error) {
	lk, err := scanLookalike(s.pool.QueryRow(ctx,
		`SELECT `+lookalikeColumns+` FROM lookalikes WHERE id = $1`, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "lookalike %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get lookalike %s", id)
	}
	return lk, nil
}

func (s *PostgresStore) ListLookalikes(ctx context.Context, filter LookalikeFilter) ([]model.Lookalike, error) {
	query := `SELECT ` + lookalikeColumns + ` FROM lookalikes WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.SourceID != "" {
		query += fmt.Sprintf(` AND source_id = $%d`, argIdx)
		args = append(args, filter.SourceID)
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list lookalikes")
	}
	defer rows.Close()

	var out []model.Lookalike
	for rows.Next() {
		lk, err := scanLookalike(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan lookalike")
		}
		out = append(out, *lk)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate lookalikes")
}

func (s *PostgresStore) TransitionLookalike(ctx context.Context, id string, from, to model.LookalikeStatus, reason string) error {
	if err := checkTransition(id, from, to); err != nil {
		return err
	}
	if to != model.LookalikeStatusFailed {
		reason = ""
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE lookalikes SET status = $1, failure_reason = $2, updated_at = $3
		 WHERE id = $4 AND status = $5
		   AND ($1::text <> 'scoring' OR EXISTS (SELECT 1 FROM lookalike_models m WHERE m.lookalike_id = $4))`,
		string(to), reason, time.Now().UTC(), id, string(from),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: transition lookalike %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrInvalidTransition, "lookalike %s: %s -> %s not applied", id, from, to)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLookalike(row rowScanner) (*model.Lookalike, error) {
	var lk model.Lookalike
	var fieldsJSON []byte
	if err := row.Scan(&lk.ID, &lk.SourceID, &lk.SizeTier, &lk.Status, &lk.FailureReason,
		&fieldsJSON, &lk.CreatedAt, &lk.UpdatedAt); err != nil {
		return nil, err
	}
	if len(fieldsJSON) > 0 {
		if err := json.Unmarshal(fieldsJSON, &lk.SignificantFields); err != nil {
			return nil, eris.Wrap(err, "unmarshal significant fields")
		}
	}
	return &lk, nil
}

// --- Models ---

func (s *PostgresStore) SaveModel(ctx context.Context, lookalikeID string, version int, blob []byte) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO lookalike_models (lookalike_id, version, blob, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (lookalike_id) DO NOTHING`,
		lookalikeID, version, blob, time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: save model %s", lookalikeID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrModelExists, "lookalike %s", lookalikeID)
	}
	return nil
}

func (s *PostgresStore) LoadModel(ctx context.Context, lookalikeID string) (*model.LookalikeModel, error) {
	var m model.LookalikeModel
	err := s.pool.QueryRow(ctx,
		`SELECT lookalike_id, version, blob, created_at FROM lookalike_models WHERE lookalike_id = $1`,
		lookalikeID,
	).Scan(&m.LookalikeID, &m.Version, &m.Blob, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrModelNotFound, "lookalike %s", lookalikeID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: load model %s", lookalikeID)
	}
	return &m, nil
}

// --- Scores ---

var scoreUpsert = db.UpsertConfig{
	Table:        "lookalike_scores",
	Columns:      []string{"lookalike_id", "profile_id", "score"},
	ConflictKeys: []string{"lookalike_id", "profile_id"},
	DoNothing:    true,
}

func (s *PostgresStore) AppendScores(ctx context.Context, lookalikeID string, scores []model.LookalikeScore) (int64, error) {
	rows := make([][]any, len(scores))
	for i, sc := range scores {
		rows[i] = []any{lookalikeID, sc.ProfileID, sc.Score}
	}
	n, err := db.BulkUpsert(ctx, s.pool, scoreUpsert, rows)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: append scores %s", lookalikeID)
	}
	return n, nil
}

func (s *PostgresStore) CountScores(ctx context.Context, lookalikeID string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM lookalike_scores WHERE lookalike_id = $1`, lookalikeID,
	).Scan(&n)
	return n, eris.Wrapf(err, "postgres: count scores %s", lookalikeID)
}

func (s *PostgresStore) GetCheckpoint(ctx context.Context, lookalikeID string) (*model.Checkpoint, error) {
	var cp model.Checkpoint
	err := s.pool.QueryRow(ctx,
		`SELECT lookalike_id, last_profile_id, blocks_done, profiles_scored, updated_at
		 FROM scoring_checkpoints WHERE lookalike_id = $1`,
		lookalikeID,
	).Scan(&cp.LookalikeID, &cp.LastProfileID, &cp.BlocksDone, &cp.ProfilesScored, &cp.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get checkpoint %s", lookalikeID)
	}
	return &cp, nil
}

// SaveCheckpoint upserts the watermark. A checkpoint never moves backwards.
func (s *PostgresStore) SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO scoring_checkpoints (lookalike_id, last_profile_id, blocks_done, profiles_scored, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (lookalike_id) DO UPDATE SET
		   last_profile_id = EXCLUDED.last_profile_id,
		   blocks_done = EXCLUDED.blocks_done,
		   profiles_scored = EXCLUDED.profiles_scored,
		   updated_at = EXCLUDED.updated_at
		 WHERE scoring_checkpoints.last_profile_id <= EXCLUDED.last_profile_id`,
		cp.LookalikeID, cp.LastProfileID, cp.BlocksDone, cp.ProfilesScored, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: save checkpoint %s", cp.LookalikeID)
}

// --- Audience ---

func (s *PostgresStore) FinalizeTopN(ctx context.Context, lookalikeID string, n int) (int, error) {
	var size int
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var sourceID string
		err := tx.QueryRow(ctx,
			`UPDATE lookalikes SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4 RETURNING source_id`,
			string(model.LookalikeStatusReady), time.Now().UTC(), lookalikeID, string(model.LookalikeStatusScoring),
		).Scan(&sourceID)
		if errors.Is(err, pgx.ErrNoRows) {
			return eris.Wrapf(ErrInvalidTransition, "lookalike %s is not scoring", lookalikeID)
		}
		if err != nil {
			return eris.Wrapf(err, "postgres: mark lookalike %s ready", lookalikeID)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM lookalike_persons WHERE lookalike_id = $1`, lookalikeID); err != nil {
			return eris.Wrapf(err, "postgres: clear lookalike persons %s", lookalikeID)
		}

		tag, err := tx.Exec(ctx,
			`INSERT INTO lookalike_persons (lookalike_id, profile_id, rank, score)
			 SELECT s.lookalike_id, s.profile_id,
			        ROW_NUMBER() OVER (ORDER BY s.score DESC, s.profile_id ASC), s.score
			 FROM lookalike_scores s
			 WHERE s.lookalike_id = $1
			   AND NOT EXISTS (
			     SELECT 1 FROM matched_persons m WHERE m.source_id = $2 AND m.profile_id = s.profile_id
			   )
			 ORDER BY s.score DESC, s.profile_id ASC
			 LIMIT $3`,
			lookalikeID, sourceID, n,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: insert lookalike persons %s", lookalikeID)
		}
		size = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		return 0, err
	}
	return size, nil
}

func (s *PostgresStore) ListLookalikePersons(ctx context.Context, lookalikeID string) ([]model.LookalikePerson, error) {
	lk, err := s.GetLookalike(ctx, lookalikeID)
	if err != nil {
		return nil, err
	}
	if lk.Status != model.LookalikeStatusReady {
		return nil, eris.Wrapf(ErrNotReady, "lookalike %s is %s", lookalikeID, lk.Status)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT lookalike_id, profile_id, rank, score FROM lookalike_persons
		 WHERE lookalike_id = $1 ORDER BY rank`,
		lookalikeID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list lookalike persons %s", lookalikeID)
	}
	defer rows.Close()

	var out []model.LookalikePerson
	for rows.Next() {
		var p model.LookalikePerson
		if err := rows.Scan(&p.LookalikeID, &p.ProfileID, &p.Rank, &p.Score); err != nil {
			return nil, eris.Wrap(err, "postgres: scan lookalike person")
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate lookalike persons")
}
