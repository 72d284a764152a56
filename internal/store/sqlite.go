package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/lookalike/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens a SQLite database at the given path with WAL mode and a
// busy timeout. The pool holds a single connection so that the pragmas apply
// to every statement and concurrent writers queue instead of failing.
func OpenSQLite(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return db, nil
}

// NewSQLite opens a SQLiteStore at the given path.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := OpenSQLite(dsn)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS sources (
	id         TEXT PRIMARY KEY,
	owner      TEXT NOT NULL,
	domain     TEXT NOT NULL,
	rows       TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	matched_at DATETIME
);

CREATE TABLE IF NOT EXISTS matched_persons (
	source_id    TEXT NOT NULL REFERENCES sources(id),
	email        TEXT NOT NULL,
	profile_id   INTEGER,
	recency_days REAL,
	monetary     REAL NOT NULL DEFAULT 0,
	order_count  INTEGER NOT NULL DEFAULT 0,
	value_score  REAL NOT NULL,
	PRIMARY KEY (source_id, email)
);

CREATE TABLE IF NOT EXISTS lookalikes (
	id                 TEXT PRIMARY KEY,
	source_id          TEXT NOT NULL REFERENCES sources(id),
	size_tier          TEXT NOT NULL,
	status             TEXT NOT NULL DEFAULT 'pending',
	failure_reason     TEXT NOT NULL DEFAULT '',
	significant_fields TEXT,
	created_at         DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at         DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS lookalike_models (
	lookalike_id TEXT PRIMARY KEY REFERENCES lookalikes(id),
	version      INTEGER NOT NULL,
	blob         BLOB NOT NULL,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS lookalike_scores (
	lookalike_id TEXT NOT NULL REFERENCES lookalikes(id),
	profile_id   INTEGER NOT NULL,
	score        REAL NOT NULL CHECK (score BETWEEN 0 AND 1),
	PRIMARY KEY (lookalike_id, profile_id)
);

CREATE TABLE IF NOT EXISTS scoring_checkpoints (
	lookalike_id    TEXT PRIMARY KEY REFERENCES lookalikes(id),
	last_profile_id INTEGER NOT NULL,
	blocks_done     INTEGER NOT NULL DEFAULT 0,
	profiles_scored INTEGER NOT NULL DEFAULT 0,
	updated_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS lookalike_persons (
	lookalike_id TEXT NOT NULL REFERENCES lookalikes(id),
	profile_id   INTEGER NOT NULL,
	rank         INTEGER NOT NULL,
	score        REAL NOT NULL,
	PRIMARY KEY (lookalike_id, profile_id),
	UNIQUE (lookalike_id, rank)
);

CREATE INDEX IF NOT EXISTS idx_lookalikes_status ON lookalikes(status);
CREATE INDEX IF NOT EXISTS idx_matched_persons_profile ON matched_persons(source_id, profile_id);
CREATE INDEX IF NOT EXISTS idx_lookalike_scores_rank ON lookalike_scores(lookalike_id, score DESC, profile_id ASC);
`

// DB returns the underlying database handle.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

// --- Sources ---

func (s *SQLiteStore) CreateSource(ctx context.Context, owner string, domain model.Domain, rows []model.SourceRow) (*model.Source, error) {
	if !domain.Valid() {
		return nil, eris.Errorf("sqlite: invalid domain %q", domain)
	}
	rowsJSON, err := json.Marshal(rows)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal source rows")
	}

	src := &model.Source{
		ID:        uuid.New().String(),
		Owner:     owner,
		Domain:    domain,
		Rows:      rows,
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sources (id, owner, domain, rows, created_at) VALUES (?, ?, ?, ?, ?)`,
		src.ID, src.Owner, string(src.Domain), string(rowsJSON), src.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert source")
	}
	return src, nil
}

func (s *SQLiteStore) GetSource(ctx context.Context, id string) (*model.Source, error) {
	var src model.Source
	var rowsJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner, domain, rows, created_at, matched_at FROM sources WHERE id = ?`,
		id,
	).Scan(&src.ID, &src.Owner, &src.Domain, &rowsJSON, &src.CreatedAt, &src.MatchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "source %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get source %s", id)
	}
	if err := json.Unmarshal([]byte(rowsJSON), &src.Rows); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal source rows")
	}
	return &src, nil
}

func (s *SQLiteStore) ReplaceMatchedPersons(ctx context.Context, sourceID string, persons []model.MatchedPerson) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE sources SET matched_at = ? WHERE id = ? AND matched_at IS NULL`,
			time.Now().UTC(), sourceID,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: mark source %s matched", sourceID)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return eris.Wrapf(ErrSourceMatched, "source %s", sourceID)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM matched_persons WHERE source_id = ?`, sourceID); err != nil {
			return eris.Wrapf(err, "sqlite: clear matched persons %s", sourceID)
		}

		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO matched_persons (source_id, email, profile_id, recency_days, monetary, order_count, value_score)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return eris.Wrap(err, "sqlite: prepare matched person insert")
		}
		defer stmt.Close() //nolint:errcheck

		for _, p := range persons {
			if _, err := stmt.ExecContext(ctx, sourceID, p.Email, p.ProfileID, p.RecencyDays, p.Monetary, p.OrderCount, p.ValueScore); err != nil {
				return eris.Wrapf(err, "sqlite: insert matched person %s", p.Email)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) ListMatchedPersons(ctx context.Context, sourceID string) ([]model.MatchedPerson, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_id, email, profile_id, recency_days, monetary, order_count, value_score
		 FROM matched_persons WHERE source_id = ? ORDER BY email`,
		sourceID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list matched persons %s", sourceID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.MatchedPerson
	for rows.Next() {
		var p model.MatchedPerson
		if err := rows.Scan(&p.SourceID, &p.Email, &p.ProfileID, &p.RecencyDays, &p.Monetary, &p.OrderCount, &p.ValueScore); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan matched person")
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate matched persons")
}

// --- Lookalikes ---

func (s *SQLiteStore) CreateLookalike(ctx context.Context, sourceID string, tier model.SizeTier, fields model.SignificantFields) (*model.Lookalike, error) {
	if !tier.Valid() {
		return nil, eris.Errorf("sqlite: invalid size tier %q", tier)
	}
	var fieldsJSON *string
	if fields != nil {
		data, err := json.Marshal(fields)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: marshal significant fields")
		}
		str := string(data)
		fieldsJSON = &str
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
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO lookalikes (id, source_id, size_tier, status, significant_fields, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		lk.ID, lk.SourceID, string(lk.SizeTier), string(lk.Status), fieldsJSON, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert lookalike")
	}
	return lk, nil
}

func (s *SQLiteStore) GetLookalike(ctx context.Context, id string) (*model.Lookalike, error) {
	lk, err := scanSQLiteLookalike(s.db.QueryRowContext(ctx,
		`SELECT `+lookalikeColumns+` FROM lookalikes WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "lookalike %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get lookalike %s", id)
	}
	return lk, nil
}

func (s *SQLiteStore) ListLookalikes(ctx context.Context, filter LookalikeFilter) ([]model.Lookalike, error) {
	query := `SELECT ` + lookalikeColumns + ` FROM lookalikes WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.SourceID != "" {
		query += ` AND source_id = ?`
		args = append(args, filter.SourceID)
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, max(filter.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list lookalikes")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Lookalike
	for rows.Next() {
		lk, err := scanSQLiteLookalike(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan lookalike")
		}
		out = append(out, *lk)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate lookalikes")
}

func (s *SQLiteStore) TransitionLookalike(ctx context.Context, id string, from, to model.LookalikeStatus, reason string) error {
	if err := checkTransition(id, from, to); err != nil {
		return err
	}
	if to != model.LookalikeStatusFailed {
		reason = ""
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE lookalikes SET status = ?, failure_reason = ?, updated_at = ?
		 WHERE id = ? AND status = ?
		   AND (? <> 'scoring' OR EXISTS (SELECT 1 FROM lookalike_models m WHERE m.lookalike_id = lookalikes.id))`,
		string(to), reason, time.Now().UTC(), id, string(from), string(to),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: transition lookalike %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Wrapf(ErrInvalidTransition, "lookalike %s: %s -> %s not applied", id, from, to)
	}
	return nil
}

func scanSQLiteLookalike(row rowScanner) (*model.Lookalike, error) {
	var lk model.Lookalike
	var fieldsJSON sql.NullString
	if err := row.Scan(&lk.ID, &lk.SourceID, &lk.SizeTier, &lk.Status, &lk.FailureReason,
		&fieldsJSON, &lk.CreatedAt, &lk.UpdatedAt); err != nil {
		return nil, err
	}
	if fieldsJSON.Valid && fieldsJSON.String != "" {
		if err := json.Unmarshal([]byte(fieldsJSON.String), &lk.SignificantFields); err != nil {
			return nil, eris.Wrap(err, "unmarshal significant fields")
		}
	}
	return &lk, nil
}

// --- Models ---

func (s *SQLiteStore) SaveModel(ctx context.Context, lookalikeID string, version int, blob []byte) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO lookalike_models (lookalike_id, version, blob, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (lookalike_id) DO NOTHING`,
		lookalikeID, version, blob, time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save model %s", lookalikeID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Wrapf(ErrModelExists, "lookalike %s", lookalikeID)
	}
	return nil
}

func (s *SQLiteStore) LoadModel(ctx context.Context, lookalikeID string) (*model.LookalikeModel, error) {
	var m model.LookalikeModel
	err := s.db.QueryRowContext(ctx,
		`SELECT lookalike_id, version, blob, created_at FROM lookalike_models WHERE lookalike_id = ?`,
		lookalikeID,
	).Scan(&m.LookalikeID, &m.Version, &m.Blob, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrModelNotFound, "lookalike %s", lookalikeID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load model %s", lookalikeID)
	}
	return &m, nil
}

// --- Scores ---

func (s *SQLiteStore) AppendScores(ctx context.Context, lookalikeID string, scores []model.LookalikeScore) (int64, error) {
	if len(scores) == 0 {
		return 0, nil
	}
	var inserted int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO lookalike_scores (lookalike_id, profile_id, score) VALUES (?, ?, ?)
			 ON CONFLICT (lookalike_id, profile_id) DO NOTHING`)
		if err != nil {
			return eris.Wrap(err, "sqlite: prepare score insert")
		}
		defer stmt.Close() //nolint:errcheck

		for _, sc := range scores {
			res, err := stmt.ExecContext(ctx, lookalikeID, sc.ProfileID, sc.Score)
			if err != nil {
				return eris.Wrapf(err, "sqlite: insert score %d", sc.ProfileID)
			}
			n, _ := res.RowsAffected()
			inserted += n
		}
		return nil
	})
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: append scores %s", lookalikeID)
	}
	return inserted, nil
}

func (s *SQLiteStore) CountScores(ctx context.Context, lookalikeID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM lookalike_scores WHERE lookalike_id = ?`, lookalikeID,
	).Scan(&n)
	return n, eris.Wrapf(err, "sqlite: count scores %s", lookalikeID)
}

func (s *SQLiteStore) GetCheckpoint(ctx context.Context, lookalikeID string) (*model.Checkpoint, error) {
	var cp model.Checkpoint
	err := s.db.QueryRowContext(ctx,
		`SELECT lookalike_id, last_profile_id, blocks_done, profiles_scored, updated_at
		 FROM scoring_checkpoints WHERE lookalike_id = ?`,
		lookalikeID,
	).Scan(&cp.LookalikeID, &cp.LastProfileID, &cp.BlocksDone, &cp.ProfilesScored, &cp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get checkpoint %s", lookalikeID)
	}
	return &cp, nil
}

// SaveCheckpoint upserts the watermark. A checkpoint never moves backwards.
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scoring_checkpoints (lookalike_id, last_profile_id, blocks_done, profiles_scored, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (lookalike_id) DO UPDATE SET
		   last_profile_id = excluded.last_profile_id,
		   blocks_done = excluded.blocks_done,
		   profiles_scored = excluded.profiles_scored,
		   updated_at = excluded.updated_at
		 WHERE scoring_checkpoints.last_profile_id <= excluded.last_profile_id`,
		cp.LookalikeID, cp.LastProfileID, cp.BlocksDone, cp.ProfilesScored, time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: save checkpoint %s", cp.LookalikeID)
}

// --- Audience ---

func (s *SQLiteStore) FinalizeTopN(ctx context.Context, lookalikeID string, n int) (int, error) {
	var size int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var sourceID string
		err := tx.QueryRowContext(ctx,
			`UPDATE lookalikes SET status = ?, updated_at = ? WHERE id = ? AND status = ? RETURNING source_id`,
			string(model.LookalikeStatusReady), time.Now().UTC(), lookalikeID, string(model.LookalikeStatusScoring),
		).Scan(&sourceID)
		if errors.Is(err, sql.ErrNoRows) {
			return eris.Wrapf(ErrInvalidTransition, "lookalike %s is not scoring", lookalikeID)
		}
		if err != nil {
			return eris.Wrapf(err, "sqlite: mark lookalike %s ready", lookalikeID)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM lookalike_persons WHERE lookalike_id = ?`, lookalikeID); err != nil {
			return eris.Wrapf(err, "sqlite: clear lookalike persons %s", lookalikeID)
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO lookalike_persons (lookalike_id, profile_id, rank, score)
			 SELECT s.lookalike_id, s.profile_id,
			        ROW_NUMBER() OVER (ORDER BY s.score DESC, s.profile_id ASC), s.score
			 FROM lookalike_scores s
			 WHERE s.lookalike_id = ?
			   AND NOT EXISTS (
			     SELECT 1 FROM matched_persons m WHERE m.source_id = ? AND m.profile_id = s.profile_id
			   )
			 ORDER BY s.score DESC, s.profile_id ASC
			 LIMIT ?`,
			lookalikeID, sourceID, n,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert lookalike persons %s", lookalikeID)
		}
		affected, _ := res.RowsAffected()
		size = int(affected)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return size, nil
}

func (s *SQLiteStore) ListLookalikePersons(ctx context.Context, lookalikeID string) ([]model.LookalikePerson, error) {
	lk, err := s.GetLookalike(ctx, lookalikeID)
	if err != nil {
		return nil, err
	}
	if lk.Status != model.LookalikeStatusReady {
		return nil, eris.Wrapf(ErrNotReady, "lookalike %s is %s", lookalikeID, lk.Status)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT lookalike_id, profile_id, rank, score FROM lookalike_persons
		 WHERE lookalike_id = ? ORDER BY rank`,
		lookalikeID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list lookalike persons %s", lookalikeID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.LookalikePerson
	for rows.Next() {
		var p model.LookalikePerson
		if err := rows.Scan(&p.LookalikeID, &p.ProfileID, &p.Rank, &p.Score); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan lookalike person")
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate lookalike persons")
}
