package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lookalike/internal/model"
)

// profilesChunk bounds the number of ids bound into one IN (...) list.
const profilesChunk = 500

// SQLiteGraph implements Graph and Writer over a SQLite table. It is used for
// local runs and end-to-end tests.
type SQLiteGraph struct {
	db    *sql.DB
	table string
}

// NewSQLiteGraph reads profiles from table (DefaultTable when empty).
func NewSQLiteGraph(db *sql.DB, table string) *SQLiteGraph {
	if table == "" {
		table = DefaultTable
	}
	return &SQLiteGraph{db: db, table: table}
}

func (g *SQLiteGraph) ident() string {
	return `"` + strings.ReplaceAll(g.table, `"`, `""`) + `"`
}

// Migrate creates the profile table and its lookup indexes.
func (g *SQLiteGraph) Migrate(ctx context.Context) error {
	cols := make([]string, 0, len(model.ProfileFieldNames()))
	for _, name := range model.ProfileFieldNames() {
		cols = append(cols, fmt.Sprintf("\t%s TEXT NOT NULL DEFAULT ''", name))
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
	id INTEGER PRIMARY KEY,
	email TEXT NOT NULL DEFAULT '',
	email_sha256 TEXT NOT NULL DEFAULT '',
%[2]s,
	business_email_validated INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS "idx_%[3]s_email" ON %[1]s (email);
CREATE INDEX IF NOT EXISTS "idx_%[3]s_sha256" ON %[1]s (email_sha256);`,
		g.ident(), strings.Join(cols, ",\n"), strings.ReplaceAll(g.table, `"`, ""))
	_, err := g.db.ExecContext(ctx, ddl)
	return eris.Wrap(err, "identity: migrate sqlite graph")
}

func (g *SQLiteGraph) lookup(ctx context.Context, column, value string) (*model.IdentityProfile, error) {
	query := fmt.Sprintf(`SELECT id, %s FROM %s WHERE %s = ? ORDER BY id LIMIT 1`,
		strings.Join(fullColumns(), ", "), g.ident(), column)
	p, err := scanFull(g.db.QueryRowContext(ctx, query, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "identity: lookup by %s", column)
	}
	return p, nil
}

func (g *SQLiteGraph) LookupByEmail(ctx context.Context, email string) (*model.IdentityProfile, error) {
	return g.lookup(ctx, "email", NormalizeEmail(email))
}

func (g *SQLiteGraph) LookupByHash(ctx context.Context, sha256Hex string) (*model.IdentityProfile, error) {
	return g.lookup(ctx, "email_sha256", strings.ToLower(strings.TrimSpace(sha256Hex)))
}

func (g *SQLiteGraph) Profiles(ctx context.Context, ids []int64, columns []string) ([]model.IdentityProfile, error) {
	if err := checkColumns(columns); err != nil {
		return nil, err
	}
	var out []model.IdentityProfile
	for start := 0; start < len(ids); start += profilesChunk {
		chunk := ids[start:min(start+profilesChunk, len(ids))]
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		query := fmt.Sprintf(`SELECT %s FROM %s WHERE id IN (%s) ORDER BY id`,
			selectList(columns), g.ident(), strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ","))
		part, err := g.queryProjected(ctx, "profiles", columns, query, args...)
		if err != nil {
			return nil, err
		}
		out = append(out, part...)
	}
	return out, nil
}

func (g *SQLiteGraph) ScanBlock(ctx context.Context, afterID int64, limit int, columns []string) ([]model.IdentityProfile, error) {
	if err := checkColumns(columns); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id > ? ORDER BY id LIMIT ?`, selectList(columns), g.ident())
	return g.queryProjected(ctx, "scan block", columns, query, afterID, limit)
}

func (g *SQLiteGraph) queryProjected(ctx context.Context, op string, columns []string, query string, args ...any) ([]model.IdentityProfile, error) {
	rows, err := g.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "identity: %s", op)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.IdentityProfile
	for rows.Next() {
		p, err := scanProjected(rows, columns)
		if err != nil {
			return nil, eris.Wrapf(err, "identity: %s: scan", op)
		}
		out = append(out, p)
	}
	return out, eris.Wrapf(rows.Err(), "identity: %s: iterate", op)
}

func (g *SQLiteGraph) UpsertProfiles(ctx context.Context, profiles []model.IdentityProfile) (int64, error) {
	if len(profiles) == 0 {
		return 0, nil
	}
	cols := append([]string{"id"}, fullColumns()...)
	updates := make([]string, 0, len(cols)-1)
	for _, c := range cols[1:] {
		updates = append(updates, c+" = excluded."+c)
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (id) DO UPDATE SET %s`,
		g.ident(), strings.Join(cols, ", "),
		strings.TrimSuffix(strings.Repeat("?,", len(cols)), ","),
		strings.Join(updates, ", "))

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "identity: begin upsert")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return 0, eris.Wrap(err, "identity: prepare upsert")
	}
	defer stmt.Close() //nolint:errcheck

	var n int64
	for _, p := range profiles {
		if _, err := stmt.ExecContext(ctx, profileValues(p)...); err != nil {
			return 0, eris.Wrapf(err, "identity: upsert profile %d", p.ID)
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "identity: commit upsert")
	}
	return n, nil
}
