package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/lookalike/internal/db"
	"github.com/sells-group/lookalike/internal/model"
)

// PostgresGraph implements Graph and Writer over a Postgres table.
type PostgresGraph struct {
	pool  db.Pool
	table string
}

// NewPostgresGraph reads profiles from table (DefaultTable when empty).
// Schema-qualified names are accepted.
func NewPostgresGraph(pool db.Pool, table string) *PostgresGraph {
	if table == "" {
		table = DefaultTable
	}
	return &PostgresGraph{pool: pool, table: table}
}

func (g *PostgresGraph) ident() string {
	parts := strings.SplitN(g.table, ".", 2)
	return pgx.Identifier(parts).Sanitize()
}

// Migrate creates the profile table and its lookup indexes.
func (g *PostgresGraph) Migrate(ctx context.Context) error {
	cols := make([]string, 0, len(model.ProfileFieldNames()))
	for _, name := range model.ProfileFieldNames() {
		cols = append(cols, fmt.Sprintf("\t%s TEXT NOT NULL DEFAULT ''", name))
	}
	index := strings.ReplaceAll(g.table, ".", "_")
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
	id BIGINT PRIMARY KEY,
	email TEXT NOT NULL DEFAULT '',
	email_sha256 TEXT NOT NULL DEFAULT '',
%[2]s,
	business_email_validated BOOLEAN NOT NULL DEFAULT false
);
CREATE INDEX IF NOT EXISTS %[3]s ON %[1]s (email);
CREATE INDEX IF NOT EXISTS %[4]s ON %[1]s (email_sha256);`,
		g.ident(),
		strings.Join(cols, ",\n"),
		pgx.Identifier{"idx_" + index + "_email"}.Sanitize(),
		pgx.Identifier{"idx_" + index + "_sha256"}.Sanitize(),
	)
	_, err := g.pool.Exec(ctx, ddl)
	return eris.Wrap(err, "identity: migrate postgres graph")
}

func (g *PostgresGraph) lookup(ctx context.Context, column, value string) (*model.IdentityProfile, error) {
	query := fmt.Sprintf(`SELECT id, %s FROM %s WHERE %s = $1 ORDER BY id LIMIT 1`,
		strings.Join(fullColumns(), ", "), g.ident(), column)
	p, err := scanFull(g.pool.QueryRow(ctx, query, value))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "identity: lookup by %s", column)
	}
	return p, nil
}

func (g *PostgresGraph) LookupByEmail(ctx context.Context, email string) (*model.IdentityProfile, error) {
	return g.lookup(ctx, "email", NormalizeEmail(email))
}

func (g *PostgresGraph) LookupByHash(ctx context.Context, sha256Hex string) (*model.IdentityProfile, error) {
	return g.lookup(ctx, "email_sha256", strings.ToLower(strings.TrimSpace(sha256Hex)))
}

func (g *PostgresGraph) Profiles(ctx context.Context, ids []int64, columns []string) ([]model.IdentityProfile, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if err := checkColumns(columns); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ANY($1) ORDER BY id`, selectList(columns), g.ident())
	return g.queryProjected(ctx, "profiles", columns, query, ids)
}

func (g *PostgresGraph) ScanBlock(ctx context.Context, afterID int64, limit int, columns []string) ([]model.IdentityProfile, error) {
	if err := checkColumns(columns); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id > $1 ORDER BY id LIMIT $2`, selectList(columns), g.ident())
	return g.queryProjected(ctx, "scan block", columns, query, afterID, limit)
}

func (g *PostgresGraph) queryProjected(ctx context.Context, op string, columns []string, query string, args ...any) ([]model.IdentityProfile, error) {
	rows, err := g.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "identity: %s", op)
	}
	defer rows.Close()

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

func (g *PostgresGraph) UpsertProfiles(ctx context.Context, profiles []model.IdentityProfile) (int64, error) {
	rows := make([][]any, len(profiles))
	for i, p := range profiles {
		rows[i] = profileValues(p)
	}
	n, err := db.BulkUpsert(ctx, g.pool, db.UpsertConfig{
		Table:        g.table,
		Columns:      append([]string{"id"}, fullColumns()...),
		ConflictKeys: []string{"id"},
	}, rows)
	return n, eris.Wrap(err, "identity: upsert profiles")
}

func selectList(columns []string) string {
	return strings.Join(append([]string{"id"}, columns...), ", ")
}
