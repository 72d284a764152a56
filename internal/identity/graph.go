// Package identity reads the reference identity graph: the population of
// profiles that sources are matched against and that scoring walks through.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lookalike/internal/model"
)

// DefaultTable is the profile table name used when none is configured.
const DefaultTable = "identity_profiles"

// ErrUnknownColumn is returned when a caller asks for a column that is not a
// profile attribute.
var ErrUnknownColumn = eris.New("identity: unknown column")

// Graph is read access to the identity graph.
type Graph interface {
	// LookupByEmail returns the profile with the given normalized email, or
	// nil when there is none. Every attribute is populated.
	LookupByEmail(ctx context.Context, email string) (*model.IdentityProfile, error)
	// LookupByHash is LookupByEmail keyed by the lowercase hex SHA-256 of
	// the normalized email.
	LookupByHash(ctx context.Context, sha256Hex string) (*model.IdentityProfile, error)
	// Profiles returns the listed profiles in id order with only the id and
	// the requested attribute columns populated. Unknown ids are skipped.
	Profiles(ctx context.Context, ids []int64, columns []string) ([]model.IdentityProfile, error)
	// ScanBlock returns up to limit profiles with id > afterID in ascending
	// id order, populated like Profiles. An empty result ends the scan.
	ScanBlock(ctx context.Context, afterID int64, limit int, columns []string) ([]model.IdentityProfile, error)
}

// Writer loads profiles into the graph.
type Writer interface {
	// UpsertProfiles inserts or replaces profiles by id.
	UpsertProfiles(ctx context.Context, profiles []model.IdentityProfile) (int64, error)
}

// NormalizeEmail trims and lowercases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// HashEmail returns the lowercase hex SHA-256 of the normalized email.
func HashEmail(email string) string {
	sum := sha256.Sum256([]byte(NormalizeEmail(email)))
	return hex.EncodeToString(sum[:])
}

// LooksLikeHash reports whether s is already a hex SHA-256 digest, as found
// in hashed uploads.
func LooksLikeHash(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// checkColumns rejects anything that is not a projectable attribute. Column
// names are interpolated into SQL, so this is the only gate.
func checkColumns(columns []string) error {
	for _, c := range columns {
		if !model.IsProfileField(c) {
			return eris.Wrapf(ErrUnknownColumn, "%q", c)
		}
	}
	return nil
}

// fullColumns lists every stored column after id, in the order used by
// lookups and upserts.
func fullColumns() []string {
	cols := []string{"email", "email_sha256"}
	cols = append(cols, model.ProfileFieldNames()...)
	return append(cols, "business_email_validated")
}

// profileValues is the upsert row of p, matching "id" + fullColumns().
func profileValues(p model.IdentityProfile) []any {
	hash := p.EmailSHA256
	if hash == "" && p.Email != "" {
		hash = HashEmail(p.Email)
	}
	vals := []any{p.ID, NormalizeEmail(p.Email), strings.ToLower(hash)}
	for _, name := range model.ProfileFieldNames() {
		v, _ := p.Field(name)
		vals = append(vals, v)
	}
	return append(vals, p.BusinessEmailValidated)
}

type scanner interface {
	Scan(dest ...any) error
}

// scanFull scans a row of "id" + fullColumns().
func scanFull(row scanner) (*model.IdentityProfile, error) {
	var p model.IdentityProfile
	names := model.ProfileFieldNames()
	vals := make([]string, len(names))
	dest := []any{&p.ID, &p.Email, &p.EmailSHA256}
	for i := range vals {
		dest = append(dest, &vals[i])
	}
	dest = append(dest, &p.BusinessEmailValidated)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	for i, name := range names {
		p.SetField(name, vals[i])
	}
	return &p, nil
}

// scanProjected scans a row of "id" + columns.
func scanProjected(row scanner, columns []string) (model.IdentityProfile, error) {
	var p model.IdentityProfile
	vals := make([]string, len(columns))
	dest := make([]any, 0, len(columns)+1)
	dest = append(dest, &p.ID)
	for i := range vals {
		dest = append(dest, &vals[i])
	}
	if err := row.Scan(dest...); err != nil {
		return p, err
	}
	for i, c := range columns {
		p.SetField(c, vals[i])
	}
	return p, nil
}
