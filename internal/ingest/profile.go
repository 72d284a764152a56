package ingest

import (
	"context"
	"strconv"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lookalike/internal/identity"
	"github.com/sells-group/lookalike/internal/model"
)

// DefaultBatchSize is the number of profiles written per upsert.
const DefaultBatchSize = 1000

// ReadProfiles reads an identity graph extract and hands it to fn in
// batches. The header must name id and email (or email_sha256); other
// columns are matched against the profile attribute names and unknown ones
// are ignored. It returns the number of profiles read.
func ReadProfiles(ctx context.Context, path string, opts Options, batchSize int, fn func([]model.IdentityProfile) error) (int64, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rowCh, errCh := Stream(ctx, path, opts)

	var (
		header []string
		batch  = make([]model.IdentityProfile, 0, batchSize)
		total  int64
		line   int
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := fn(batch); err != nil {
			return err
		}
		total += int64(len(batch))
		batch = make([]model.IdentityProfile, 0, batchSize)
		return nil
	}

	for row := range rowCh {
		line++
		if header == nil {
			h, err := profileHeader(row)
			if err != nil {
				return 0, err
			}
			header = h
			continue
		}
		if blank(row) {
			continue
		}

		p, err := parseProfile(header, row)
		if err != nil {
			return total, eris.Wrapf(err, "ingest: line %d", line)
		}
		batch = append(batch, p)
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if err := <-errCh; err != nil {
		return total, eris.Wrapf(err, "ingest: read profiles (line %d)", line)
	}
	if header == nil {
		return 0, eris.Wrap(ErrMissingColumn, "id (empty file)")
	}
	if err := flush(); err != nil {
		return total, err
	}
	return total, nil
}

// LoadProfiles reads an extract into the identity graph.
func LoadProfiles(ctx context.Context, w identity.Writer, path string, opts Options, batchSize int) (int64, error) {
	n, err := ReadProfiles(ctx, path, opts, batchSize, func(batch []model.IdentityProfile) error {
		if _, err := w.UpsertProfiles(ctx, batch); err != nil {
			return eris.Wrap(err, "ingest: upsert profiles")
		}
		return nil
	})
	if err != nil {
		return n, err
	}
	zap.L().Info("ingest: profiles loaded", zap.String("path", path), zap.Int64("profiles", n))
	return n, nil
}

// profileHeader normalizes the header row. Unrecognized columns become "".
func profileHeader(row []string) ([]string, error) {
	header := make([]string, len(row))
	var hasID, hasEmail bool
	var ignored []string
	for i, h := range row {
		name := normalizeHeader(h)
		switch {
		case name == "id":
			hasID = true
		case name == "email" || name == "email_sha256":
			hasEmail = true
		case name == "business_email_validated" || model.IsProfileField(name):
		default:
			ignored = append(ignored, h)
			name = ""
		}
		header[i] = name
	}
	if !hasID {
		return nil, eris.Wrap(ErrMissingColumn, "id")
	}
	if !hasEmail {
		return nil, eris.Wrap(ErrMissingColumn, "email")
	}
	if len(ignored) > 0 {
		zap.L().Warn("ingest: ignoring unknown profile columns", zap.Strings("columns", ignored))
	}
	return header, nil
}

func parseProfile(header, row []string) (model.IdentityProfile, error) {
	var p model.IdentityProfile
	for i, name := range header {
		if name == "" || i >= len(row) {
			continue
		}
		v := row[i]
		switch name {
		case "id":
			id, err := strconv.ParseInt(v, 10, 64)
			if err != nil || id <= 0 {
				return p, eris.Errorf("invalid profile id %q", v)
			}
			p.ID = id
		case "email":
			p.Email = identity.NormalizeEmail(v)
		case "email_sha256":
			if v != "" && !identity.LooksLikeHash(v) {
				return p, eris.Errorf("invalid email_sha256 %q", v)
			}
			p.EmailSHA256 = v
		case "business_email_validated":
			b, err := parseBool(v)
			if err != nil {
				return p, err
			}
			p.BusinessEmailValidated = b
		default:
			p.SetField(name, v)
		}
	}
	if p.ID == 0 {
		return p, eris.New("missing profile id")
	}
	if p.Email == "" && p.EmailSHA256 == "" {
		return p, eris.Errorf("profile %d has no email", p.ID)
	}
	return p, nil
}

func parseBool(v string) (bool, error) {
	switch v {
	case "", "0", "n", "N", "no", "No", "NO":
		return false, nil
	case "y", "Y", "yes", "Yes", "YES":
		return true, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, eris.Errorf("invalid boolean %q", v)
	}
	return b, nil
}
