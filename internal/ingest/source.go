package ingest

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lookalike/internal/model"
)

// ErrMissingColumn is returned when a required header is absent.
var ErrMissingColumn = eris.New("ingest: missing required column")

// sourceAliases maps normalized header names to source row fields.
var sourceAliases = map[string]string{
	"email":           "email",
	"email_address":   "email",
	"e_mail":          "email",
	"email_sha256":    "email",
	"hashed_email":    "email",
	"order_amount":    "order_amount",
	"amount":          "order_amount",
	"revenue":         "order_amount",
	"total":           "order_amount",
	"order_total":     "order_amount",
	"order_count":     "order_count",
	"orders":          "order_count",
	"count":           "order_count",
	"num_orders":      "order_count",
	"order_date":      "order_date",
	"date":            "order_date",
	"last_order_date": "order_date",
	"purchase_date":   "order_date",
}

// normalizeHeader lowercases a header and folds spaces and dashes to
// underscores.
func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.TrimPrefix(h, "\ufeff")
	return strings.NewReplacer(" ", "_", "-", "_").Replace(h)
}

// ReadSourceRows reads an uploaded contact list. The first row is the
// header; only the email column is required. Values are kept as strings so
// that unparsable amounts or dates are dropped per row during matching.
// Rows without an email are skipped.
func ReadSourceRows(ctx context.Context, path string, opts Options) ([]model.SourceRow, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rowCh, errCh := Stream(ctx, path, opts)

	var (
		index   map[string]int
		out     []model.SourceRow
		skipped int
		line    int
	)
	for row := range rowCh {
		line++
		if index == nil {
			index = make(map[string]int)
			for i, h := range row {
				if f, ok := sourceAliases[normalizeHeader(h)]; ok {
					if _, dup := index[f]; !dup {
						index[f] = i
					}
				}
			}
			if _, ok := index["email"]; !ok {
				return nil, eris.Wrapf(ErrMissingColumn, "email (header %v)", row)
			}
			continue
		}
		if blank(row) {
			continue
		}

		email := cell(row, index, "email")
		if email == "" {
			skipped++
			continue
		}
		out = append(out, model.SourceRow{
			Email:       email,
			OrderAmount: optional(row, index, "order_amount"),
			OrderCount:  optional(row, index, "order_count"),
			OrderDate:   optional(row, index, "order_date"),
		})
	}
	if err := <-errCh; err != nil {
		return nil, eris.Wrapf(err, "ingest: read source rows (line %d)", line)
	}
	if index == nil {
		return nil, eris.Wrap(ErrMissingColumn, "email (empty file)")
	}

	zap.L().Info("ingest: source rows read",
		zap.String("path", path),
		zap.Int("rows", len(out)),
		zap.Int("skipped", skipped),
	)
	return out, nil
}

func cell(row []string, index map[string]int, field string) string {
	i, ok := index[field]
	if !ok || i >= len(row) {
		return ""
	}
	return row[i]
}

func optional(row []string, index map[string]int, field string) *string {
	v := cell(row, index, field)
	if v == "" {
		return nil
	}
	return &v
}
