// Package ingest reads uploaded contact lists and identity graph extracts
// from CSV and XLSX files.
package ingest

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// Format is a supported file layout.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ErrUnsupportedFormat is returned for files that are neither CSV nor XLSX.
var ErrUnsupportedFormat = eris.New("ingest: unsupported file format")

// DetectFormat picks the format from the file extension.
func DetectFormat(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".txt":
		return FormatCSV, nil
	case ".xlsx":
		return FormatXLSX, nil
	default:
		return "", eris.Wrapf(ErrUnsupportedFormat, "%q", path)
	}
}

// Options configures a row stream.
type Options struct {
	Format    Format // detected from the extension when empty
	Delimiter rune   // CSV only, default ','
	SheetName string // XLSX only, default is the first sheet
}

// Stream reads every row of a file, header included, and sends it to a
// channel with cells trimmed. Both channels are closed when reading
// completes; at most one error is sent.
func Stream(ctx context.Context, path string, opts Options) (<-chan []string, <-chan error) {
	format := opts.Format
	if format == "" {
		f, err := DetectFormat(path)
		if err != nil {
			return failed(err)
		}
		format = f
	}

	switch format {
	case FormatCSV:
		return streamCSVFile(ctx, path, opts.Delimiter)
	case FormatXLSX:
		return streamXLSX(ctx, path, opts.SheetName)
	default:
		return failed(eris.Wrapf(ErrUnsupportedFormat, "%q", format))
	}
}

func failed(err error) (<-chan []string, <-chan error) {
	rowCh := make(chan []string)
	errCh := make(chan error, 1)
	errCh <- err
	close(rowCh)
	close(errCh)
	return rowCh, errCh
}

func streamCSVFile(ctx context.Context, path string, delim rune) (<-chan []string, <-chan error) {
	rowCh := make(chan []string, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		f, err := os.Open(path) //nolint:gosec // operator-supplied path
		if err != nil {
			errCh <- eris.Wrap(err, "csv: open file")
			return
		}
		defer f.Close() //nolint:errcheck

		if err := readCSV(ctx, f, delim, rowCh); err != nil {
			errCh <- err
		}
	}()

	return rowCh, errCh
}

// StreamCSV parses CSV from r. Rows may have a variable number of fields.
func StreamCSV(ctx context.Context, r io.Reader, delim rune) (<-chan []string, <-chan error) {
	rowCh := make(chan []string, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)
		if err := readCSV(ctx, r, delim, rowCh); err != nil {
			errCh <- err
		}
	}()

	return rowCh, errCh
}

func readCSV(ctx context.Context, r io.Reader, delim rune, rowCh chan<- []string) error {
	reader := csv.NewReader(r)
	if delim != 0 {
		reader.Comma = delim
	}
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	for {
		if ctx.Err() != nil {
			return eris.Wrap(ctx.Err(), "csv: context cancelled")
		}

		record, err := reader.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return eris.Wrap(err, "csv: read row")
		}
		trim(record)

		select {
		case rowCh <- record:
		case <-ctx.Done():
			return eris.Wrap(ctx.Err(), "csv: context cancelled")
		}
	}
}

func streamXLSX(ctx context.Context, path, sheetName string) (<-chan []string, <-chan error) {
	rowCh := make(chan []string, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		f, err := xlsx.OpenFile(path)
		if err != nil {
			errCh <- eris.Wrap(err, "xlsx: open file")
			return
		}

		sheet, err := getSheet(f, sheetName)
		if err != nil {
			errCh <- err
			return
		}

		for _, row := range sheet.Rows {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "xlsx: context cancelled")
				return
			}

			cells := rowToStrings(row)
			select {
			case rowCh <- cells:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "xlsx: context cancelled")
				return
			}
		}
	}()

	return rowCh, errCh
}

func getSheet(f *xlsx.File, name string) (*xlsx.Sheet, error) {
	if name != "" {
		sheet, ok := f.Sheet[name]
		if !ok {
			return nil, eris.Errorf("xlsx: sheet %q not found", name)
		}
		return sheet, nil
	}
	if len(f.Sheets) == 0 {
		return nil, eris.New("xlsx: workbook has no sheets")
	}
	return f.Sheets[0], nil
}

func rowToStrings(row *xlsx.Row) []string {
	if row == nil {
		return nil
	}
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = cell.String()
	}
	trim(cells)
	return cells
}

func trim(cells []string) {
	for i, c := range cells {
		cells[i] = strings.TrimSpace(c)
	}
}

func blank(row []string) bool {
	for _, c := range row {
		if c != "" {
			return false
		}
	}
	return true
}
