// Package load reads company records out of operator-supplied input
// files: CSV and XLSX, plain or zipped, from a local path or an
// http(s):// / ftp:// URL. Column headers are matched against the names
// Italian business exports actually use (ragione sociale, P.IVA, comune,
// CAP, ...); unrecognized columns ride along in Extra.
package load

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/lanterna-data/enrich-cli/internal/model"
)

// Options configures record loading.
type Options struct {
	Sheet     string        // XLSX sheet name; empty = first sheet
	Delimiter rune          // CSV delimiter; 0 = sniff ',' vs ';'
	Timeout   time.Duration // remote fetch timeout
	UserAgent string
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 60 * time.Second
	}
	if o.UserAgent == "" {
		o.UserAgent = "enrich-cli/1.0"
	}
	return o
}

// Records loads every record from the given input, which may be a local
// file or a URL. The format is picked by extension: .xlsx and .zip are
// recognized, anything else parses as CSV.
func Records(ctx context.Context, input string, opts Options) ([]model.CompanyRecord, error) {
	opts = opts.withDefaults()

	path, cleanup, err := localize(ctx, input, opts)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	return readFile(ctx, path, opts)
}

func readFile(ctx context.Context, path string, opts Options) ([]model.CompanyRecord, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		header, rows, err := readXLSX(path, opts.Sheet)
		if err != nil {
			return nil, err
		}
		return buildRecords(header, rows)

	case ".zip":
		dir, err := os.MkdirTemp("", "enrich-load-*")
		if err != nil {
			return nil, eris.Wrap(err, "load: temp dir")
		}
		defer os.RemoveAll(dir) //nolint:errcheck

		inner, err := extractInput(path, dir)
		if err != nil {
			return nil, err
		}
		// The extracted file is never another archive, so this recursion
		// is at most one level deep.
		return readFile(ctx, inner, opts)

	default:
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrap(err, "load: open input")
		}
		defer f.Close() //nolint:errcheck

		header, rows, err := readCSV(ctx, f, opts.Delimiter)
		if err != nil {
			return nil, err
		}
		return buildRecords(header, rows)
	}
}
