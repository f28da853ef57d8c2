package load

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

var dataExtensions = map[string]bool{
	".csv":  true,
	".xlsx": true,
	".txt":  true,
}

// extractInput pulls the single data file out of a zip archive. Archives
// with zero or more than one csv/xlsx/txt entry are rejected: there is
// no sane way to guess which file the operator meant.
func extractInput(zipPath, destDir string) (string, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return "", eris.Wrap(err, "load: open zip archive")
	}
	defer r.Close() //nolint:errcheck

	var candidates []*zip.File
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if dataExtensions[strings.ToLower(filepath.Ext(f.Name))] {
			candidates = append(candidates, f)
		}
	}

	switch len(candidates) {
	case 0:
		return "", eris.New("load: zip archive contains no csv or xlsx file")
	case 1:
		return extractEntry(candidates[0], destDir)
	default:
		names := make([]string, len(candidates))
		for i, f := range candidates {
			names[i] = f.Name
		}
		return "", eris.Errorf("load: zip archive contains %d data files (%s), expected exactly one", len(names), strings.Join(names, ", "))
	}
}

func extractEntry(f *zip.File, destDir string) (string, error) {
	// filepath.Base flattens the entry path, which also rules out
	// zip-slip escapes.
	destPath := filepath.Join(destDir, filepath.Base(f.Name))

	rc, err := f.Open()
	if err != nil {
		return "", eris.Wrap(err, "load: open zip entry")
	}
	defer rc.Close() //nolint:errcheck

	out, err := os.Create(destPath)
	if err != nil {
		return "", eris.Wrap(err, "load: create extracted file")
	}
	defer out.Close() //nolint:errcheck

	if _, err := io.Copy(out, rc); err != nil {
		return "", eris.Wrap(err, "load: write extracted file")
	}
	return destPath, nil
}
