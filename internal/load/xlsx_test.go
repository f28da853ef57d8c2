package load

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
)

// writeTestXLSX builds a workbook with one sheet per entry, each holding
// the given rows, and saves it under dir.
func writeTestXLSX(t *testing.T, dir, name string, sheets map[string][][]string) string {
	t.Helper()

	f := xlsx.NewFile()
	for sheetName, rows := range sheets {
		sheet, err := f.AddSheet(sheetName)
		require.NoError(t, err)
		for _, row := range rows {
			r := sheet.AddRow()
			for _, v := range row {
				r.AddCell().SetString(v)
			}
		}
	}

	path := filepath.Join(dir, name)
	require.NoError(t, f.Save(path))
	return path
}

func TestReadXLSX_FirstSheet(t *testing.T) {
	path := writeTestXLSX(t, t.TempDir(), "aziende.xlsx", map[string][][]string{
		"Foglio1": {
			{"Ragione Sociale", "Comune"},
			{"Rossi Srl", "Bergamo"},
		},
	})

	header, rows, err := readXLSX(path, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"Ragione Sociale", "Comune"}, header)
	require.Len(t, rows, 1)
	assert.Equal(t, []string{"Rossi Srl", "Bergamo"}, rows[0])
}

func TestReadXLSX_SheetByName(t *testing.T) {
	path := writeTestXLSX(t, t.TempDir(), "aziende.xlsx", map[string][][]string{
		"Dati": {
			{"Nome"},
			{"Bianchi Spa"},
		},
	})

	_, rows, err := readXLSX(path, "Dati")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Bianchi Spa", rows[0][0])

	_, _, err = readXLSX(path, "Inesistente")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `sheet "Inesistente" not found`)
}

func TestReadXLSX_EmptySheet(t *testing.T) {
	path := writeTestXLSX(t, t.TempDir(), "vuoto.xlsx", map[string][][]string{
		"Foglio1": {},
	})

	_, _, err := readXLSX(path, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is empty")
}

func TestReadXLSX_MissingFile(t *testing.T) {
	_, _, err := readXLSX(filepath.Join(t.TempDir(), "nope.xlsx"), "")
	require.Error(t, err)
}
