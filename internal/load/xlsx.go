package load

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// readXLSX reads one sheet of a workbook into a header row plus data
// rows. An empty sheetName selects the first sheet.
func readXLSX(path, sheetName string) ([]string, [][]string, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, nil, eris.Wrap(err, "load: open xlsx")
	}

	sheet, err := pickSheet(f, sheetName)
	if err != nil {
		return nil, nil, err
	}

	var header []string
	var rows [][]string
	for _, row := range sheet.Rows {
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = strings.TrimSpace(cell.String())
		}
		if header == nil {
			header = cells
			continue
		}
		rows = append(rows, cells)
	}
	if header == nil {
		return nil, nil, eris.Errorf("load: sheet %q is empty", sheet.Name)
	}
	return header, rows, nil
}

func pickSheet(f *xlsx.File, name string) (*xlsx.Sheet, error) {
	if name != "" {
		sheet, ok := f.Sheet[name]
		if !ok {
			return nil, eris.Errorf("load: sheet %q not found", name)
		}
		return sheet, nil
	}
	if len(f.Sheets) == 0 {
		return nil, eris.New("load: workbook has no sheets")
	}
	return f.Sheets[0], nil
}
