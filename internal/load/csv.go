package load

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"strings"

	"github.com/rotisserie/eris"
)

// readCSV parses the whole stream into a header row plus data rows.
// When delimiter is 0 the first line is sniffed: Italian exports almost
// always use ';' because ',' is the decimal separator.
func readCSV(ctx context.Context, r io.Reader, delimiter rune) ([]string, [][]string, error) {
	br := bufio.NewReader(r)
	if delimiter == 0 {
		delimiter = sniffDelimiter(br)
	}

	cr := csv.NewReader(br)
	cr.Comma = delimiter
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1

	var header []string
	var rows [][]string
	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, eris.Wrap(err, "load: csv read canceled")
		}
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, eris.Wrap(err, "load: parse csv")
		}
		for i := range row {
			row[i] = strings.TrimSpace(row[i])
		}
		if header == nil {
			header = row
			continue
		}
		rows = append(rows, row)
	}
	if header == nil {
		return nil, nil, eris.New("load: empty csv input")
	}
	return header, rows, nil
}

// sniffDelimiter inspects the first line without consuming it and picks
// whichever of ';' and ',' appears more often.
func sniffDelimiter(br *bufio.Reader) rune {
	peek, _ := br.Peek(4096)
	line := string(peek)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	if strings.Count(line, ";") > strings.Count(line, ",") {
		return ';'
	}
	return ','
}
