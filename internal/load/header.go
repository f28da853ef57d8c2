package load

import (
	"strings"

	"github.com/rotisserie/eris"

	"github.com/lanterna-data/enrich-cli/internal/model"
)

// Canonical field keys a header column can map to. "pec" lands in
// Extra["pec"] rather than a dedicated struct field.
const (
	colName       = "name"
	colAddress    = "address"
	colCity       = "city"
	colProvince   = "province"
	colPostalCode = "postal_code"
	colPhone      = "phone"
	colTaxID      = "tax_id"
	colWebsite    = "website"
	colPEC        = "pec"
)

// headerAliases maps normalized header names to canonical fields. The
// spellings come from real Italian business exports (chamber-of-commerce
// extracts, CRM dumps) plus the obvious English equivalents.
var headerAliases = map[string]string{
	"ragione sociale": colName,
	"denominazione":   colName,
	"nome":            colName,
	"azienda":         colName,
	"company":         colName,
	"company name":    colName,

	"indirizzo": colAddress,
	"via":       colAddress,
	"address":   colAddress,

	"comune":   colCity,
	"citta":    colCity,
	"città":    colCity,
	"localita": colCity,
	"località": colCity,
	"city":     colCity,

	"provincia":       colProvince,
	"prov":            colProvince,
	"sigla provincia": colProvince,
	"province":        colProvince,

	"cap":            colPostalCode,
	"codice postale": colPostalCode,
	"zip":            colPostalCode,
	"zip code":       colPostalCode,
	"postal code":    colPostalCode,

	"telefono":  colPhone,
	"tel":       colPhone,
	"phone":     colPhone,
	"telephone": colPhone,

	"partita iva": colTaxID,
	"p iva":       colTaxID,
	"piva":        colTaxID,
	"partita_iva": colTaxID,
	"tax id":      colTaxID,
	"tax_id":      colTaxID,
	"vat":         colTaxID,
	"vat number":  colTaxID,

	"sito":          colWebsite,
	"sito web":      colWebsite,
	"sito internet": colWebsite,
	"website":       colWebsite,
	"web":           colWebsite,
	"url":           colWebsite,

	"pec":               colPEC,
	"email pec":         colPEC,
	"posta certificata": colPEC,
}

// NormalizeHeader lowercases a header cell and collapses punctuation and
// whitespace runs to single spaces, so "P.IVA", "p_iva" and "P. Iva" all
// normalize to "p iva". A UTF-8 BOM on the first cell is stripped.
func NormalizeHeader(h string) string {
	h = strings.TrimPrefix(h, "\uFEFF")
	h = strings.ToLower(strings.TrimSpace(h))

	var b strings.Builder
	b.Grow(len(h))
	pendingSpace := false
	for _, r := range h {
		switch {
		case r == ' ' || r == '\t' || r == '.' || r == '_' || r == '-' || r == '/' || r == ':':
			pendingSpace = b.Len() > 0
		default:
			if pendingSpace {
				b.WriteByte(' ')
				pendingSpace = false
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}

// columnMap resolves header positions: fields maps canonical keys to
// column indexes, extra keeps the normalized name of every column that
// matched no alias.
type columnMap struct {
	fields map[string]int
	extra  map[int]string
}

func mapHeader(header []string) (columnMap, error) {
	cm := columnMap{
		fields: make(map[string]int),
		extra:  make(map[int]string),
	}
	for i, raw := range header {
		norm := NormalizeHeader(raw)
		if norm == "" {
			continue
		}
		canonical, ok := headerAliases[norm]
		if !ok {
			cm.extra[i] = norm
			continue
		}
		// First occurrence wins when a file repeats a column.
		if _, seen := cm.fields[canonical]; !seen {
			cm.fields[canonical] = i
		}
	}
	if _, ok := cm.fields[colName]; !ok {
		return columnMap{}, eris.New("load: no company name column found (expected one of: ragione sociale, denominazione, nome, azienda, company)")
	}
	return cm, nil
}

func (cm columnMap) cell(row []string, field string) string {
	idx, ok := cm.fields[field]
	if !ok || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

func blankRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// buildRecords converts raw rows into CompanyRecords using the header
// mapping. Blank rows are skipped; rows shorter than the header are
// padded implicitly by the bounds check in cell.
func buildRecords(header []string, rows [][]string) ([]model.CompanyRecord, error) {
	cm, err := mapHeader(header)
	if err != nil {
		return nil, err
	}

	out := make([]model.CompanyRecord, 0, len(rows))
	for _, row := range rows {
		if blankRow(row) {
			continue
		}
		rec := model.CompanyRecord{
			Name:       cm.cell(row, colName),
			Address:    cm.cell(row, colAddress),
			City:       cm.cell(row, colCity),
			Province:   strings.ToUpper(cm.cell(row, colProvince)),
			PostalCode: cm.cell(row, colPostalCode),
			Phone:      cm.cell(row, colPhone),
			TaxID:      cm.cell(row, colTaxID),
			Website:    cm.cell(row, colWebsite),
		}
		if pec := cm.cell(row, colPEC); pec != "" {
			rec.Extra = map[string]string{"pec": pec}
		}
		for idx, name := range cm.extra {
			if idx >= len(row) {
				continue
			}
			v := strings.TrimSpace(row[idx])
			if v == "" {
				continue
			}
			if rec.Extra == nil {
				rec.Extra = make(map[string]string)
			}
			rec.Extra[name] = v
		}
		out = append(out, rec)
	}
	return out, nil
}
