// Package export writes published companies to spreadsheets and reads seed
// companies back from them.
package export

import (
	"encoding/csv"
	"io"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/lead-pipeline/internal/model"
)

// Format selects the output encoding.
type Format string

// Supported formats.
const (
	FormatXLSX Format = "xlsx"
	FormatCSV  Format = "csv"
)

// ParseFormat maps a flag value or file extension to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(s, ".")) {
	case "xlsx", "":
		return FormatXLSX, nil
	case "csv":
		return FormatCSV, nil
	}
	return "", eris.Errorf("export: unknown format %q", s)
}

const sheetName = "Companies"

// Header is the column order of every export.
var Header = []string{
	"Name", "Website", "Base Domain", "Emails", "Category",
	"Services", "Tags", "Score", "Description", "Session", "Updated",
}

// Row renders one published company in Header order.
func Row(p model.PublishedCompany) []string {
	updated := ""
	if !p.UpdatedAt.IsZero() {
		updated = p.UpdatedAt.UTC().Format("2006-01-02")
	}
	return []string{
		p.Name,
		p.Website,
		p.BaseDomain,
		strings.Join(p.Emails, "; "),
		p.Category,
		p.Services,
		strings.Join(p.Tags, ", "),
		strconv.Itoa(p.Score),
		p.Description,
		p.SessionID,
		updated,
	}
}

// Write encodes companies to w in the given format.
func Write(w io.Writer, format Format, companies []model.PublishedCompany) error {
	switch format {
	case FormatXLSX:
		return WriteXLSX(w, companies)
	case FormatCSV:
		return WriteCSV(w, companies)
	}
	return eris.Errorf("export: unknown format %q", format)
}

// WriteXLSX writes a single-sheet workbook with a header row.
func WriteXLSX(w io.Writer, companies []model.PublishedCompany) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet(sheetName)
	if err != nil {
		return eris.Wrap(err, "xlsx: add sheet")
	}

	addRow(sheet, Header)
	for _, p := range companies {
		row := sheet.AddRow()
		for i, v := range Row(p) {
			cell := row.AddCell()
			if Header[i] == "Score" {
				cell.SetInt(p.Score)
				continue
			}
			cell.SetString(v)
		}
	}

	if err := f.Write(w); err != nil {
		return eris.Wrap(err, "xlsx: write workbook")
	}
	return nil
}

func addRow(sheet *xlsx.Sheet, values []string) {
	row := sheet.AddRow()
	for _, v := range values {
		row.AddCell().SetString(v)
	}
}

// WriteCSV writes the companies as CSV with a header row.
func WriteCSV(w io.Writer, companies []model.PublishedCompany) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return eris.Wrap(err, "csv: write header")
	}
	for _, p := range companies {
		if err := cw.Write(Row(p)); err != nil {
			return eris.Wrap(err, "csv: write row")
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "csv: flush")
}
