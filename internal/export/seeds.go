package export

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/lead-pipeline/internal/pipeline"
)

// seedColumns maps accepted header spellings to seed fields.
var seedColumns = map[string]string{
	"name":         "name",
	"company":      "name",
	"company name": "name",
	"website":      "website",
	"url":          "website",
	"site":         "website",
	"email":        "email",
	"emails":       "email",
	"description":  "description",
}

// ReadSeeds reads seed companies from an .xlsx or .csv file. The first row
// must be a header naming at least a name column; unknown columns are
// ignored and rows without a name are dropped.
func ReadSeeds(path string) ([]pipeline.Seed, error) {
	var (
		rows [][]string
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		rows, err = readXLSX(path)
	case ".csv":
		rows, err = readCSVFile(path)
	default:
		return nil, eris.Errorf("export: unsupported seed file %q", path)
	}
	if err != nil {
		return nil, err
	}
	return seedsFromRows(rows)
}

func readXLSX(path string) ([][]string, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open file")
	}
	if len(f.Sheets) == 0 {
		return nil, eris.Errorf("xlsx: %s has no sheets", path)
	}

	var rows [][]string
	for _, row := range f.Sheets[0].Rows {
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = cell.String()
		}
		rows = append(rows, cells)
	}
	return rows, nil
}

func readCSVFile(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "csv: open file")
	}
	defer f.Close() //nolint:errcheck
	return readCSV(f)
}

func readCSV(r io.Reader) ([][]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, eris.Wrap(err, "csv: read rows")
	}
	return rows, nil
}

func seedsFromRows(rows [][]string) ([]pipeline.Seed, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	index := make(map[string]int)
	for i, h := range rows[0] {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if field, ok := seedColumns[key]; ok {
			if _, dup := index[field]; !dup {
				index[field] = i
			}
		}
	}
	if _, ok := index["name"]; !ok {
		return nil, eris.New("export: seed file has no name column")
	}

	get := func(row []string, field string) string {
		i, ok := index[field]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	seeds := make([]pipeline.Seed, 0, len(rows)-1)
	for _, row := range rows[1:] {
		name := get(row, "name")
		if name == "" {
			continue
		}
		seeds = append(seeds, pipeline.Seed{
			Name:        name,
			Website:     get(row, "website"),
			Email:       get(row, "email"),
			Description: get(row, "description"),
		})
	}
	return seeds, nil
}
