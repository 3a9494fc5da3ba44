package importer

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"portfolio-backoffice/internal/eval"
	"portfolio-backoffice/internal/models"
)

// sourceItem is one raw file row, readable both positionally and by header
// name. JSON items have no cell order and carry only the name view.
type sourceItem struct {
	Cells  []any
	ByName map[string]any
}

// detectFormat resolves the file format from the scheme or filename.
func detectFormat(scheme models.ImportScheme, fileName string, hasInline bool) string {
	if hasInline {
		return models.FormatInline
	}
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".json":
		return models.FormatJSON
	case ".xlsx", ".xlsm":
		return models.FormatXLSX
	case ".csv", ".txt":
		return models.FormatCSV
	}
	if scheme.ContentType != "" && strings.Contains(scheme.ContentType, "json") {
		return models.FormatJSON
	}
	return models.FormatCSV
}

// acquireItems turns the source (inline items or file body) into rows.
func acquireItems(scheme models.ImportScheme, format, fileName string, body []byte, inline []any) ([]sourceItem, error) {
	switch format {
	case models.FormatInline:
		return itemsFromList(inline)
	case models.FormatJSON:
		return parseJSONItems(body)
	case models.FormatCSV:
		return parseCSVItems(scheme, body)
	case models.FormatXLSX:
		return parseExcelItems(scheme, body)
	default:
		return nil, fmt.Errorf("unsupported file format %q for %s", format, fileName)
	}
}

func itemsFromList(list []any) ([]sourceItem, error) {
	out := make([]sourceItem, 0, len(list))
	for i, raw := range list {
		switch item := raw.(type) {
		case map[string]any:
			out = append(out, sourceItem{ByName: item})
		case []any:
			out = append(out, sourceItem{Cells: item})
		default:
			return nil, fmt.Errorf("item %d: expected object or array, got %T", i+1, raw)
		}
	}
	return out, nil
}

func parseJSONItems(body []byte) ([]sourceItem, error) {
	var list []any
	if err := json.Unmarshal(body, &list); err == nil {
		return itemsFromList(list)
	}
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parse json file: %w", err)
	}
	for _, key := range []string{"items", "data"} {
		if list, ok := doc[key].([]any); ok {
			return itemsFromList(list)
		}
	}
	return nil, fmt.Errorf("json file has no items or data list")
}

// parseCSVItems reads data rows using the scheme delimiter. The first row is
// a header; it feeds the name view and is not a data row.
func parseCSVItems(scheme models.ImportScheme, body []byte) ([]sourceItem, error) {
	reader := csv.NewReader(bytes.NewReader(body))
	delimiter := scheme.Delimiter
	if delimiter == "" {
		delimiter = ","
	}
	reader.Comma = rune(delimiter[0])
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv file: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	header := records[0]
	return rowsToItems(header, records[1:]), nil
}

// parseExcelItems reads the configured tab from the configured start cell.
func parseExcelItems(scheme models.ImportScheme, body []byte) ([]sourceItem, error) {
	f, err := excelize.OpenReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("open spreadsheet: %w", err)
	}
	defer f.Close()

	sheet := scheme.SpreadsheetActiveTab
	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, fmt.Errorf("spreadsheet has no sheets")
		}
		sheet = sheets[0]
	}

	startCell := scheme.SpreadsheetStartCell
	if startCell == "" {
		startCell = "A1"
	}
	startCol, startRow, err := excelize.CellNameToCoordinates(startCell)
	if err != nil {
		return nil, fmt.Errorf("invalid start cell %q: %w", startCell, err)
	}

	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
	}
	if len(rows) < startRow {
		return nil, nil
	}

	trimmed := make([][]string, 0, len(rows)-startRow+1)
	for _, row := range rows[startRow-1:] {
		if len(row) >= startCol {
			trimmed = append(trimmed, row[startCol-1:])
		} else {
			trimmed = append(trimmed, nil)
		}
	}
	if len(trimmed) == 0 {
		return nil, nil
	}
	return rowsToItems(trimmed[0], trimmed[1:]), nil
}

func rowsToItems(header []string, records [][]string) []sourceItem {
	items := make([]sourceItem, 0, len(records))
	for _, record := range records {
		cells := make([]any, len(record))
		byName := make(map[string]any, len(record))
		for i, value := range record {
			cells[i] = value
			if i < len(header) && header[i] != "" {
				byName[header[i]] = value
			}
		}
		items = append(items, sourceItem{Cells: cells, ByName: byName})
	}
	return items
}

// preprocessItems applies the scheme's whole-file expression with the item
// list bound as "data". The expression returns the replacement list.
func (imp *Importer) preprocessItems(ctx context.Context, scheme models.ImportScheme, items []sourceItem, ec *eval.Context) ([]sourceItem, error) {
	if scheme.DataPreprocessExpr == "" {
		return items, nil
	}
	data := make([]any, len(items))
	for i, item := range items {
		if item.ByName != nil {
			data[i] = item.ByName
		} else {
			data[i] = item.Cells
		}
	}
	result, err := imp.evaluator.Evaluate(ctx, scheme.DataPreprocessExpr, map[string]any{"data": data}, ec)
	if err != nil {
		return nil, fmt.Errorf("data preprocess expression: %w", err)
	}
	list, ok := result.([]any)
	if !ok {
		return nil, fmt.Errorf("data preprocess expression returned %T, expected a list", result)
	}
	return itemsFromList(list)
}
