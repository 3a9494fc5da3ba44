package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"portfolio-backoffice/internal/models"
	"portfolio-backoffice/internal/storage"
)

// writeReports renders the CSV summary and JSON detail and stores both under
// the task's tenant prefix. Report failures never fail the import; the rows
// are already persisted.
func (imp *Importer) writeReports(ctx context.Context, p RunParams, scheme models.ImportScheme, result *models.ImportResult) {
	if imp.blob == nil {
		return
	}
	stamp := time.Now().UTC().Format("20060102_150405")

	summary := renderSummaryCSV(scheme, *result)
	summaryKey := storage.TenantKey(p.SpaceCode, "tasks", fmt.Sprintf("%d", p.Task.ID),
		fmt.Sprintf("import_summary_%s.csv", stamp))
	if url, err := imp.blob.Save(ctx, summaryKey, []byte(summary), "text/csv"); err != nil {
		imp.log.Warn().Err(err).Msg("summary report not stored")
	} else {
		result.ReportFileURL = url
	}

	detail, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		imp.log.Warn().Err(err).Msg("detail report not rendered")
		return
	}
	detailKey := storage.TenantKey(p.SpaceCode, "tasks", fmt.Sprintf("%d", p.Task.ID),
		fmt.Sprintf("import_detail_%s.json", stamp))
	if url, err := imp.blob.Save(ctx, detailKey, detail, "application/json"); err != nil {
		imp.log.Warn().Err(err).Msg("detail report not stored")
	} else {
		result.DetailFileURL = url
	}
}

// renderSummaryCSV builds the operator-facing summary: a header block with
// the run's settings and counts, then one quoted line per row.
func renderSummaryCSV(scheme models.ImportScheme, result models.ImportResult) string {
	var b strings.Builder

	writeKV := func(key, value string) {
		b.WriteString(csvQuote(key))
		b.WriteString(",")
		b.WriteString(csvQuote(value))
		b.WriteString("\n")
	}

	writeKV("Type", "Simple Import")
	writeKV("Scheme", scheme.UserCode)
	writeKV("Error handler", scheme.ErrorHandler)
	writeKV("Filename", result.FileName)
	writeKV("Missing data handler", scheme.MissingDataHandler)
	writeKV("Mode", scheme.Mode)
	writeKV("Total rows", fmt.Sprintf("%d", result.TotalRows))
	writeKV("Success rows", fmt.Sprintf("%d", result.SuccessCount))
	writeKV("Error rows", fmt.Sprintf("%d", result.ErrorCount))
	writeKV("Skipped rows", fmt.Sprintf("%d", result.SkipCount))
	b.WriteString("\n")

	b.WriteString(`"Row Number","Status","Message"`)
	b.WriteString("\n")
	for _, row := range result.Items {
		b.WriteString(csvQuote(fmt.Sprintf("%d", row.RowNumber)))
		b.WriteString(",")
		b.WriteString(csvQuote(row.Status))
		b.WriteString(",")
		b.WriteString(csvQuote(row.Message))
		b.WriteString("\n")
	}
	return b.String()
}

func csvQuote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
