// Package importer runs scheme-driven file imports: source rows are
// extracted, converted and filtered through user expressions, assembled into
// entity fields and persisted through the serializer registry, with CSV and
// JSON reports written at the end.
package importer

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"portfolio-backoffice/internal/domain"
	"portfolio-backoffice/internal/eval"
	"portfolio-backoffice/internal/models"
	"portfolio-backoffice/internal/storage"
)

// calculatedFieldPasses bounds calculated-field re-evaluation. Two passes
// let fields reference each other one level deep regardless of order.
const calculatedFieldPasses = 2

// ErrAborted means the scheme's break policy stopped the run; rows persisted
// before the failing one stay.
var ErrAborted = errors.New("import aborted by error handler")

// ErrCanceled means the task was canceled cooperatively between rows.
var ErrCanceled = errors.New("import canceled")

// SerializerRegistry resolves content types to serializers. *domain.Registry
// is the production implementation.
type SerializerRegistry interface {
	Get(contentType string) (domain.Serializer, bool)
}

// Importer runs imports. One instance serves all tasks; per-run state lives
// in RunParams and locals.
type Importer struct {
	evaluator *eval.Evaluator
	registry  SerializerRegistry
	blob      storage.Storage
	messages  domain.MessageSink
	maxItems  int
	log       zerolog.Logger
}

func New(evaluator *eval.Evaluator, registry SerializerRegistry, blob storage.Storage, messages domain.MessageSink, maxItems int, log zerolog.Logger) *Importer {
	if maxItems <= 0 {
		maxItems = 10000
	}
	return &Importer{
		evaluator: evaluator,
		registry:  registry,
		blob:      blob,
		messages:  messages,
		maxItems:  maxItems,
		log:       log.With().Str("component", "importer").Logger(),
	}
}

// RunParams carries everything one import run needs. DB is a tenant-bound
// session; Canceled is polled between rows.
type RunParams struct {
	Task        *models.Task
	Scheme      models.ImportScheme
	DB          domain.DB
	SpaceCode   string
	MemberID    int64
	FileName    string
	FileBody    []byte
	InlineItems []any
	Services    eval.Services
	Progress    func(models.Progress)
	Canceled    func(context.Context) bool
}

// Run executes the pipeline. A nil error means the run completed (row-level
// errors may still be present in the result); ErrAborted means the break
// policy stopped it; ErrCanceled means cooperative cancellation; any other
// error is a run-level failure before or during row processing.
func (imp *Importer) Run(ctx context.Context, p RunParams) (models.ImportResult, error) {
	scheme := p.Scheme.Defaulted()
	result := models.ImportResult{
		TaskID:   p.Task.ID,
		SchemeID: scheme.ID,
		FileName: p.FileName,
	}
	log := imp.log.With().Int64("task_id", p.Task.ID).Str("scheme", scheme.UserCode).Logger()

	rowIndex := map[int]map[string]any{}
	ec := &eval.Context{
		SpaceCode: p.SpaceCode,
		MemberID:  p.MemberID,
		Task:      p.Task,
		Scheme:    &scheme,
		Services:  p.Services,
		FindRow: func(n int) (map[string]any, bool) {
			inputs, ok := rowIndex[n]
			return inputs, ok
		},
	}

	imp.sendMessage(ctx, p.SpaceCode, "Import started",
		fmt.Sprintf("Task %d, scheme %s, file %s", p.Task.ID, scheme.UserCode, p.FileName))

	format := detectFormat(scheme, p.FileName, len(p.InlineItems) > 0)
	items, err := acquireItems(scheme, format, p.FileName, p.FileBody, p.InlineItems)
	if err != nil {
		return result, fmt.Errorf("acquire source: %w", err)
	}
	items, err = imp.preprocessItems(ctx, scheme, items, ec)
	if err != nil {
		return result, err
	}
	if len(items) > imp.maxItems {
		return result, fmt.Errorf("file has %d rows, limit is %d", len(items), imp.maxItems)
	}

	result.TotalRows = len(items)
	if len(items) == 0 {
		log.Info().Msg("no rows to import")
		return result, nil
	}

	seeds, err := imp.loadSeeds(ctx, p.DB, scheme)
	if err != nil {
		return result, err
	}

	for i, item := range items {
		if p.Canceled != nil && p.Canceled(ctx) {
			result.ErrorMessage = "canceled"
			return result, ErrCanceled
		}

		rowNumber := i + 1
		row := imp.processRow(ctx, p, scheme, ec, seeds, item, rowNumber)
		rowIndex[rowNumber] = row.Inputs
		result.Items = append(result.Items, row)

		switch row.Status {
		case models.RowStatusSuccess:
			result.SuccessCount++
		case models.RowStatusSkip:
			result.SkipCount++
		case models.RowStatusError:
			result.ErrorCount++
		}

		if p.Progress != nil {
			p.Progress(models.Progress{
				Current:     rowNumber,
				Total:       result.TotalRows,
				Percent:     rowNumber * 100 / result.TotalRows,
				Description: fmt.Sprintf("Row %d of %d", rowNumber, result.TotalRows),
			})
		}

		if row.Status == models.RowStatusError && scheme.ErrorHandler == models.ErrorHandlerBreak {
			result.ErrorMessage = fmt.Sprintf("row %d: %s", rowNumber, row.Message)
			imp.writeReports(ctx, p, scheme, &result)
			imp.sendMessage(ctx, p.SpaceCode, "Import aborted", result.ErrorMessage)
			return result, ErrAborted
		}
	}

	imp.writeReports(ctx, p, scheme, &result)

	if result.ErrorCount > 0 {
		imp.sendMessage(ctx, p.SpaceCode, "Import finished with errors",
			fmt.Sprintf("Task %d: %d ok, %d failed, %d skipped", p.Task.ID, result.SuccessCount, result.ErrorCount, result.SkipCount))
	} else {
		imp.sendMessage(ctx, p.SpaceCode, "Import finished",
			fmt.Sprintf("Task %d: %d ok, %d skipped", p.Task.ID, result.SuccessCount, result.SkipCount))
	}
	log.Info().
		Int("total", result.TotalRows).
		Int("ok", result.SuccessCount).
		Int("failed", result.ErrorCount).
		Int("skipped", result.SkipCount).
		Msg("import finished")
	return result, nil
}

func (imp *Importer) sendMessage(ctx context.Context, spaceCode, title, description string) {
	if imp.messages == nil {
		return
	}
	if err := imp.messages.Send(ctx, spaceCode, title, description); err != nil {
		imp.log.Warn().Err(err).Str("title", title).Msg("system message not delivered")
	}
}

// loadSeeds fetches instrument type defaults once per run when the scheme
// targets instruments and names a type.
func (imp *Importer) loadSeeds(ctx context.Context, db domain.DB, scheme models.ImportScheme) (map[string]any, error) {
	if scheme.ContentType != domain.ContentTypeInstrument || scheme.InstrumentTypeCode == "" || db == nil {
		return nil, nil
	}
	seeds, err := domain.InstrumentTypeDefaults(ctx, db, scheme.InstrumentTypeCode)
	if err != nil {
		return nil, fmt.Errorf("instrument type defaults: %w", err)
	}
	return seeds, nil
}

// processRow runs stages 2 through 7 for one source row. It never returns an
// error: every failure is captured on the row itself.
func (imp *Importer) processRow(ctx context.Context, p RunParams, scheme models.ImportScheme, ec *eval.Context, seeds map[string]any, item sourceItem, rowNumber int) models.RowResult {
	row := models.RowResult{
		RowNumber: rowNumber,
		Status:    models.RowStatusInit,
	}
	if item.Cells != nil {
		row.FileInputs = item.Cells
	} else if item.ByName != nil {
		row.FileInputs = []any{item.ByName}
	}

	row.RawInputs = extractRaw(scheme, item)
	row.ConversionInputs, row.ConversionErrors = imp.convertColumns(ctx, scheme, ec, row.RawInputs)
	row.Inputs = imp.calculateFields(ctx, scheme, ec, row.ConversionInputs, &row)

	if scheme.FilterExpr != "" {
		keep, err := imp.evaluator.EvaluateBool(ctx, scheme.FilterExpr, row.Inputs, ec)
		if err != nil || !keep {
			// A raising filter drops the row the same way a falsy one does.
			row.Status = models.RowStatusSkip
			row.Message = "Skipped due filter"
			return row
		}
	}

	finals, attrs, rowErrs := imp.assembleEntity(ctx, p.DB, scheme, ec, seeds, row.Inputs)
	row.FinalInputs = finals
	if len(rowErrs) > 0 && scheme.MissingDataHandler == models.MissingDataThrowError {
		row.Status = models.RowStatusError
		row.Message = joinErrors(rowErrs)
		return row
	}

	entity, persistErrs := imp.persistEntity(ctx, p.DB, scheme, finals, attrs)
	if entity.ID == 0 {
		row.Status = models.RowStatusError
		row.Message = joinErrors(append(rowErrs, persistErrs...))
		return row
	}

	// Attribute failures after a persisted entity stay on the message; the
	// row itself succeeded.
	row.Status = models.RowStatusSuccess
	row.Message = joinErrors(append(rowErrs, persistErrs...))
	row.ImportedItems = []models.ImportedItem{{
		ID:          entity.ID,
		UserCode:    entity.UserCode,
		ContentType: entity.ContentType,
		Mode:        scheme.Mode,
	}}

	if scheme.PostProcessExpr != "" {
		names := cloneMap(row.Inputs)
		names["entity_id"] = float64(entity.ID)
		if _, err := imp.evaluator.Evaluate(ctx, scheme.PostProcessExpr, names, ec); err != nil {
			// Post-process failures are recorded but never revert the entity.
			row.Message = appendMessage(row.Message, fmt.Sprintf("post process: %v", err))
		}
	}
	return row
}

// extractRaw resolves scheme columns against the source row. Missing cells
// become nil; extra cells are ignored.
func extractRaw(scheme models.ImportScheme, item sourceItem) map[string]any {
	raw := make(map[string]any, len(scheme.Columns))
	for _, col := range scheme.Columns {
		var value any
		if scheme.ColumnMatcher == models.ColumnMatcherName {
			value = item.ByName[col.ColumnName]
		} else if col.Order >= 0 && col.Order < len(item.Cells) {
			value = item.Cells[col.Order]
		}
		raw[col.Name] = value
	}
	return raw
}

// convertColumns applies per-column conversion expressions. A failing
// conversion yields nil and is remembered, not fatal.
func (imp *Importer) convertColumns(ctx context.Context, scheme models.ImportScheme, ec *eval.Context, raw map[string]any) (map[string]any, []string) {
	converted := make(map[string]any, len(raw))
	var convErrors []string
	for _, col := range scheme.Columns {
		value := raw[col.Name]
		if col.NameExpr != "" {
			names := cloneMap(raw)
			names["value"] = value
			v, err := imp.evaluator.Evaluate(ctx, col.NameExpr, names, ec)
			if err != nil {
				convErrors = append(convErrors, fmt.Sprintf("column %s: %v", col.Name, err))
				value = nil
			} else {
				value = v
			}
		}
		if value == nil && col.UseDefault {
			value = col.DefaultValue
		}
		converted[col.Name] = value
	}
	return converted, convErrors
}

// calculateFields evaluates calculated fields over a fixed number of passes
// so they can reference each other regardless of declaration order. Failures
// on the final pass are remembered on the row.
func (imp *Importer) calculateFields(ctx context.Context, scheme models.ImportScheme, ec *eval.Context, converted map[string]any, row *models.RowResult) map[string]any {
	inputs := cloneMap(converted)
	for pass := 1; pass <= calculatedFieldPasses; pass++ {
		for _, cf := range scheme.CalculatedFields {
			v, err := imp.evaluator.Evaluate(ctx, cf.NameExpr, inputs, ec)
			if err != nil {
				if pass == calculatedFieldPasses {
					row.ConversionErrors = append(row.ConversionErrors, fmt.Sprintf("calculated field %s: %v", cf.Name, err))
					inputs[cf.Name] = nil
				}
				continue
			}
			inputs[cf.Name] = v
		}
	}
	return inputs
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func joinErrors(errs []string) string {
	msg := ""
	for _, e := range errs {
		msg = appendMessage(msg, e)
	}
	return msg
}

func appendMessage(msg, next string) string {
	if msg == "" {
		return next
	}
	return msg + "; " + next
}
