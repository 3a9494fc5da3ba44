package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"portfolio-backoffice/internal/domain"
	"portfolio-backoffice/internal/importer"
	"portfolio-backoffice/internal/models"
	"portfolio-backoffice/internal/storage"
	"portfolio-backoffice/internal/telemetry"
)

// SchemeStore resolves import schemes for the handler.
type SchemeStore interface {
	GetScheme(ctx context.Context, id int64) (models.ImportScheme, error)
	GetSchemeByUserCode(ctx context.Context, spaceCode, userCode string) (models.ImportScheme, error)
}

// ImportHandler runs simple_import tasks through the pipeline.
type ImportHandler struct {
	schemes  SchemeStore
	blob     storage.Storage
	imp      *importer.Importer
	messages domain.MessageSink
	log      zerolog.Logger
}

func NewImportHandler(schemes SchemeStore, blob storage.Storage, imp *importer.Importer, messages domain.MessageSink, log zerolog.Logger) *ImportHandler {
	return &ImportHandler{
		schemes:  schemes,
		blob:     blob,
		imp:      imp,
		messages: messages,
		log:      log.With().Str("component", "import_handler").Logger(),
	}
}

// Handle resolves the scheme and source from the task options, runs the
// import, and attaches both reports to the task.
func (h *ImportHandler) Handle(ctx context.Context, run *Run) (map[string]any, error) {
	opts := run.Task.Options

	scheme, err := h.resolveScheme(ctx, run, opts)
	if err != nil {
		return nil, err
	}

	fileName, _ := opts["file_name"].(string)
	filePath, _ := opts["file_path"].(string)
	items, _ := opts["items"].([]any)

	var body []byte
	if filePath != "" {
		body, err = h.blob.Open(ctx, filePath)
		if err != nil {
			return nil, fmt.Errorf("open import file %s: %w", filePath, err)
		}
		if fileName == "" {
			fileName = filePath
		}
	}

	services := domain.NewServices(run.DB, run.Msg.SpaceCode, h.messages, nil)
	result, runErr := h.imp.Run(ctx, importer.RunParams{
		Task:        run.Task,
		Scheme:      scheme,
		DB:          run.DB,
		SpaceCode:   run.Msg.SpaceCode,
		MemberID:    run.Task.MemberID,
		FileName:    fileName,
		FileBody:    body,
		InlineItems: items,
		Services:    services,
		Progress:    run.Progress,
		Canceled:    run.Canceled,
	})

	telemetry.ImportRowsSuccess.Add(float64(result.SuccessCount))
	telemetry.ImportRowsError.Add(float64(result.ErrorCount))
	telemetry.ImportRowsSkipped.Add(float64(result.SkipCount))
	h.attachReports(ctx, run, result)

	resultMap := map[string]any{
		"scheme_id":      scheme.ID,
		"file_name":      result.FileName,
		"total_rows":     result.TotalRows,
		"success_count":  result.SuccessCount,
		"error_count":    result.ErrorCount,
		"skip_count":     result.SkipCount,
		"report_url":     result.ReportFileURL,
		"detail_url":     result.DetailFileURL,
		"verbose_result": fmt.Sprintf("%d rows: %d ok, %d failed, %d skipped", result.TotalRows, result.SuccessCount, result.ErrorCount, result.SkipCount),
	}

	switch {
	case runErr == nil:
		return resultMap, nil
	case errors.Is(runErr, importer.ErrAborted):
		return resultMap, fmt.Errorf("%w: %s", ErrTaskAborted, result.ErrorMessage)
	case errors.Is(runErr, importer.ErrCanceled):
		return resultMap, ErrTaskCanceled
	default:
		return resultMap, runErr
	}
}

func (h *ImportHandler) resolveScheme(ctx context.Context, run *Run, opts map[string]any) (models.ImportScheme, error) {
	if id, ok := optInt64(opts, "scheme_id"); ok {
		return h.schemes.GetScheme(ctx, id)
	}
	if userCode, ok := opts["scheme_user_code"].(string); ok && userCode != "" {
		return h.schemes.GetSchemeByUserCode(ctx, run.Msg.SpaceCode, userCode)
	}
	return models.ImportScheme{}, fmt.Errorf("task options carry neither scheme_id nor scheme_user_code")
}

func (h *ImportHandler) attachReports(ctx context.Context, run *Run, result models.ImportResult) {
	for _, att := range []struct {
		url, name, notes string
	}{
		{result.ReportFileURL, "import_summary.csv", "Import summary"},
		{result.DetailFileURL, "import_detail.json", "Import detail"},
	} {
		if att.url == "" {
			continue
		}
		if _, err := run.Store.AddAttachment(ctx, models.TaskAttachment{
			TaskID:   run.Task.ID,
			FileURL:  att.url,
			FileName: att.name,
			Notes:    att.notes,
		}); err != nil {
			h.log.Warn().Err(err).Int64("task_id", run.Task.ID).Msg("report not attached")
		}
	}
}

// optInt64 reads a numeric option; JSON round-trips numbers as float64.
func optInt64(opts map[string]any, key string) (int64, bool) {
	switch v := opts[key].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}
