package worker

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"portfolio-backoffice/internal/importer"
	"portfolio-backoffice/internal/models"
)

// BulkDeleteHandler deletes a batch of entities of one content type. The
// last error is kept on the result; a run where nothing deleted fails.
type BulkDeleteHandler struct {
	registry importer.SerializerRegistry
	log      zerolog.Logger
}

func NewBulkDeleteHandler(registry importer.SerializerRegistry, log zerolog.Logger) *BulkDeleteHandler {
	return &BulkDeleteHandler{
		registry: registry,
		log:      log.With().Str("component", "bulk_delete_handler").Logger(),
	}
}

func (h *BulkDeleteHandler) Handle(ctx context.Context, run *Run) (map[string]any, error) {
	opts := run.Task.Options
	contentType, _ := opts["content_type"].(string)
	if contentType == "" {
		return nil, fmt.Errorf("task options carry no content_type")
	}
	serializer, ok := h.registry.Get(contentType)
	if !ok {
		return nil, fmt.Errorf("no serializer for content type %q", contentType)
	}

	rawIDs, _ := opts["ids"].([]any)
	if len(rawIDs) == 0 {
		return map[string]any{"deleted": 0, "verbose_result": "nothing to delete"}, nil
	}

	deleted := 0
	failed := 0
	lastError := ""
	for i, raw := range rawIDs {
		if run.Canceled != nil && run.Canceled(ctx) {
			return map[string]any{"deleted": deleted, "failed": failed}, ErrTaskCanceled
		}

		id, ok := asID(raw)
		if !ok {
			failed++
			lastError = fmt.Sprintf("item %d: %v is not an id", i+1, raw)
			continue
		}
		if err := serializer.Delete(ctx, run.DB, id); err != nil {
			failed++
			lastError = fmt.Sprintf("id %d: %v", id, err)
			h.log.Warn().Err(err).Int64("id", id).Str("content_type", contentType).Msg("delete failed")
		} else {
			deleted++
		}

		if run.Progress != nil {
			n := i + 1
			run.Progress(models.Progress{
				Current:     n,
				Total:       len(rawIDs),
				Percent:     n * 100 / len(rawIDs),
				Description: fmt.Sprintf("Deleted %d of %d", n, len(rawIDs)),
			})
		}
	}

	result := map[string]any{
		"content_type":   contentType,
		"deleted":        deleted,
		"failed":         failed,
		"verbose_result": fmt.Sprintf("%d deleted, %d failed", deleted, failed),
	}
	if lastError != "" {
		result["last_error"] = lastError
	}
	if deleted == 0 && failed > 0 {
		return result, fmt.Errorf("bulk delete failed: %s", lastError)
	}
	return result, nil
}

func asID(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case int64:
		return t, true
	case int:
		return int64(t), true
	default:
		return 0, false
	}
}
