package worker

import (
	"context"
	"time"

	"portfolio-backoffice/internal/domain"
	"portfolio-backoffice/internal/models"
	"portfolio-backoffice/internal/queue"
)

// Run is the execution context for one claimed task. DB is bound to the
// message's tenant schema and must not outlive the handler call.
type Run struct {
	Task       *models.Task
	Msg        *queue.Message
	DB         domain.DB
	Store      TaskStore
	WorkerName string
	StartedAt  time.Time

	// Canceled reports whether the task was canceled; handlers poll it
	// between units of work.
	Canceled func(ctx context.Context) bool
	// Progress persists row-level progress on the task.
	Progress func(models.Progress)
}

type runKey struct{}

// WithRun attaches the execution context to ctx for code that cannot take
// a *Run parameter directly.
func WithRun(ctx context.Context, run *Run) context.Context {
	return context.WithValue(ctx, runKey{}, run)
}

// RunFromContext returns the current execution context, if any.
func RunFromContext(ctx context.Context) (*Run, bool) {
	run, ok := ctx.Value(runKey{}).(*Run)
	return run, ok
}
