// Package worker claims broker messages, binds the tenant, and drives task
// handlers through the task state machine.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"portfolio-backoffice/internal/config"
	"portfolio-backoffice/internal/domain"
	"portfolio-backoffice/internal/models"
	"portfolio-backoffice/internal/queue"
	"portfolio-backoffice/internal/storage"
	"portfolio-backoffice/internal/telemetry"
)

// ErrTaskAborted tells the processor to finish the task as
// TransactionsAborted instead of Error.
var ErrTaskAborted = errors.New("task aborted")

// ErrTaskCanceled tells the processor the handler observed a cancellation
// and stopped; the task row already carries the final status.
var ErrTaskCanceled = errors.New("task canceled")

// cancelPollInterval throttles the per-row cancellation check against the
// task store.
const cancelPollInterval = 2 * time.Second

// TaskStore is the slice of the task store the worker needs. *store.Store
// is the production implementation.
type TaskStore interface {
	GetTask(ctx context.Context, id int64) (models.Task, error)
	GetTaskByBrokerID(ctx context.Context, brokerID string) (models.Task, error)
	AcceptForExecution(ctx context.Context, id int64, brokerTaskID, workerName string) (bool, error)
	UpdateProgress(ctx context.Context, id int64, p models.Progress) error
	MarkSucceeded(ctx context.Context, id int64, result map[string]any, verboseResult string) error
	MarkFailed(ctx context.Context, id int64, errMsg, traceback string) error
	MarkAborted(ctx context.Context, id int64, errMsg string, result map[string]any) error
	AddAttachment(ctx context.Context, a models.TaskAttachment) (int64, error)
	ExpireOverdue(ctx context.Context) (int64, error)
	Reap(ctx context.Context, olderThan time.Duration) (int64, error)
	CancelStale(ctx context.Context) (int64, error)
}

// MessageBroker is the slice of the broker the worker needs.
type MessageBroker interface {
	DequeueWithLease(ctx context.Context) (*queue.Message, error)
	ExtendLease(ctx context.Context, brokerID string, extension time.Duration) error
	Ack(ctx context.Context, brokerID string) error
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	Depth(ctx context.Context) (int64, error)
}

// TenantBinder opens a tenant-bound DB session. The release func must be
// called before the worker returns to the loop.
type TenantBinder func(ctx context.Context, spaceCode string) (domain.DB, func(), error)

// Handler runs one task kind. The returned map becomes the task result on
// success.
type Handler func(ctx context.Context, run *Run) (map[string]any, error)

// Processor drives the worker execution loop.
type Processor struct {
	cfg        config.Config
	broker     MessageBroker
	store      TaskStore
	bind       TenantBinder
	blob       storage.Storage
	handlers   map[string]Handler
	workerName string
	desc       models.Worker
	log        zerolog.Logger
}

func NewProcessor(cfg config.Config, broker MessageBroker, st TaskStore, bind TenantBinder, blob storage.Storage, workerName string, log zerolog.Logger) *Processor {
	return &Processor{
		cfg:        cfg,
		broker:     broker,
		store:      st,
		bind:       bind,
		blob:       blob,
		handlers:   make(map[string]Handler),
		workerName: workerName,
		desc: models.Worker{
			Name:        workerName,
			Kind:        "universal",
			Queue:       strings.Join(cfg.Queues, ","),
			MemoryLimit: cfg.WorkerMemoryLimit,
			Status:      "online",
		},
		log: log.With().Str("component", "worker").Str("worker", workerName).Logger(),
	}
}

// Descriptor reports the fleet-observability view of this worker.
func (p *Processor) Descriptor() models.Worker {
	return p.desc
}

// RegisterHandler binds a handler to a task kind. Kinds without a handler
// fail closed at dispatch.
func (p *Processor) RegisterHandler(kind string, handler Handler) {
	if kind == "" || handler == nil {
		return
	}
	p.handlers[kind] = handler
}

// Run starts the main worker loop until context cancellation. Broker errors
// back the loop off with jitter instead of spinning.
func (p *Processor) Run(ctx context.Context) error {
	if p.cfg.CancelStaleOnBoot {
		if n, err := p.store.CancelStale(ctx); err != nil {
			p.log.Warn().Err(err).Msg("stale task cancel failed")
		} else if n > 0 {
			p.log.Info().Int64("count", n).Msg("canceled stale tasks at boot")
		}
	}

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if reclaimed, _ := p.broker.RequeueExpired(ctx, time.Now(), 100); len(reclaimed) > 0 {
			telemetry.InFlightGauge.Sub(float64(len(reclaimed)))
			p.log.Warn().Int("count", len(reclaimed)).Msg("requeued expired leases")
		}
		if depth, err := p.broker.Depth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		msg, err := p.broker.DequeueWithLease(ctx)
		if err != nil {
			failures++
			wait := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, failures)
			p.log.Error().Err(err).Dur("backoff", wait).Msg("broker dequeue failed")
			sleepCtx(ctx, wait)
			continue
		}
		failures = 0
		if msg == nil {
			sleepCtx(ctx, p.cfg.WorkerPollInterval)
			continue
		}

		telemetry.InFlightGauge.Inc()
		p.processMessage(ctx, msg)
		telemetry.InFlightGauge.Dec()
	}
}

// processMessage executes one claimed message end to end. It always acks:
// a message whose task cannot run is dropped, not retried forever.
func (p *Processor) processMessage(ctx context.Context, msg *queue.Message) {
	log := p.log.With().Int64("task_id", msg.TaskID).Str("broker_id", msg.BrokerID).Str("kind", msg.Kind).Logger()
	defer func() { _ = p.broker.Ack(ctx, msg.BrokerID) }()

	var task models.Task
	var err error
	if msg.TaskID != 0 {
		task, err = p.store.GetTask(ctx, msg.TaskID)
	} else {
		task, err = p.store.GetTaskByBrokerID(ctx, msg.BrokerID)
	}
	if err != nil {
		log.Error().Err(err).Msg("task lookup failed")
		return
	}
	if models.IsTerminal(task.Status) {
		log.Info().Str("status", task.Status).Msg("task already finished")
		return
	}

	accepted, err := p.store.AcceptForExecution(ctx, task.ID, msg.BrokerID, p.workerName)
	if err != nil {
		log.Error().Err(err).Msg("accept failed")
		return
	}
	if !accepted {
		// Lost the Init->Pending race: another process owns the task, even
		// if our lease on the message was requeued. The TTL sweeper
		// reclaims the task if that owner died.
		log.Info().Msg("task not claimable, dropping message")
		return
	}
	task.Status = models.StatusPending

	db, release, err := p.bind(ctx, msg.SpaceCode)
	if err != nil {
		log.Error().Err(err).Str("space_code", msg.SpaceCode).Msg("tenant bind failed")
		_ = p.store.MarkFailed(ctx, task.ID, fmt.Sprintf("tenant bind: %v", err), "")
		telemetry.TasksFailed.Inc()
		return
	}
	defer release()

	run := &Run{
		Task:       &task,
		Msg:        msg,
		DB:         db,
		Store:      p.store,
		WorkerName: p.workerName,
		StartedAt:  time.Now().UTC(),
		Canceled:   p.cancelPoller(task.ID),
		Progress: func(pr models.Progress) {
			_ = p.store.UpdateProgress(ctx, task.ID, pr)
		},
	}

	stopLease := p.keepLease(ctx, msg.BrokerID)
	status := p.dispatch(WithRun(ctx, run), run)
	stopLease()

	p.writeRunProfile(ctx, run, status)
	log.Info().Str("status", status).Dur("took", time.Since(run.StartedAt)).Msg("task finished")
}

// dispatch resolves the handler, runs it under panic recovery, and writes
// the terminal status. Returns the status it settled on.
func (p *Processor) dispatch(ctx context.Context, run *Run) (status string) {
	handler, ok := p.handlers[run.Task.Type]
	if !ok {
		_ = p.store.MarkFailed(ctx, run.Task.ID, fmt.Sprintf("no handler registered for task type %q", run.Task.Type), "")
		telemetry.TasksFailed.Inc()
		return models.StatusError
	}

	defer func() {
		if r := recover(); r != nil {
			_ = p.store.MarkFailed(ctx, run.Task.ID, fmt.Sprintf("panic: %v", r), string(debug.Stack()))
			telemetry.TasksFailed.Inc()
			status = models.StatusError
		}
	}()

	result, err := handler(ctx, run)
	switch {
	case err == nil:
		verbose, _ := result["verbose_result"].(string)
		delete(result, "verbose_result")
		_ = p.store.MarkSucceeded(ctx, run.Task.ID, result, verbose)
		telemetry.TasksSucceeded.Inc()
		return models.StatusDone
	case errors.Is(err, ErrTaskAborted):
		_ = p.store.MarkAborted(ctx, run.Task.ID, err.Error(), result)
		return models.StatusTransactionsAborted
	case errors.Is(err, ErrTaskCanceled):
		return models.StatusCanceled
	default:
		_ = p.store.MarkFailed(ctx, run.Task.ID, err.Error(), "")
		telemetry.TasksFailed.Inc()
		return models.StatusError
	}
}

// cancelPoller returns a throttled check against the task store so handlers
// can poll between rows without a query per row. Any status other than
// Pending stops the handler: Canceled, Timeout from the TTL sweeper, or a
// terminal write by another process.
func (p *Processor) cancelPoller(taskID int64) func(ctx context.Context) bool {
	var lastCheck time.Time
	stopped := false
	return func(ctx context.Context) bool {
		if stopped {
			return true
		}
		if time.Since(lastCheck) < cancelPollInterval {
			return false
		}
		lastCheck = time.Now()
		t, err := p.store.GetTask(ctx, taskID)
		if err == nil && t.Status != models.StatusPending {
			stopped = true
		}
		return stopped
	}
}

// keepLease extends the broker lease at half its timeout until the returned
// stop func is called.
func (p *Processor) keepLease(ctx context.Context, brokerID string) func() {
	interval := p.cfg.LeaseTimeout / 2
	if interval <= 0 {
		interval = 15 * time.Second
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = p.broker.ExtendLease(ctx, brokerID, p.cfg.LeaseTimeout)
			}
		}
	}()
	return func() { close(done) }
}

// writeRunProfile stores the task.metadata report and attaches it. Best
// effort: a missing blob backend or a write failure never fails the task.
func (p *Processor) writeRunProfile(ctx context.Context, run *Run, status string) {
	if p.blob == nil {
		return
	}
	finished := time.Now().UTC()
	profile := map[string]any{
		"task_id":     run.Task.ID,
		"type":        run.Task.Type,
		"status":      status,
		"worker":      p.desc,
		"queue":       run.Msg.Queue,
		"broker_id":   run.Msg.BrokerID,
		"started_at":  run.StartedAt.Format(time.RFC3339),
		"finished_at": finished.Format(time.RFC3339),
		"duration_ms": finished.Sub(run.StartedAt).Milliseconds(),
	}
	body, err := json.MarshalIndent(profile, "", "  ")
	if err != nil {
		return
	}
	key := storage.TenantKey(run.Msg.SpaceCode, "tasks", fmt.Sprintf("%d", run.Task.ID), "task.metadata.json")
	url, err := p.blob.Save(ctx, key, body, "application/json")
	if err != nil {
		p.log.Warn().Err(err).Msg("run profile not stored")
		return
	}
	_, _ = p.store.AddAttachment(ctx, models.TaskAttachment{
		TaskID:   run.Task.ID,
		FileURL:  url,
		FileName: "task.metadata.json",
		Notes:    "Run profile",
	})
}

// RunSweeper expires overdue tasks and reaps old finished ones on their
// configured schedules until context cancellation.
func (p *Processor) RunSweeper(ctx context.Context) error {
	sweep := time.NewTicker(p.cfg.SweepInterval)
	defer sweep.Stop()
	reap := time.NewTicker(p.cfg.ReapInterval)
	defer reap.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sweep.C:
			n, err := p.store.ExpireOverdue(ctx)
			if err != nil {
				p.log.Error().Err(err).Msg("ttl sweep failed")
				continue
			}
			if n > 0 {
				telemetry.TasksTimedOut.Add(float64(n))
				p.log.Info().Int64("count", n).Msg("tasks expired by ttl")
			}
		case <-reap.C:
			n, err := p.store.Reap(ctx, p.cfg.ReapAfter)
			if err != nil {
				p.log.Error().Err(err).Msg("reap failed")
				continue
			}
			if n > 0 {
				p.log.Info().Int64("count", n).Msg("old tasks reaped")
			}
		}
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if max > 0 && wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
