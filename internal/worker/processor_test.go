package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"portfolio-backoffice/internal/config"
	"portfolio-backoffice/internal/domain"
	"portfolio-backoffice/internal/models"
	"portfolio-backoffice/internal/queue"
)

type fakeTaskStore struct {
	mu         sync.Mutex
	task       models.Task
	getCalls   int
	brokerGets []string

	acceptOK  bool
	acceptErr error

	succeeded       bool
	succeededResult map[string]any
	verbose         string
	failed          bool
	failMsg         string
	failTrace       string
	aborted         bool
	abortMsg        string

	attachments []models.TaskAttachment
	progress    []models.Progress
}

func (f *fakeTaskStore) GetTask(_ context.Context, _ int64) (models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	return f.task, nil
}

func (f *fakeTaskStore) GetTaskByBrokerID(_ context.Context, brokerID string) (models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.brokerGets = append(f.brokerGets, brokerID)
	return f.task, nil
}

func (f *fakeTaskStore) AcceptForExecution(_ context.Context, _ int64, brokerID, workerName string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acceptErr != nil {
		return false, f.acceptErr
	}
	if f.acceptOK {
		f.task.Status = models.StatusPending
		f.task.BrokerTaskID = &brokerID
		f.task.WorkerName = workerName
	}
	return f.acceptOK, nil
}

func (f *fakeTaskStore) UpdateProgress(_ context.Context, _ int64, p models.Progress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, p)
	return nil
}

func (f *fakeTaskStore) MarkSucceeded(_ context.Context, _ int64, result map[string]any, verbose string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.succeeded = true
	f.succeededResult = result
	f.verbose = verbose
	f.task.Status = models.StatusDone
	return nil
}

func (f *fakeTaskStore) MarkFailed(_ context.Context, _ int64, errMsg, traceback string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = true
	f.failMsg = errMsg
	f.failTrace = traceback
	f.task.Status = models.StatusError
	return nil
}

func (f *fakeTaskStore) MarkAborted(_ context.Context, _ int64, errMsg string, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = true
	f.abortMsg = errMsg
	f.task.Status = models.StatusTransactionsAborted
	return nil
}

func (f *fakeTaskStore) AddAttachment(_ context.Context, a models.TaskAttachment) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attachments = append(f.attachments, a)
	return int64(len(f.attachments)), nil
}

func (f *fakeTaskStore) ExpireOverdue(context.Context) (int64, error) { return 0, nil }

func (f *fakeTaskStore) Reap(context.Context, time.Duration) (int64, error) { return 0, nil }

func (f *fakeTaskStore) CancelStale(context.Context) (int64, error) { return 0, nil }

type fakeBroker struct {
	mu    sync.Mutex
	acked []string
}

func (f *fakeBroker) DequeueWithLease(context.Context) (*queue.Message, error) { return nil, nil }

func (f *fakeBroker) ExtendLease(context.Context, string, time.Duration) error { return nil }

func (f *fakeBroker) Ack(_ context.Context, brokerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, brokerID)
	return nil
}

func (f *fakeBroker) RequeueExpired(context.Context, time.Time, int64) ([]string, error) {
	return nil, nil
}
func (f *fakeBroker) Depth(context.Context) (int64, error) { return 0, nil }

func okBinder(releases *int) TenantBinder {
	return func(context.Context, string) (domain.DB, func(), error) {
		return nil, func() { *releases++ }, nil
	}
}

func testProcessor(st *fakeTaskStore, br *fakeBroker, bind TenantBinder) *Processor {
	cfg := config.Config{
		WorkerPollInterval: time.Millisecond,
		LeaseTimeout:       time.Second,
		BackoffInitial:     time.Millisecond,
		BackoffMax:         5 * time.Millisecond,
	}
	return NewProcessor(cfg, br, st, bind, nil, "worker00", zerolog.Nop())
}

func testMessage(kind string) *queue.Message {
	return &queue.Message{
		BrokerID:  "b-1",
		TaskID:    7,
		Kind:      kind,
		SpaceCode: "space00000",
		Queue:     "backend-background-queue",
	}
}

func TestProcessMessageSuccess(t *testing.T) {
	st := &fakeTaskStore{task: models.Task{ID: 7, Type: "echo", Status: models.StatusInit}, acceptOK: true}
	br := &fakeBroker{}
	releases := 0
	p := testProcessor(st, br, okBinder(&releases))

	p.RegisterHandler("echo", func(ctx context.Context, run *Run) (map[string]any, error) {
		if _, ok := RunFromContext(ctx); !ok {
			t.Error("run not on context")
		}
		return map[string]any{"answer": 42, "verbose_result": "done"}, nil
	})

	p.processMessage(context.Background(), testMessage("echo"))

	if !st.succeeded {
		t.Fatal("task not marked succeeded")
	}
	if st.verbose != "done" {
		t.Fatalf("verbose %q", st.verbose)
	}
	if _, ok := st.succeededResult["verbose_result"]; ok {
		t.Fatal("verbose_result should be stripped from the result map")
	}
	if len(br.acked) != 1 || br.acked[0] != "b-1" {
		t.Fatalf("acked %v", br.acked)
	}
	if releases != 1 {
		t.Fatalf("tenant session released %d times", releases)
	}
}

func TestUnknownKindFailsClosed(t *testing.T) {
	st := &fakeTaskStore{task: models.Task{ID: 7, Type: "mystery_kind", Status: models.StatusInit}, acceptOK: true}
	br := &fakeBroker{}
	releases := 0
	p := testProcessor(st, br, okBinder(&releases))

	p.processMessage(context.Background(), testMessage("mystery_kind"))

	if !st.failed {
		t.Fatal("unknown kind must fail the task")
	}
	if !strings.Contains(st.failMsg, "no handler registered") {
		t.Fatalf("fail message %q", st.failMsg)
	}
	if len(br.acked) != 1 {
		t.Fatal("message must still be acked")
	}
}

func TestHandlerPanicRecovered(t *testing.T) {
	st := &fakeTaskStore{task: models.Task{ID: 7, Type: "boom", Status: models.StatusInit}, acceptOK: true}
	br := &fakeBroker{}
	releases := 0
	p := testProcessor(st, br, okBinder(&releases))

	p.RegisterHandler("boom", func(context.Context, *Run) (map[string]any, error) {
		panic("kaboom")
	})

	p.processMessage(context.Background(), testMessage("boom"))

	if !st.failed {
		t.Fatal("panic must fail the task")
	}
	if !strings.Contains(st.failMsg, "kaboom") {
		t.Fatalf("fail message %q", st.failMsg)
	}
	if st.failTrace == "" {
		t.Fatal("traceback missing")
	}
	if releases != 1 {
		t.Fatal("tenant session leaked on panic")
	}
}

func TestTenantBindFailureMarksFailed(t *testing.T) {
	st := &fakeTaskStore{task: models.Task{ID: 7, Type: "echo", Status: models.StatusInit}, acceptOK: true}
	br := &fakeBroker{}
	p := testProcessor(st, br, func(context.Context, string) (domain.DB, func(), error) {
		return nil, nil, errors.New("schema missing")
	})
	p.RegisterHandler("echo", func(context.Context, *Run) (map[string]any, error) {
		t.Error("handler must not run without a tenant session")
		return nil, nil
	})

	p.processMessage(context.Background(), testMessage("echo"))

	if !st.failed || !strings.Contains(st.failMsg, "tenant bind") {
		t.Fatalf("failed=%v msg=%q", st.failed, st.failMsg)
	}
}

func TestAbortedHandlerMarksAborted(t *testing.T) {
	st := &fakeTaskStore{task: models.Task{ID: 7, Type: "imp", Status: models.StatusInit}, acceptOK: true}
	br := &fakeBroker{}
	releases := 0
	p := testProcessor(st, br, okBinder(&releases))

	p.RegisterHandler("imp", func(context.Context, *Run) (map[string]any, error) {
		return map[string]any{"total_rows": 3}, ErrTaskAborted
	})

	p.processMessage(context.Background(), testMessage("imp"))

	if !st.aborted {
		t.Fatal("task not marked aborted")
	}
	if st.failed || st.succeeded {
		t.Fatal("aborted task must not be failed or succeeded")
	}
}

func TestCanceledHandlerLeavesStatus(t *testing.T) {
	st := &fakeTaskStore{task: models.Task{ID: 7, Type: "imp", Status: models.StatusInit}, acceptOK: true}
	br := &fakeBroker{}
	releases := 0
	p := testProcessor(st, br, okBinder(&releases))

	p.RegisterHandler("imp", func(context.Context, *Run) (map[string]any, error) {
		return nil, ErrTaskCanceled
	})

	p.processMessage(context.Background(), testMessage("imp"))

	if st.failed || st.succeeded || st.aborted {
		t.Fatal("canceled task must keep its status")
	}
	if len(br.acked) != 1 {
		t.Fatal("message must be acked")
	}
}

func TestLostClaimDropsMessage(t *testing.T) {
	// Task already Pending under another worker; the claim CAS loses.
	st := &fakeTaskStore{task: models.Task{ID: 7, Type: "echo", Status: models.StatusPending}, acceptOK: false}
	br := &fakeBroker{}
	releases := 0
	p := testProcessor(st, br, okBinder(&releases))
	p.RegisterHandler("echo", func(context.Context, *Run) (map[string]any, error) {
		t.Error("handler must not run for a task owned elsewhere")
		return nil, nil
	})

	p.processMessage(context.Background(), testMessage("echo"))

	if st.succeeded || st.failed || st.aborted {
		t.Fatal("unclaimable task must not change state")
	}
	if releases != 0 {
		t.Fatal("tenant must not be bound for a dropped message")
	}
	if len(br.acked) != 1 {
		t.Fatal("dropped message must still be acked")
	}
}

func TestResolveTaskByBrokerID(t *testing.T) {
	st := &fakeTaskStore{task: models.Task{ID: 7, Type: "echo", Status: models.StatusInit}, acceptOK: true}
	br := &fakeBroker{}
	p := testProcessor(st, br, okBinder(new(int)))
	p.RegisterHandler("echo", func(context.Context, *Run) (map[string]any, error) {
		return nil, nil
	})

	msg := testMessage("echo")
	msg.TaskID = 0
	p.processMessage(context.Background(), msg)

	if len(st.brokerGets) != 1 || st.brokerGets[0] != "b-1" {
		t.Fatalf("broker id lookups %v", st.brokerGets)
	}
	if !st.succeeded {
		t.Fatal("task resolved by broker id must still run")
	}
}

func TestTerminalTaskDropped(t *testing.T) {
	st := &fakeTaskStore{task: models.Task{ID: 7, Type: "echo", Status: models.StatusDone}}
	br := &fakeBroker{}
	p := testProcessor(st, br, okBinder(new(int)))
	p.RegisterHandler("echo", func(context.Context, *Run) (map[string]any, error) {
		t.Error("handler must not run for a finished task")
		return nil, nil
	})

	p.processMessage(context.Background(), testMessage("echo"))

	if len(br.acked) != 1 {
		t.Fatal("stale message must be acked away")
	}
}

func TestCancelPollerThrottles(t *testing.T) {
	st := &fakeTaskStore{task: models.Task{ID: 7, Status: models.StatusPending}}
	p := testProcessor(st, &fakeBroker{}, okBinder(new(int)))

	poll := p.cancelPoller(7)
	for i := 0; i < 50; i++ {
		if poll(context.Background()) {
			t.Fatal("task is not canceled")
		}
	}
	if st.getCalls != 1 {
		t.Fatalf("expected one store hit, got %d", st.getCalls)
	}
}

func TestCancelPollerDetectsCancel(t *testing.T) {
	st := &fakeTaskStore{task: models.Task{ID: 7, Status: models.StatusCanceled}}
	p := testProcessor(st, &fakeBroker{}, okBinder(new(int)))

	poll := p.cancelPoller(7)
	if !poll(context.Background()) {
		t.Fatal("canceled status not observed")
	}
	// Sticky once observed, no further store hits.
	if !poll(context.Background()) || st.getCalls != 1 {
		t.Fatalf("cancellation not sticky, getCalls=%d", st.getCalls)
	}
}

func TestCancelPollerStopsOnTimeout(t *testing.T) {
	// The TTL sweeper moved the task to Timeout while the handler ran.
	st := &fakeTaskStore{task: models.Task{ID: 7, Status: models.StatusTimeout}}
	p := testProcessor(st, &fakeBroker{}, okBinder(new(int)))

	poll := p.cancelPoller(7)
	if !poll(context.Background()) {
		t.Fatal("timed-out status must stop the handler")
	}
}

func TestBackoffWithJitterBounds(t *testing.T) {
	base := 100 * time.Millisecond
	max := time.Second
	for attempt := 1; attempt <= 10; attempt++ {
		got := backoffWithJitter(base, max, attempt)
		if got < base/2 {
			t.Fatalf("attempt %d: %v below half base", attempt, got)
		}
		if got > max {
			t.Fatalf("attempt %d: %v above max", attempt, got)
		}
	}
}
