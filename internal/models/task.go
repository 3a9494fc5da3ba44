package models

import (
	"time"
)

// Task statuses persisted in Postgres. The single-letter codes travel in API
// responses and reports, the names are for humans.
const (
	StatusInit                = "I"
	StatusPending             = "P"
	StatusDone                = "D"
	StatusError               = "E"
	StatusTimeout             = "T"
	StatusCanceled            = "C"
	StatusTransactionsAborted = "X"
	StatusRequestSent         = "R"
	StatusWaitResponse        = "W"
)

// Task kinds dispatched by the worker registry.
const (
	KindSimpleImport          = "simple_import"
	KindTransactionImport     = "transaction_import"
	KindBulkDelete            = "bulk_delete"
	KindGenerateEvents        = "generate_events"
	KindProcessEvents         = "process_events"
	KindRecalculateUserFields = "recalculate_user_fields"
)

// Progress is the task's progress blob: percent stays within [0,100] and is
// monotonic within a single Pending window.
type Progress struct {
	Current     int    `json:"current"`
	Total       int    `json:"total"`
	Percent     int    `json:"percent"`
	Description string `json:"description"`
}

// Task is the durable record of a background job. Owned by exactly one worker
// between Pending and a terminal state.
type Task struct {
	ID            int64          `json:"id"`
	SpaceCode     string         `json:"space_code"`
	MemberID      int64          `json:"member_id"`
	ParentID      *int64         `json:"parent_id,omitempty"`
	BrokerTaskID  *string        `json:"broker_task_id,omitempty"`
	Type          string         `json:"type"`
	Status        string         `json:"status"`
	Options       map[string]any `json:"options,omitempty"`
	Progress      *Progress      `json:"progress,omitempty"`
	Result        map[string]any `json:"result,omitempty"`
	Notes         string         `json:"notes,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	VerboseName   string         `json:"verbose_name,omitempty"`
	VerboseResult string         `json:"verbose_result,omitempty"`
	WorkerName    string         `json:"worker_name,omitempty"`
	Created       time.Time      `json:"created"`
	Modified      time.Time      `json:"modified"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
	ExpiryAt      *time.Time     `json:"expiry_at,omitempty"`
}

// TaskAttachment is a file produced by a task. Append-only.
type TaskAttachment struct {
	ID           int64     `json:"id"`
	TaskID       int64     `json:"task_id"`
	FileURL      string    `json:"file_url"`
	FileName     string    `json:"file_name"`
	Notes        string    `json:"notes,omitempty"`
	FileReportID *int64    `json:"file_report_id,omitempty"`
	Created      time.Time `json:"created"`
}

// Worker describes a logical background worker for fleet observability.
// Tasks reference it by name only.
type Worker struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Queue       string `json:"queue"`
	MemoryLimit int64  `json:"memory_limit"`
	Status      string `json:"status"`
}

var terminalStatuses = map[string]bool{
	StatusDone:                true,
	StatusError:               true,
	StatusTimeout:             true,
	StatusCanceled:            true,
	StatusTransactionsAborted: true,
}

// IsTerminal reports whether a status is absorbing: once entered, a task
// never leaves it short of an administrative reopen.
func IsTerminal(status string) bool {
	return terminalStatuses[status]
}

// allowedTransitions is the task state graph. RequestSent/WaitResponse exist
// for handlers that await an external system before returning to Pending.
var allowedTransitions = map[string][]string{
	StatusInit:         {StatusPending, StatusError, StatusCanceled, StatusRequestSent},
	StatusPending:      {StatusDone, StatusError, StatusTimeout, StatusCanceled, StatusTransactionsAborted},
	StatusRequestSent:  {StatusWaitResponse, StatusError, StatusCanceled},
	StatusWaitResponse: {StatusPending, StatusError, StatusTimeout, StatusCanceled},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to string) bool {
	if IsTerminal(from) {
		return false
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StatusName maps a status code to its display name.
func StatusName(status string) string {
	switch status {
	case StatusInit:
		return "INIT"
	case StatusPending:
		return "PENDING"
	case StatusDone:
		return "DONE"
	case StatusError:
		return "ERROR"
	case StatusTimeout:
		return "TIMEOUT"
	case StatusCanceled:
		return "CANCELED"
	case StatusTransactionsAborted:
		return "TRANSACTIONS_ABORTED"
	case StatusRequestSent:
		return "REQUEST_SENT"
	case StatusWaitResponse:
		return "WAIT_RESPONSE"
	default:
		return status
	}
}
