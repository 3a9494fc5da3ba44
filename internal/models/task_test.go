package models

import "testing"

func TestTerminalStatusesAreAbsorbing(t *testing.T) {
	terminals := []string{StatusDone, StatusError, StatusTimeout, StatusCanceled, StatusTransactionsAborted}
	for _, from := range terminals {
		if !IsTerminal(from) {
			t.Fatalf("expected %s terminal", from)
		}
		for _, to := range []string{StatusInit, StatusPending, StatusDone, StatusError} {
			if CanTransition(from, to) {
				t.Fatalf("transition %s -> %s should be rejected", from, to)
			}
		}
	}
}

func TestPendingTransitions(t *testing.T) {
	allowed := []string{StatusDone, StatusError, StatusTimeout, StatusCanceled, StatusTransactionsAborted}
	for _, to := range allowed {
		if !CanTransition(StatusPending, to) {
			t.Fatalf("pending -> %s should be allowed", to)
		}
	}
	if CanTransition(StatusPending, StatusInit) {
		t.Fatal("pending -> init should be rejected")
	}
}

func TestInitToPending(t *testing.T) {
	if !CanTransition(StatusInit, StatusPending) {
		t.Fatal("init -> pending should be allowed")
	}
	if CanTransition(StatusInit, StatusDone) {
		t.Fatal("init -> done must pass through pending")
	}
}

func TestWaitResponseReturnsToPending(t *testing.T) {
	if !CanTransition(StatusRequestSent, StatusWaitResponse) {
		t.Fatal("request_sent -> wait_response should be allowed")
	}
	if !CanTransition(StatusWaitResponse, StatusPending) {
		t.Fatal("wait_response -> pending should be allowed")
	}
}

func TestStatusName(t *testing.T) {
	if got := StatusName(StatusTransactionsAborted); got != "TRANSACTIONS_ABORTED" {
		t.Fatalf("got %q", got)
	}
	if got := StatusName("Z"); got != "Z" {
		t.Fatalf("unknown status should pass through, got %q", got)
	}
}

func TestSchemeDefaulted(t *testing.T) {
	s := ImportScheme{}.Defaulted()
	if s.Delimiter != "," {
		t.Fatalf("delimiter default, got %q", s.Delimiter)
	}
	if s.ErrorHandler != ErrorHandlerContinue {
		t.Fatalf("error handler default, got %q", s.ErrorHandler)
	}
	if s.Mode != ModeSkip {
		t.Fatalf("mode default, got %q", s.Mode)
	}
	if s.ColumnMatcher != ColumnMatcherIndex {
		t.Fatalf("column matcher default, got %q", s.ColumnMatcher)
	}
	if s.SpreadsheetStartCell != "A1" {
		t.Fatalf("start cell default, got %q", s.SpreadsheetStartCell)
	}

	custom := ImportScheme{Delimiter: ";", Mode: ModeOverwrite}.Defaulted()
	if custom.Delimiter != ";" || custom.Mode != ModeOverwrite {
		t.Fatal("explicit values must be preserved")
	}
}
