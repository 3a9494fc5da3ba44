package eval

import (
	"context"
	"errors"
	"fmt"

	"portfolio-backoffice/internal/models"
)

// Services is the domain surface context-aware functions are allowed to touch.
// Implementations are tenant-bound; the evaluator never sees a schema name.
type Services interface {
	GetInstrument(ctx context.Context, userCode string) (map[string]any, error)
	GetCurrency(ctx context.Context, userCode string) (map[string]any, error)
	GetFxRate(ctx context.Context, currencyCode string, date string) (float64, error)
	AddPriceHistory(ctx context.Context, fields map[string]any) error
	SendSystemMessage(ctx context.Context, title, description string) error
	RebookTransaction(ctx context.Context, transactionCode string, inputs map[string]any) (map[string]any, error)
	RunDataProcedure(ctx context.Context, userCode string, inputs map[string]any) error
}

// RowLookup resolves a previously processed row by number. The importer wires
// it so transaction_import.find_row can read forward references.
type RowLookup func(rowNumber int) (map[string]any, bool)

// Context is the evaluation environment beyond the per-row names map. It is
// carried on context.Context, never in a package global.
type Context struct {
	SpaceCode string
	MemberID  int64
	Task      *models.Task
	Scheme    *models.ImportScheme
	Services  Services
	FindRow   RowLookup
}

type ctxKey struct{}

// With attaches the evaluation environment to ctx.
func With(ctx context.Context, ec *Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, ec)
}

// FromContext returns the evaluation environment, if any.
func FromContext(ctx context.Context) (*Context, bool) {
	ec, ok := ctx.Value(ctxKey{}).(*Context)
	return ec, ok
}

var errNoContext = errors.New("no evaluation context bound")

func requireContext(ctx context.Context) (*Context, error) {
	ec, ok := FromContext(ctx)
	if !ok || ec == nil {
		return nil, errNoContext
	}
	return ec, nil
}

func requireServices(ctx context.Context) (*Context, error) {
	ec, err := requireContext(ctx)
	if err != nil {
		return nil, err
	}
	if ec.Services == nil {
		return nil, errors.New("no domain services bound")
	}
	return ec, nil
}

func fnGetInstrument(ctx context.Context, args ...any) (any, error) {
	ec, err := requireServices(ctx)
	if err != nil {
		return nil, err
	}
	code, err := argString(args, 0, "get_instrument")
	if err != nil {
		return nil, err
	}
	return ec.Services.GetInstrument(ctx, code)
}

func fnGetCurrency(ctx context.Context, args ...any) (any, error) {
	ec, err := requireServices(ctx)
	if err != nil {
		return nil, err
	}
	code, err := argString(args, 0, "get_currency")
	if err != nil {
		return nil, err
	}
	return ec.Services.GetCurrency(ctx, code)
}

func fnGetFxRate(ctx context.Context, args ...any) (any, error) {
	ec, err := requireServices(ctx)
	if err != nil {
		return nil, err
	}
	code, err := argString(args, 0, "get_fx_rate")
	if err != nil {
		return nil, err
	}
	date, err := argString(args, 1, "get_fx_rate")
	if err != nil {
		return nil, err
	}
	return ec.Services.GetFxRate(ctx, code, date)
}

func fnAddPriceHistory(ctx context.Context, args ...any) (any, error) {
	ec, err := requireServices(ctx)
	if err != nil {
		return nil, err
	}
	fields, err := argMap(args, 0, "add_price_history")
	if err != nil {
		return nil, err
	}
	if err := ec.Services.AddPriceHistory(ctx, fields); err != nil {
		return nil, err
	}
	return true, nil
}

func fnSendSystemMessage(ctx context.Context, args ...any) (any, error) {
	ec, err := requireServices(ctx)
	if err != nil {
		return nil, err
	}
	title, err := argString(args, 0, "send_system_message")
	if err != nil {
		return nil, err
	}
	description, err := argString(args, 1, "send_system_message")
	if err != nil {
		return nil, err
	}
	if err := ec.Services.SendSystemMessage(ctx, title, description); err != nil {
		return nil, err
	}
	return true, nil
}

func fnRebookTransaction(ctx context.Context, args ...any) (any, error) {
	ec, err := requireServices(ctx)
	if err != nil {
		return nil, err
	}
	code, err := argString(args, 0, "rebook_transaction")
	if err != nil {
		return nil, err
	}
	inputs := map[string]any{}
	if len(args) > 1 {
		inputs, err = argMap(args, 1, "rebook_transaction")
		if err != nil {
			return nil, err
		}
	}
	return ec.Services.RebookTransaction(ctx, code, inputs)
}

func fnRunDataProcedure(ctx context.Context, args ...any) (any, error) {
	ec, err := requireServices(ctx)
	if err != nil {
		return nil, err
	}
	code, err := argString(args, 0, "run_data_procedure")
	if err != nil {
		return nil, err
	}
	inputs := map[string]any{}
	if len(args) > 1 {
		inputs, err = argMap(args, 1, "run_data_procedure")
		if err != nil {
			return nil, err
		}
	}
	if err := ec.Services.RunDataProcedure(ctx, code, inputs); err != nil {
		return nil, err
	}
	return true, nil
}

func fnFindRow(ctx context.Context, args ...any) (any, error) {
	ec, err := requireContext(ctx)
	if err != nil {
		return nil, err
	}
	if ec.FindRow == nil {
		return nil, errors.New("find_row is not available outside an import run")
	}
	n, err := argInt(args, 0, "find_row")
	if err != nil {
		return nil, err
	}
	row, ok := ec.FindRow(n)
	if !ok {
		return nil, fmt.Errorf("row %d not found", n)
	}
	return row, nil
}
