// Package eval is the sandboxed expression engine used by import schemes.
// Expressions see only the names map, the bound evaluation Context and a
// fixed function whitelist. There is no io, no reflection escape hatch and
// no way to reach Postgres except through the Services interface.
package eval

import (
	"context"
	"errors"

	"github.com/PaesslerAG/gval"
)

// Evaluator compiles and runs whitelisted expressions. Safe for concurrent
// use; all mutable state lives in the per-call Context.
type Evaluator struct {
	lang gval.Language
}

// contextAware marks functions that receive the evaluation Context and may
// query or mutate domain state. Everything else is pure.
var contextAware = map[string]bool{
	"get_instrument":      true,
	"get_currency":        true,
	"get_fx_rate":         true,
	"add_price_history":   true,
	"send_system_message": true,
	"rebook_transaction":  true,
	"run_data_procedure":  true,
	"find_row":            true,
}

// New builds the evaluator with the full function whitelist.
func New() *Evaluator {
	lang := gval.NewLanguage(
		gval.Full(),
		gval.VariableSelector(selectVariable),

		gval.Function("str", fnStr),
		gval.Function("int", fnInt),
		gval.Function("float", fnFloat),
		gval.Function("bool", fnBool),
		gval.Function("round", fnRound),
		gval.Function("trunc", fnTrunc),
		gval.Function("abs", fnAbs),
		gval.Function("isclose", fnIsClose),
		gval.Function("min", fnMin),
		gval.Function("max", fnMax),
		gval.Function("len", fnLen),
		gval.Function("iff", fnIff),
		gval.Function("upper", fnUpper),
		gval.Function("lower", fnLower),
		gval.Function("contains", fnContains),
		gval.Function("replace", fnReplace),
		gval.Function("substr", fnSubstr),
		gval.Function("strip", fnStrip),
		gval.Function("split", fnSplit),
		gval.Function("join", fnJoin),
		gval.Function("md5", fnMD5),
		gval.Function("uuid", fnUUID),
		gval.Function("simple_group", fnSimpleGroup),
		gval.Function("now", fnNow),
		gval.Function("date", fnDate),
		gval.Function("parse_date", fnParseDate),
		gval.Function("universal_parse_date", fnUniversalParseDate),
		gval.Function("format_date", fnFormatDate),
		gval.Function("add_days", fnAddDays),
		gval.Function("add_weeks", fnAddWeeks),
		gval.Function("days_diff", fnDaysDiff),
		gval.Function("format_number", fnFormatNumber),
		gval.Function("parse_number", fnParseNumber),

		gval.Function("get_instrument", fnGetInstrument),
		gval.Function("get_currency", fnGetCurrency),
		gval.Function("get_fx_rate", fnGetFxRate),
		gval.Function("add_price_history", fnAddPriceHistory),
		gval.Function("send_system_message", fnSendSystemMessage),
		gval.Function("rebook_transaction", fnRebookTransaction),
		gval.Function("run_data_procedure", fnRunDataProcedure),
		gval.Function("find_row", fnFindRow),
	)
	return &Evaluator{lang: lang}
}

// IsContextAware reports whether a whitelisted function may touch domain
// state when called.
func (e *Evaluator) IsContextAware(name string) bool {
	return contextAware[name]
}

// Evaluate runs expr against the names map with ec bound as the evaluation
// environment. Failures come back as one of the typed errors in this package.
func (e *Evaluator) Evaluate(ctx context.Context, expr string, names map[string]any, ec *Context) (any, error) {
	if ec != nil {
		ctx = With(ctx, ec)
	}
	evaluable, err := e.lang.NewEvaluable(expr)
	if err != nil {
		return nil, &SyntaxError{Expr: expr, Err: err}
	}
	params := names
	if params == nil {
		params = map[string]any{}
	}
	v, err := evaluable(ctx, params)
	if err != nil {
		return nil, classify(expr, err)
	}
	return v, nil
}

// EvaluateBool runs expr and collapses the result to a truth value.
func (e *Evaluator) EvaluateBool(ctx context.Context, expr string, names map[string]any, ec *Context) (bool, error) {
	v, err := e.Evaluate(ctx, expr, names, ec)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

// Truthy exposes the expression language's truth rules to callers that need
// to collapse a result themselves.
func Truthy(v any) bool { return truthy(v) }

func classify(expr string, err error) error {
	var mn *missingName
	if errors.As(err, &mn) {
		// A missing name immediately followed by "(" was a call target,
		// which makes it a whitelist miss rather than an unbound variable.
		if calledAsFunction(expr, mn.name) {
			return &FunctionNotDefined{Name: mn.name, Expr: expr}
		}
		return &NameNotDefined{Name: mn.name, Expr: expr}
	}
	var attr *AttributeDoesNotExist
	if errors.As(err, &attr) {
		return &AttributeDoesNotExist{Attr: attr.Attr, Expr: expr}
	}
	return &EvalError{Expr: expr, Err: err}
}

// selectVariable resolves dotted paths against the names map. The first
// missing segment distinguishes unbound names from missing attributes.
func selectVariable(path gval.Evaluables) gval.Evaluable {
	return func(c context.Context, parameter interface{}) (interface{}, error) {
		keys, err := path.EvalStrings(c, parameter)
		if err != nil {
			return nil, err
		}
		current := parameter
		for i, key := range keys {
			container, ok := current.(map[string]any)
			if !ok {
				return nil, &AttributeDoesNotExist{Attr: key}
			}
			value, present := container[key]
			if !present {
				if i == 0 {
					return nil, &missingName{name: key}
				}
				return nil, &AttributeDoesNotExist{Attr: key}
			}
			current = value
		}
		return current, nil
	}
}

func isIdentChar(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

func calledAsFunction(expr, name string) bool {
	for i := 0; i+len(name) <= len(expr); i++ {
		if expr[i:i+len(name)] != name {
			continue
		}
		if i > 0 && isIdentChar(expr[i-1]) {
			continue
		}
		j := i + len(name)
		if j < len(expr) && isIdentChar(expr[j]) {
			continue
		}
		for j < len(expr) && (expr[j] == ' ' || expr[j] == '\t') {
			j++
		}
		if j < len(expr) && expr[j] == '(' {
			return true
		}
	}
	return false
}
