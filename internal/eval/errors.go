package eval

import "fmt"

// SyntaxError means the expression failed to parse.
type SyntaxError struct {
	Expr string
	Err  error
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("invalid expression %q: %v", e.Expr, e.Err)
}

func (e *SyntaxError) Unwrap() error { return e.Err }

// NameNotDefined means the expression referenced a binding that is absent
// from both the names map and the context environment.
type NameNotDefined struct {
	Name string
	Expr string
}

func (e *NameNotDefined) Error() string {
	return fmt.Sprintf("name %q is not defined in %q", e.Name, e.Expr)
}

// FunctionNotDefined means a call target is not in the function whitelist.
type FunctionNotDefined struct {
	Name string
	Expr string
}

func (e *FunctionNotDefined) Error() string {
	return fmt.Sprintf("function %q is not defined in %q", e.Name, e.Expr)
}

// AttributeDoesNotExist means a resolved value has no such member.
type AttributeDoesNotExist struct {
	Attr string
	Expr string
}

func (e *AttributeDoesNotExist) Error() string {
	return fmt.Sprintf("attribute %q does not exist in %q", e.Attr, e.Expr)
}

// EvalError wraps any runtime failure raised while evaluating, including
// failures surfaced by context-aware functions.
type EvalError struct {
	Expr string
	Err  error
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("evaluation of %q failed: %v", e.Expr, e.Err)
}

func (e *EvalError) Unwrap() error { return e.Err }

// missingName is the internal signal raised by the variable selector when the
// first path segment is absent. Evaluate turns it into NameNotDefined or
// FunctionNotDefined depending on call position.
type missingName struct {
	name string
}

func (e *missingName) Error() string {
	return fmt.Sprintf("unknown name %q", e.name)
}
