// Package render implements the template rendering contract: a restricted
// expansion grammar over parameterized content, and the sandboxed expression
// language shared with custom validation rules. Expressions are side-effect
// free and have no access to the host environment, file system, or network.
package render

import "fmt"

// UnboundVariableError reports a name used in a template or expression that
// has no binding.
type UnboundVariableError struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

func (e *UnboundVariableError) Error() string {
	return fmt.Sprintf("unbound variable %q", e.Name)
}

func unbound(name string) *UnboundVariableError {
	return &UnboundVariableError{Code: "RENDER_UNBOUND", Name: name}
}

// TypeMismatchError reports an operation applied to operands of the wrong type.
type TypeMismatchError struct {
	Code    string `json:"code"`
	Op      string `json:"op"`
	Message string `json:"message"`
}

func (e *TypeMismatchError) Error() string {
	return e.Message
}

func mismatch(op, format string, args ...any) *TypeMismatchError {
	return &TypeMismatchError{
		Code:    "RENDER_TYPE_MISMATCH",
		Op:      op,
		Message: fmt.Sprintf(format, args...),
	}
}

// ParseError reports template or expression content that does not parse under
// the grammar.
type ParseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ParseError) Error() string {
	return e.Message
}

func parseErr(format string, args ...any) *ParseError {
	return &ParseError{Code: "RENDER_PARSE", Message: fmt.Sprintf(format, args...)}
}
