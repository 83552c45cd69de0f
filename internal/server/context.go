package server

import "context"

type contextKey struct{ name string }

var operatorKey = contextKey{"operator"}

// WithOperator returns a context carrying the authenticated operator subject.
// Handlers and the audit middleware read it via Operator.
func WithOperator(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, operatorKey, subject)
}

// Operator returns the operator subject from ctx and true if set; otherwise "", false.
func Operator(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(operatorKey).(string)
	return v, ok
}
