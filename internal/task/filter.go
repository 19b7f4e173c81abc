package task

import "context"

// Filter wraps task execution. OnExecuting runs before the handler in
// ascending Order; OnExecuted runs after in the reverse of the order the
// executing phases actually ran (LIFO). A filter whose OnExecuting never
// ran does not see OnExecuted.
//
// An OnExecuting error aborts the chain: later filters are skipped and the
// executor classifies the error exactly as it would a handler failure.
// OnExecuted errors are logged and do not change the task outcome.
type Filter interface {
	Order() int
	OnExecuting(ctx context.Context, tc *Context) error
	OnExecuted(ctx context.Context, tc *Context) error
}

// ExceptionFilter is optionally implemented by filters that want to observe
// or swallow handler failures. OnException runs in LIFO order over the
// filters whose executing phase completed; returning true marks the failure
// handled and stops the chain.
type ExceptionFilter interface {
	OnException(ctx context.Context, tc *Context, cause error) bool
}
