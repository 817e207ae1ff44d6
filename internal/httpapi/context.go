package httpapi

import (
	"context"
	"errors"
)

// errServerShutdown is the cancellation cause of requests cut short by the
// base context.
var errServerShutdown = errors.New("server shutting down")

// serverBaseCtx is canceled on shutdown; every chat request is tied to it.
var serverBaseCtx = context.Background()

// SetBaseContext sets the process-level base context used by handlers.
func SetBaseContext(ctx context.Context) {
	if ctx == nil {
		serverBaseCtx = context.Background()
		return
	}
	serverBaseCtx = ctx
}

// joinContexts derives a context from req that is also canceled, with cause
// errServerShutdown, when base ends. Values come from req.
func joinContexts(base, req context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(req)
	stop := context.AfterFunc(base, func() { cancel(errServerShutdown) })
	return ctx, func() {
		stop()
		cancel(context.Canceled)
	}
}
