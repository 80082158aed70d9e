package fsm

import (
	"context"
)

// Initializer can be used to modify the context.Context provided to transitions as well as modify
// the Request before the first transition is executed.
type Initializer[R, W any] func(context.Context, *Request[R, W]) context.Context

// Finalizer is called once the FSM has stopped, either in its end state or in a failure state.
// err is nil when the run completed.
type Finalizer[R, W any] func(context.Context, *Request[R, W], error)

func runInitializers[R, W any](ctx context.Context, req *Request[R, W], inits []Initializer[R, W]) context.Context {
	for _, i := range inits {
		ctx = i(ctx, req)
	}
	return ctx
}

func runFinalizers[R, W any](ctx context.Context, req *Request[R, W], finals []Finalizer[R, W], err error) {
	for idx, f := range finals {
		req.Log().WithField("finalizer", idx).Debug("calling finalizer")
		f(ctx, req, err)
	}
}
