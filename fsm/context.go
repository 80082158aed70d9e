package fsm

import (
	"context"

	"github.com/oklog/ulid/v2"
)

type contextKey string

func (c contextKey) String() string {
	return string(c)
}

var (
	runVersionContextKey = contextKey("run-version")
	stateContextKey      = contextKey("state")
)

func withRun(ctx context.Context, run Run) context.Context {
	ctx = context.WithValue(ctx, runVersionContextKey, run.Version)
	return context.WithValue(ctx, stateContextKey, run.CurrentState)
}

// RunVersionFromContext returns the version of the run executing the current transition.
func RunVersionFromContext(ctx context.Context) ulid.ULID {
	v := ctx.Value(runVersionContextKey)
	if v == nil {
		return ulid.ULID{}
	}
	return v.(ulid.ULID)
}

// StateFromContext returns the state of the transition currently executing.
func StateFromContext(ctx context.Context) string {
	v, _ := ctx.Value(stateContextKey).(string)
	return v
}
