package fsm

import (
	"context"
	"time"

	"github.com/benbjohnson/immutable"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

type Request[R, W any] struct {
	Msg *R
	W   Response[W]

	logger logrus.FieldLogger
	run    Run
}

func (r *Request[_, _]) Log() logrus.FieldLogger {
	return r.logger
}

func (r *Request[_, _]) Run() Run {
	return r.run
}

func (r *Request[_, _]) withTransition(name string, version ulid.ULID) {
	r.logger = r.logger.WithFields(logrus.Fields{
		"transition":         name,
		"transition_version": version,
	})
	r.run.TransitionVersion = version
	r.run.CurrentState = name
}

// NewRequest creates a new request to be used for starting a FSM.
func NewRequest[R, W any](msg *R, w *W) *Request[R, W] {
	return &Request[R, W]{
		Msg: msg,
		W:   *NewResponse[W](w),
	}
}

type Response[W any] struct {
	Msg *W
}

func NewResponse[W any](msg *W) *Response[W] {
	return &Response[W]{
		Msg: msg,
	}
}

// Run contains the information associated with an active FSM.
type Run struct {
	Version ulid.ULID

	TransitionVersion ulid.ULID

	ID string

	Action string

	CurrentState string

	TypeName string

	StartedAt time.Time
}

// Step is the untyped form of a transition. Interceptors wrap steps.
type Step func(ctx context.Context, run Run) error

type Interceptor func(next Step) Step

type fsm struct {
	action string

	typeName string

	startState, endState string

	// failState maps the state a transition failed in to the terminal failure state.
	failState func(string) string

	transitions *immutable.List[string]

	registered map[string]*transition
}

type transition struct {
	name string

	interceptors []Interceptor
}

func (f *fsm) transitionSlice() []string {
	names := make([]string, 0, f.transitions.Len())
	itr := f.transitions.Iterator()
	for !itr.Done() {
		_, value := itr.Next()
		names = append(names, value)
	}
	return names
}

func (f *fsm) failureFor(state string) string {
	if f.failState == nil {
		return state
	}
	return f.failState(state)
}
