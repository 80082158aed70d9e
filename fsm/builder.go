package fsm

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/benbjohnson/immutable"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

type Transition[R, W any] func(context.Context, *Request[R, W]) (*Response[W], error)

type buildConfig[R, W any] struct {
	impls map[string]Transition[R, W]

	// initializers can only be configured when calling Start.
	initializers []Initializer[R, W]

	// finalizers can only be configured when calling End.
	finalizers []Finalizer[R, W]

	interceptors []Interceptor
}

type transitionStep[R, W any] struct {
	m *Manager

	f *fsm

	cfg *buildConfig[R, W]

	buildError *error
}

func (s transitionStep[R, W]) fail(err error) {
	*s.buildError = errors.Join(*s.buildError, err)
}

type fsmStart[R, W any] struct {
	transitionStep[R, W]
}

type fsmTransition[R, W any] struct {
	transitionStep[R, W]
}

type fsmEnd[R, W any] struct {
	transitionStep[R, W]
}

// Register creates a new FSM and returns a builder to configure it.
func Register[R, W any](m *Manager, action string) *fsmStart[R, W] {
	var r R
	var buildErr error
	return &fsmStart[R, W]{
		transitionStep: transitionStep[R, W]{
			m: m,
			f: &fsm{
				action:      action,
				typeName:    getType(r),
				transitions: immutable.NewList[string](),
				registered:  map[string]*transition{},
			},
			cfg: &buildConfig[R, W]{
				impls: map[string]Transition[R, W]{},
			},
			buildError: &buildErr,
		},
	}
}

func getType(myvar any) string {
	t := reflect.TypeOf(myvar)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

type StartOption[R, W any] func(*fsm, *buildConfig[R, W])

// WithInitializers adds the provided initializers to the list of initializers to be executed before
// the first transition is executed.
func WithInitializers[R, W any](i ...Initializer[R, W]) StartOption[R, W] {
	return func(_ *fsm, cfg *buildConfig[R, W]) {
		cfg.initializers = append(cfg.initializers, i...)
	}
}

// WithInterceptors adds interceptors that wrap every transition, innermost last.
func WithInterceptors[R, W any](i ...Interceptor) StartOption[R, W] {
	return func(_ *fsm, cfg *buildConfig[R, W]) {
		cfg.interceptors = append(cfg.interceptors, i...)
	}
}

// WithFailureStates maps the state a transition failed in to the terminal state the FSM is
// left in.
func WithFailureStates[R, W any](fn func(state string) string) StartOption[R, W] {
	return func(f *fsm, _ *buildConfig[R, W]) {
		f.failState = fn
	}
}

type EndOption[R, W any] func(*buildConfig[R, W])

// WithFinalizers adds the provided Finalizers to the list of finalizers to be executed when the FSM
// has stopped.
func WithFinalizers[R, W any](f ...Finalizer[R, W]) EndOption[R, W] {
	return func(cfg *buildConfig[R, W]) {
		cfg.finalizers = append(cfg.finalizers, f...)
	}
}

// Start sets the initial state of the FSM and applies any options to the FSM.
func (s *fsmStart[R, W]) Start(name string, t Transition[R, W], opts ...StartOption[R, W]) *fsmTransition[R, W] {
	s.f.startState = name
	for _, o := range opts {
		o(s.f, s.cfg)
	}
	return (&fsmTransition[R, W]{s.transitionStep}).To(name, t)
}

// To sets the next state of the FSM.
func (s *fsmTransition[R, W]) To(name string, t Transition[R, W]) *fsmTransition[R, W] {
	if _, ok := s.f.registered[name]; ok {
		s.m.logger.WithField("transition", name).Error("transition already registered")
		s.fail(fmt.Errorf("transition %s already registered", name))
		return s
	}
	if t == nil {
		s.fail(fmt.Errorf("transition %s has no implementation", name))
		return s
	}

	s.f.registered[name] = &transition{name: name}
	s.f.transitions = s.f.transitions.Append(name)
	s.cfg.impls[name] = t
	return s
}

// End sets the final state of the FSM and applies any options as a global option for the FSM.
func (s *fsmTransition[R, W]) End(name string, opts ...EndOption[R, W]) *fsmEnd[R, W] {
	if _, ok := s.m.fsms[s.f.action]; ok {
		s.m.logger.WithField("fsm", s.f.action).Error("fsm already registered")
		s.fail(fmt.Errorf("fsm %s:%s already registered", s.f.typeName, s.f.action))
	}
	if _, ok := s.f.registered[name]; ok {
		s.fail(fmt.Errorf("end state %s is already a transition", name))
	}

	for _, o := range opts {
		o(s.cfg)
	}
	s.f.endState = name

	interceptors := []Interceptor{
		recorder(s.m.store),
		instrument(s.m.metrics),
		traced(s.m.tracer),
	}
	interceptors = append(interceptors, s.cfg.interceptors...)
	itr := s.f.transitions.Iterator()
	for !itr.Done() {
		_, state := itr.Next()
		s.f.registered[state].interceptors = interceptors
	}

	s.m.fsms[s.f.action] = s.f
	return &fsmEnd[R, W]{s.transitionStep}
}

// Start runs the FSM to completion for the resource id. The returned Run carries the state the
// FSM stopped in. A failing transition stops the FSM and is returned as a *PhaseError.
type Start[R, W any] func(ctx context.Context, id string, req *Request[R, W]) (Run, error)

// Resume marks runs that never finished, e.g. because the process was killed, as interrupted
// and returns them.
type Resume func(context.Context) ([]RunRecord, error)

// Build returns a function that can be used to run the FSM as well as resume any previously
// started runs.
func (s *fsmEnd[R, W]) Build(ctx context.Context) (Start[R, W], Resume, error) {
	if *s.buildError != nil {
		return nil, nil, *s.buildError
	}
	if s.f.startState == "" || s.f.endState == "" {
		return nil, nil, fmt.Errorf("fsm %s requires a start and end state", s.f.action)
	}
	return start(s.m, s.f, s.cfg), resume(s.m, s.f), nil
}

func start[R, W any](m *Manager, f *fsm, cfg *buildConfig[R, W]) Start[R, W] {
	return func(ctx context.Context, id string, req *Request[R, W]) (Run, error) {
		run := Run{
			Version:      ulid.Make(),
			ID:           id,
			Action:       f.action,
			CurrentState: f.startState,
			TypeName:     f.typeName,
			StartedAt:    time.Now().UTC(),
		}
		req.run = run
		req.logger = m.logger.WithFields(logrus.Fields{
			"action":      f.action,
			"id":          id,
			"run_version": run.Version,
		})

		rec := RunRecord{
			Version:   run.Version,
			ID:        id,
			Action:    f.action,
			TypeName:  f.typeName,
			State:     f.startState,
			Status:    RunStatusRunning,
			StartedAt: run.StartedAt,
		}
		if err := m.store.PutRun(rec); err != nil {
			return run, fmt.Errorf("failed to record run: %w", err)
		}

		ctx = runInitializers(ctx, req, cfg.initializers)

		var runErr error
		for _, name := range f.transitionSlice() {
			req.withTransition(name, ulid.Make())
			rec.State = name
			if err := m.store.PutRun(rec); err != nil {
				req.Log().WithError(err).Warn("failed to update run record")
			}

			if err := ctx.Err(); err != nil {
				runErr = &PhaseError{State: name, FailState: f.failureFor(name), Err: err}
				break
			}

			impl := cfg.impls[name]
			step := chain(func(ctx context.Context, run Run) error {
				res, err := impl(withRun(ctx, run), req)
				if res != nil {
					req.W = *res
				}
				return err
			}, f.registered[name].interceptors...)

			if err := step(ctx, req.run); err != nil {
				runErr = &PhaseError{State: name, FailState: f.failureFor(name), Err: err}
				break
			}
		}

		final := f.endState
		rec.Status = RunStatusComplete
		if runErr != nil {
			var pe *PhaseError
			errors.As(runErr, &pe)
			final = pe.FailState
			rec.Status = RunStatusFailed
			rec.Error = runErr.Error()
		}
		rec.State = final
		rec.FinishedAt = time.Now().UTC()
		req.run.CurrentState = final

		if _, err := m.store.Append(req.run, EventTypeFinish, final, runErr); err != nil {
			req.Log().WithError(err).Error("failed to append finish event")
		}
		if err := m.store.PutRun(rec); err != nil {
			req.Log().WithError(err).Error("failed to update run record")
		}
		m.metrics.runCounterVec.WithLabelValues(f.action, final).Inc()

		runFinalizers(ctx, req, cfg.finalizers, runErr)
		return req.run, runErr
	}
}

func resume(m *Manager, f *fsm) Resume {
	return func(ctx context.Context) ([]RunRecord, error) {
		recs, err := m.store.Runs()
		if err != nil {
			return nil, fmt.Errorf("failed to list runs: %w", err)
		}

		var interrupted []RunRecord
		for _, rec := range recs {
			if rec.Action != f.action || rec.Status != RunStatusRunning {
				continue
			}
			m.logger.WithFields(logrus.Fields{
				"run_version": rec.Version,
				"id":          rec.ID,
				"state":       rec.State,
			}).Warn("previous run was interrupted, state will converge on re-run")

			rec.Status = RunStatusInterrupted
			rec.FinishedAt = time.Now().UTC()
			if err := m.store.PutRun(rec); err != nil {
				return interrupted, fmt.Errorf("failed to mark run interrupted: %w", err)
			}
			interrupted = append(interrupted, rec)
		}
		return interrupted, nil
	}
}
