package fsm

import (
	"context"
	"time"

	"github.com/iancoleman/strcase"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type metrics struct {
	transitionCounterVec  *prometheus.CounterVec
	transitionDurationVec *prometheus.HistogramVec
	runCounterVec         *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		transitionCounterVec: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fsm_transition_count",
				Help: "A count of transition completions.",
			},
			[]string{"action", "state", "status"},
		),
		transitionDurationVec: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fsm_transition_duration_seconds",
				Help:    "Time spent performing a transition.",
				Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 150, 300, 600, 1200},
			},
			[]string{"action", "state", "status"},
		),
		runCounterVec: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fsm_run_count",
				Help: "A count of finished runs by terminal state.",
			},
			[]string{"action", "state"},
		),
	}
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// instrument records a count and a duration for every transition.
func instrument(m *metrics) Interceptor {
	return func(next Step) Step {
		return func(ctx context.Context, run Run) error {
			start := time.Now()
			err := next(ctx, run)

			labels := prometheus.Labels{
				"action": run.Action,
				"state":  strcase.ToSnake(run.CurrentState),
				"status": statusLabel(err),
			}
			m.transitionCounterVec.With(labels).Inc()
			m.transitionDurationVec.With(labels).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// traced wraps every transition in a span named after the state.
func traced(tracer trace.Tracer) Interceptor {
	return func(next Step) Step {
		return func(ctx context.Context, run Run) error {
			ctx, span := tracer.Start(ctx, run.CurrentState, trace.WithAttributes(
				attribute.String("fsm.action", run.Action),
				attribute.String("fsm.id", run.ID),
				attribute.String("fsm.run_version", run.Version.String()),
				attribute.String("fsm.transition_version", run.TransitionVersion.String()),
			))
			defer span.End()

			err := next(ctx, run)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			} else {
				span.SetStatus(codes.Ok, "")
			}
			return err
		}
	}
}

// recorder appends start, complete and error events around every transition.
func recorder(s *store) Interceptor {
	return func(next Step) Step {
		return func(ctx context.Context, run Run) error {
			if _, err := s.Append(run, EventTypeStart, run.CurrentState, nil); err != nil {
				return err
			}
			err := next(ctx, run)
			typ := EventTypeComplete
			if err != nil {
				typ = EventTypeError
			}
			if _, appendErr := s.Append(run, typ, run.CurrentState, err); appendErr != nil && err == nil {
				return appendErr
			}
			return err
		}
	}
}

func chain(step Step, interceptors ...Interceptor) Step {
	for i := len(interceptors) - 1; i >= 0; i-- {
		step = interceptors[i](step)
	}
	return step
}
