package fsm

import (
	"fmt"
	"sort"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "fsm"

type Config struct {
	Logger logrus.FieldLogger

	// DBPath is the directory holding the state database.
	DBPath string

	// Registerer receives the transition metrics. A private registry is used when nil.
	Registerer prometheus.Registerer

	// Tracer defaults to the global otel tracer provider.
	Tracer trace.Tracer
}

type Manager struct {
	logger logrus.FieldLogger

	tracer trace.Tracer

	store *store

	metrics *metrics

	fsms map[string]*fsm
}

// New opens the state store under cfg.DBPath and returns a Manager that FSMs can be
// registered with.
func New(cfg Config) (*Manager, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("fsm: DBPath is required")
	}

	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}

	s, err := newStore(logger.WithField("sys", "store"), cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open fsm store: %w", err)
	}

	return &Manager{
		logger:  logger,
		tracer:  tracer,
		store:   s,
		metrics: newMetrics(reg),
		fsms:    map[string]*fsm{},
	}, nil
}

func (m *Manager) Close() error {
	return m.store.Close()
}

// Runs returns every recorded run, oldest first.
func (m *Manager) Runs() ([]RunRecord, error) {
	recs, err := m.store.Runs()
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].Version.Compare(recs[j].Version) < 0
	})
	return recs, nil
}

// Events returns the state events of a single run.
func (m *Manager) Events(version ulid.ULID) ([]Event, error) {
	return m.store.Events(version)
}

// Latest returns the most recent run of the given action.
func (m *Manager) Latest(action string) (RunRecord, error) {
	recs, err := m.Runs()
	if err != nil {
		return RunRecord{}, err
	}
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].Action == action {
			return recs[i], nil
		}
	}
	return RunRecord{}, ErrRunNotFound
}
