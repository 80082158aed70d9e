package main

import (
	"fmt"
	"time"

	"github.com/iancoleman/strcase"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are written as a node_exporter textfile at the end of a command. The host has no
// network path for a scrape endpoint.
type Metrics struct {
	reg *prometheus.Registry

	lastRun        *prometheus.GaugeVec
	phaseDuration  *prometheus.GaugeVec
	modelsCopied   prometheus.Counter
	bytesCopied    prometheus.Counter
	hardenSteps    *prometheus.GaugeVec
	verifyScore    prometheus.Gauge
	verifyFailures prometheus.Gauge
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		reg: reg,
		lastRun: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "airgap_deploy_last_run_timestamp_seconds",
			Help: "Time the last deploy run finished, by final state.",
		}, []string{"state"}),
		phaseDuration: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "airgap_deploy_phase_duration_seconds",
			Help: "Duration of each phase of the last run.",
		}, []string{"phase", "status"}),
		modelsCopied: factory.NewCounter(prometheus.CounterOpts{
			Name: "airgap_deploy_model_files_copied_total",
			Help: "Model store files copied by this invocation.",
		}),
		bytesCopied: factory.NewCounter(prometheus.CounterOpts{
			Name: "airgap_deploy_model_bytes_copied_total",
			Help: "Model store bytes copied by this invocation.",
		}),
		hardenSteps: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "airgap_deploy_harden_step",
			Help: "1 for the status each hardening step ended in.",
		}, []string{"step", "status"}),
		verifyScore: factory.NewGauge(prometheus.GaugeOpts{
			Name: "airgap_deploy_verify_score",
			Help: "Share of post-deploy checks that passed, 0 to 100.",
		}),
		verifyFailures: factory.NewGauge(prometheus.GaugeOpts{
			Name: "airgap_deploy_verify_failures",
			Help: "Post-deploy checks that failed.",
		}),
	}
}

// Registerer is shared with the fsm manager so transition metrics land in the same file.
func (m *Metrics) Registerer() prometheus.Registerer {
	return m.reg
}

func (m *Metrics) ObservePhase(phase string, err error, d time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.phaseDuration.WithLabelValues(strcase.ToSnake(phase), status).Set(d.Seconds())
}

func (m *Metrics) ObserveRun(state string, at time.Time) {
	m.lastRun.WithLabelValues(strcase.ToSnake(state)).Set(float64(at.Unix()))
}

func (m *Metrics) ObserveLoad(r *LoadReport) {
	if r == nil {
		return
	}
	m.modelsCopied.Add(float64(r.Sync.Copied))
	m.bytesCopied.Add(float64(r.Sync.Bytes))
}

func (m *Metrics) ObserveHarden(r *HardenReport) {
	if r == nil {
		return
	}
	for _, s := range r.Steps {
		m.hardenSteps.WithLabelValues(strcase.ToSnake(s.Name), string(s.Status)).Set(1)
	}
}

func (m *Metrics) ObserveVerify(r *VerifyReport) {
	m.verifyScore.Set(float64(r.Score))
	m.verifyFailures.Set(float64(r.Failed))
}

// WriteTextfile writes every registered metric to path. An empty path is a no-op.
func (m *Metrics) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.reg); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	return nil
}
