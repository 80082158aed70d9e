package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"airgap-deploy/fsm"
	"github.com/sirupsen/logrus"
)

const (
	deployAction = "deploy"
	deployLock   = "deploy"
)

// ErrDeployInProgress is returned when another run holds the host-wide lock.
var ErrDeployInProgress = errors.New("another deployment is in progress on this host")

var failureStates = map[string]string{
	StateVerifying:  StateFailedVerification,
	StateInstalling: StateFailedInstallation,
	StateLoading:    StateFailedLoading,
	StateHardening:  StateFailedHardening,
}

func failureState(state string) string {
	if s, ok := failureStates[state]; ok {
		return s
	}
	return "Failed" + state
}

// DeployResult is what a finished run reports back to the caller.
type DeployResult struct {
	RunID       string          `json:"run_id"`
	State       string          `json:"state"`
	FailedPhase string          `json:"failed_phase,omitempty"`
	Response    *DeployResponse `json:"response"`
}

// Orchestrator sequences the deploy phases through the fsm and keeps the ledger current.
type Orchestrator struct {
	cfg *Config
	db  *Database

	metrics *Metrics

	verifier  *BundleVerifier
	installer *Installer
	loader    *ModelLoader
	hardener  *Hardener

	start  fsm.Start[DeployRequest, DeployResponse]
	resume fsm.Resume
}

// NewOrchestrator wires the phases and registers the deploy FSM with manager.
func NewOrchestrator(ctx context.Context, cfg *Config, manager *fsm.Manager, db *Database, metrics *Metrics, runner Runner, services ServiceManager, accounts Accounts) (*Orchestrator, error) {
	o := &Orchestrator{
		cfg:       cfg,
		db:        db,
		metrics:   metrics,
		verifier:  NewBundleVerifier(cfg),
		installer: NewInstaller(cfg, runner, services, accounts),
		loader:    NewModelLoader(cfg, runner, services, accounts),
		hardener:  NewHardener(cfg, runner, services, accounts),
	}

	start, resume, err := fsm.Register[DeployRequest, DeployResponse](manager, deployAction).
		Start(StateVerifying, o.verifyBundle,
			fsm.WithInitializers[DeployRequest, DeployResponse](o.inject),
			fsm.WithInterceptors[DeployRequest, DeployResponse](o.ledger),
			fsm.WithFailureStates[DeployRequest, DeployResponse](failureState),
		).
		To(StateInstalling, o.install).
		To(StateLoading, o.loadModels).
		To(StateHardening, o.harden).
		End(StateRunning, fsm.WithFinalizers[DeployRequest, DeployResponse](o.finish)).
		Build(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to build deploy fsm: %w", err)
	}
	o.start = start
	o.resume = resume
	return o, nil
}

// Deploy runs every phase against the bundle at dir. Only one deployment runs per host.
func (o *Orchestrator) Deploy(ctx context.Context, dir string) (*DeployResult, error) {
	logger := GetLogger(ctx)

	locked, err := o.db.TryLock(ctx, deployLock)
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, ErrDeployInProgress
	}
	defer func() {
		if err := o.db.ReleaseLock(context.WithoutCancel(ctx), deployLock); err != nil {
			logger.WithError(err).Error("failed to release deploy lock")
		}
	}()

	interrupted, err := o.resume(ctx)
	if err != nil {
		logger.WithError(err).Warn("failed to check for interrupted runs")
	}
	for _, rec := range interrupted {
		if err := o.db.FinishRun(ctx, rec.ID, "Interrupted", rec.State, "process exited before the run finished"); err != nil {
			logger.WithError(err).WithField("run_id", rec.ID).Warn("failed to close interrupted run")
		}
	}

	run, err := o.db.CreateRun(ctx, dir)
	if err != nil {
		return nil, err
	}
	logger.WithFields(logrus.Fields{"run_id": run.ID, "bundle": dir}).Info("starting deployment")

	req := fsm.NewRequest(&DeployRequest{BundleDir: dir}, &DeployResponse{})
	final, runErr := o.start(ctx, run.ID, req)

	result := &DeployResult{
		RunID:    run.ID,
		State:    final.CurrentState,
		Response: req.W.Msg,
	}
	var pe *fsm.PhaseError
	switch {
	case errors.As(runErr, &pe):
		result.FailedPhase = pe.State
	case runErr != nil:
		// The machine failed before its first transition, so finish never ran.
		result.State = failureState(final.CurrentState)
		result.FailedPhase = final.CurrentState
		o.metrics.ObserveRun(result.State, time.Now())
		if err := o.db.FinishRun(context.WithoutCancel(ctx), run.ID, result.State, result.FailedPhase, runErr.Error()); err != nil {
			logger.WithError(err).WithField("run_id", run.ID).Warn("failed to close run in ledger")
		}
		logger.WithError(runErr).WithField("run_id", run.ID).Error("deployment could not start")
	}
	return result, runErr
}

// inject hands the run's logger and the ledger to every transition.
func (o *Orchestrator) inject(ctx context.Context, req *fsm.Request[DeployRequest, DeployResponse]) context.Context {
	ctx = WithLogger(ctx, req.Log())
	return WithDatabase(ctx, o.db)
}

// ledger records every phase in the deployment ledger and the phase metrics.
func (o *Orchestrator) ledger(next fsm.Step) fsm.Step {
	return func(ctx context.Context, run fsm.Run) error {
		logger := GetLogger(ctx)
		db := GetDatabase(ctx)
		started := time.Now().UTC()

		if db != nil {
			if err := db.UpdateRunState(ctx, run.ID, run.CurrentState); err != nil {
				logger.WithError(err).Warn("failed to update ledger")
			}
		}

		err := next(ctx, run)
		o.metrics.ObservePhase(run.CurrentState, err, time.Since(started))

		if db != nil {
			rec := PhaseRecord{
				RunID:      run.ID,
				Phase:      run.CurrentState,
				Status:     "ok",
				StartedAt:  started,
				FinishedAt: time.Now().UTC(),
			}
			if err != nil {
				rec.Status = "error"
				rec.Error = err.Error()
			}
			if err := db.RecordPhase(context.WithoutCancel(ctx), rec); err != nil {
				logger.WithError(err).Warn("failed to record phase")
			}
		}
		return err
	}
}

func (o *Orchestrator) verifyBundle(ctx context.Context, req *fsm.Request[DeployRequest, DeployResponse]) (*fsm.Response[DeployResponse], error) {
	ctx = WithLogger(ctx, req.Log())

	bundle, err := o.verifier.Verify(ctx, req.Msg.BundleDir)
	if err != nil {
		return nil, err
	}
	req.W.Msg.Bundle = bundle

	if db := GetDatabase(ctx); db != nil && bundle.Version() != "" {
		if err := db.SetRunVersion(ctx, req.Run().ID, bundle.Version()); err != nil {
			req.Log().WithError(err).Warn("failed to record bundle version")
		}
	}
	return fsm.NewResponse(req.W.Msg), nil
}

func (o *Orchestrator) install(ctx context.Context, req *fsm.Request[DeployRequest, DeployResponse]) (*fsm.Response[DeployResponse], error) {
	ctx = WithLogger(ctx, req.Log())

	report, err := o.installer.Install(ctx, req.W.Msg.Bundle)
	req.W.Msg.Install = report
	if err != nil {
		return fsm.NewResponse(req.W.Msg), err
	}
	return fsm.NewResponse(req.W.Msg), nil
}

func (o *Orchestrator) loadModels(ctx context.Context, req *fsm.Request[DeployRequest, DeployResponse]) (*fsm.Response[DeployResponse], error) {
	ctx = WithLogger(ctx, req.Log())

	report, err := o.loader.Load(ctx, req.W.Msg.Bundle.ModelsDir)
	req.W.Msg.Load = report
	o.metrics.ObserveLoad(report)
	if err != nil {
		return fsm.NewResponse(req.W.Msg), err
	}

	if db := GetDatabase(ctx); db != nil && len(report.Models) > 0 {
		if err := db.RecordModels(ctx, req.Run().ID, report.Models); err != nil {
			req.Log().WithError(err).Warn("failed to record models in ledger")
		}
	}
	return fsm.NewResponse(req.W.Msg), nil
}

func (o *Orchestrator) harden(ctx context.Context, req *fsm.Request[DeployRequest, DeployResponse]) (*fsm.Response[DeployResponse], error) {
	ctx = WithLogger(ctx, req.Log())

	report, err := o.hardener.Harden(ctx)
	req.W.Msg.Harden = report
	o.metrics.ObserveHarden(report)
	if err != nil {
		return fsm.NewResponse(req.W.Msg), err
	}
	return fsm.NewResponse(req.W.Msg), nil
}

// finish closes the ledger record and logs the final line of the run.
func (o *Orchestrator) finish(ctx context.Context, req *fsm.Request[DeployRequest, DeployResponse], err error) {
	run := req.Run()
	logger := GetLogger(ctx).WithFields(logrus.Fields{"run_id": run.ID, "state": run.CurrentState})
	o.metrics.ObserveRun(run.CurrentState, time.Now())

	failedPhase, errText := "", ""
	var pe *fsm.PhaseError
	if errors.As(err, &pe) {
		failedPhase = pe.State
		errText = pe.Err.Error()
	}
	if dbErr := o.db.FinishRun(context.WithoutCancel(ctx), run.ID, run.CurrentState, failedPhase, errText); dbErr != nil {
		logger.WithError(dbErr).Warn("failed to close run in ledger")
	}

	if err != nil {
		logger.WithError(err).Errorf("deployment failed in phase %s", failedPhase)
		return
	}
	logger.Info("deployment succeeded, service is running")
}
