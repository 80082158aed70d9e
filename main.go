package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"airgap-deploy/fsm"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/otel/trace"
)

func main() {
	os.Exit(_main())
}

func _main() int {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "airgap-deploy",
		Usage: "install an inference service and its models on an offline host",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "TOML configuration file",
				Value:   DefaultConfigPath,
				EnvVars: []string{"AIRGAP_DEPLOY_CONFIG"},
			},
			&cli.StringFlag{Name: "log-level", Value: "info", Usage: "trace, debug, info, warn or error"},
			&cli.StringFlag{Name: "log-format", Value: "text", Usage: "text or json"},
			&cli.StringFlag{Name: "state-dir", Usage: "directory for the run ledger and fsm state"},
			&cli.StringFlag{Name: "metrics-file", Usage: "write prometheus metrics to this textfile on exit"},
			&cli.StringFlag{Name: "trace-file", Usage: "append trace spans to this file"},
		},
		Commands: []*cli.Command{
			{
				Name:      "deploy",
				Usage:     "verify, install, load models and harden in one run",
				ArgsUsage: "[bundle-dir]",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "verify", Usage: "run the post-deploy checks after a successful deployment"},
					&cli.BoolFlag{Name: "force-unlock", Usage: "clear a lock left behind by a killed run"},
				},
				Action: deployCommand,
			},
			{
				Name:      "verify-bundle",
				Usage:     "check a bundle without changing the host",
				ArgsUsage: "[bundle-dir]",
				Action:    verifyBundleCommand,
			},
			{
				Name:      "install",
				Usage:     "install the service account, binary and unit from a bundle",
				ArgsUsage: "[bundle-dir]",
				Action:    installCommand,
			},
			{
				Name:      "load-models",
				Usage:     "sync a model tree into the service's store",
				ArgsUsage: "<models-dir>",
				Action:    loadModelsCommand,
			},
			{
				Name:   "harden",
				Usage:  "apply the host hardening baseline",
				Action: hardenCommand,
			},
			{
				Name:   "verify",
				Usage:  "check the live host and score the deployment",
				Action: verifyCommand,
			},
			{
				Name:      "fetch",
				Usage:     "download and extract a bundle archive from the in-network object store",
				ArgsUsage: "<key> <dest-dir>",
				Action:    fetchCommand,
			},
			{
				Name:  "history",
				Usage: "list recorded deployment runs",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Value: 10},
					&cli.BoolFlag{Name: "models", Usage: "list recorded models instead of runs"},
					&cli.BoolFlag{Name: "events", Usage: "show the state events of the latest deploy run"},
				},
				Action: historyCommand,
			},
		},
	}
}

// env is everything a command needs, built from the global flags.
type env struct {
	cfg     *Config
	logger  *logrus.Logger
	sc      *SecurityConfig
	runner  Runner
	systemd *systemdManager
	metrics *Metrics
	tracer  trace.Tracer

	metricsFile   string
	shutdownTrace func(context.Context) error
}

func setup(c *cli.Context) (context.Context, *env, error) {
	logger, err := NewLogger(os.Stderr, c.String("log-level"), c.String("log-format"))
	if err != nil {
		return nil, nil, err
	}

	cfg, err := LoadConfig(c.String("config"))
	if err != nil {
		return nil, nil, err
	}
	if dir := c.String("state-dir"); dir != "" {
		cfg.StateDir = dir
	}

	sc := DefaultSecurityConfig()
	sc.CommandTimeout = cfg.CommandTimeout()
	sc.Allow(cfg.BinaryPath)

	tracer, shutdown, err := NewTracer(c.String("trace-file"))
	if err != nil {
		return nil, nil, err
	}
	e := &env{
		cfg:           cfg,
		logger:        logger,
		sc:            sc,
		runner:        NewRunner(sc),
		systemd:       newSystemdManager(),
		metrics:       NewMetrics(),
		tracer:        tracer,
		metricsFile:   c.String("metrics-file"),
		shutdownTrace: shutdown,
	}
	ctx := WithLogger(c.Context, logger.WithField("command", c.Command.Name))
	return ctx, e, nil
}

func (e *env) accounts() Accounts {
	return newHostAccounts(e.runner)
}

func (e *env) close() {
	e.systemd.Close()
	if err := e.metrics.WriteTextfile(e.metricsFile); err != nil {
		e.logger.WithError(err).Warn("failed to write metrics")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.shutdownTrace(ctx); err != nil {
		e.logger.WithError(err).Warn("failed to flush traces")
	}
}

// openState opens the ledger and the fsm store under the state directory.
func (e *env) openState() (*Database, *fsm.Manager, error) {
	if err := os.MkdirAll(e.cfg.StateDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	db, err := NewDatabase(filepath.Join(e.cfg.StateDir, "ledger.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	manager, err := fsm.New(fsm.Config{
		Logger:     e.logger.WithField("component", "fsm"),
		DBPath:     filepath.Join(e.cfg.StateDir, "fsm"),
		Registerer: e.metrics.Registerer(),
		Tracer:     e.tracer,
	})
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to create FSM manager: %w", err)
	}
	return db, manager, nil
}

func bundleArg(c *cli.Context) string {
	if c.Args().Present() {
		return c.Args().First()
	}
	return "."
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deployCommand(c *cli.Context) error {
	ctx, e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.close()

	db, manager, err := e.openState()
	if err != nil {
		return err
	}
	defer db.Close()
	defer manager.Close()

	if c.Bool("force-unlock") {
		if err := db.ReleaseLock(ctx, deployLock); err != nil {
			return err
		}
	}

	orch, err := NewOrchestrator(ctx, e.cfg, manager, db, e.metrics, e.runner, e.systemd, e.accounts())
	if err != nil {
		return err
	}

	result, err := orch.Deploy(ctx, bundleArg(c))
	if result != nil {
		if perr := printJSON(result); perr != nil {
			return perr
		}
	}
	if err != nil {
		if errors.Is(err, ErrDeployInProgress) {
			return fmt.Errorf("%w (use --force-unlock if the previous run was killed)", err)
		}
		return err
	}

	if c.Bool("verify") {
		return runVerify(ctx, e)
	}
	return nil
}

func verifyBundleCommand(c *cli.Context) error {
	ctx, e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.close()

	bundle, err := NewBundleVerifier(e.cfg).Verify(ctx, bundleArg(c))
	if err != nil {
		return err
	}
	if _, err := ScanManifests(bundle.ModelsDir); err != nil {
		return err
	}
	return printJSON(bundle)
}

func installCommand(c *cli.Context) error {
	ctx, e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.close()

	bundle, err := NewBundleVerifier(e.cfg).Verify(ctx, bundleArg(c))
	if err != nil {
		return err
	}
	report, err := NewInstaller(e.cfg, e.runner, e.systemd, e.accounts()).Install(ctx, bundle)
	if err != nil {
		return err
	}
	return printJSON(report)
}

func loadModelsCommand(c *cli.Context) error {
	if !c.Args().Present() {
		return fmt.Errorf("models directory is required")
	}
	ctx, e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.close()

	report, err := NewModelLoader(e.cfg, e.runner, e.systemd, e.accounts()).Load(ctx, c.Args().First())
	e.metrics.ObserveLoad(report)
	if err != nil {
		return err
	}
	return printJSON(report)
}

func hardenCommand(c *cli.Context) error {
	ctx, e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.close()

	report, err := NewHardener(e.cfg, e.runner, e.systemd, e.accounts()).Harden(ctx)
	e.metrics.ObserveHarden(report)
	if perr := printJSON(report); perr != nil {
		return perr
	}
	return err
}

func verifyCommand(c *cli.Context) error {
	ctx, e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.close()
	return runVerify(ctx, e)
}

func runVerify(ctx context.Context, e *env) error {
	report := NewPostDeployVerifier(e.cfg, e.runner, e.systemd, e.accounts()).Verify(ctx)
	e.metrics.ObserveVerify(report)
	if err := printJSON(report); err != nil {
		return err
	}
	if !report.Success() {
		return fmt.Errorf("%d of %d checks failed", report.Failed, len(report.Results))
	}
	return nil
}

func fetchCommand(c *cli.Context) error {
	if c.Args().Len() != 2 {
		return fmt.Errorf("usage: fetch <key> <dest-dir>")
	}
	ctx, e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.close()

	client, err := NewS3Client(ctx, e.cfg.Fetch)
	if err != nil {
		return err
	}
	root, err := FetchBundle(ctx, client, c.Args().Get(0), c.Args().Get(1), e.sc)
	if err != nil {
		return err
	}
	fmt.Println(root)
	return nil
}

func historyCommand(c *cli.Context) error {
	ctx, e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.close()

	db, manager, err := e.openState()
	if err != nil {
		return err
	}
	defer db.Close()
	defer manager.Close()

	if c.Bool("events") {
		rec, err := manager.Latest(deployAction)
		if err != nil {
			return err
		}
		events, err := manager.Events(rec.Version)
		if err != nil {
			return err
		}
		return printJSON(struct {
			Run    fsm.RunRecord `json:"run"`
			Events []fsm.Event   `json:"events"`
		}{rec, events})
	}

	if c.Bool("models") {
		models, err := db.Models(ctx)
		if err != nil {
			return err
		}
		return printJSON(models)
	}

	runs, err := db.Runs(ctx, c.Int("limit"))
	if err != nil {
		return err
	}
	type runWithPhases struct {
		DeployRun
		Phases []PhaseRecord `json:"phases"`
	}
	out := make([]runWithPhases, 0, len(runs))
	for _, run := range runs {
		phases, err := db.Phases(ctx, run.ID)
		if err != nil {
			return err
		}
		out = append(out, runWithPhases{DeployRun: run, Phases: phases})
	}
	return printJSON(out)
}
