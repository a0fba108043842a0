package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/dmftloop/internal/config"
	"github.com/3leaps/dmftloop/internal/observability"
	"github.com/3leaps/dmftloop/internal/server"
	"github.com/3leaps/dmftloop/pkg/bundle"
	"github.com/3leaps/dmftloop/pkg/driver"
	"github.com/3leaps/dmftloop/pkg/instance"
	"github.com/3leaps/dmftloop/pkg/journal"
	"github.com/3leaps/dmftloop/pkg/manifest"
	"github.com/3leaps/dmftloop/pkg/metrics"
	"github.com/3leaps/dmftloop/pkg/scheduler"
	"github.com/3leaps/dmftloop/pkg/stage"
	"github.com/3leaps/dmftloop/pkg/stagegate"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run solver/self-consistency iterations for an instance",
	Long: `Run iterations --start..--max for one instance.

Each iteration waits for IN/params<n>.json (restoring it from the bundle
if needed), runs the impurity solver, checks OUT/params<n>.meas.json,
replaces NaN markers, runs the self-consistency update, bundles finished
artifacts and submits the auxiliary jobs. A missing artifact is retried
after the configured delay; the run halts after max_attempts consecutive
failures.

Example:
  dmftloop run --instance ep9.0_beta60.0 --max 40 --start 12
  dmftloop run -i ep9.0_beta60.0 --max -1 --serve --port 9100`,
	RunE: runRun,
}

var (
	runInstance string
	runMax      int
	runStart    int
	runManifest string
	runServe    bool
	runPort     int
)

func init() {
	rootCmd.AddCommand(runCmd)

	addInstanceFlag(runCmd, &runInstance)
	runCmd.Flags().IntVar(&runMax, "max", driver.Unbounded, "Last iteration to run (-1 = until halted or interrupted)")
	runCmd.Flags().IntVar(&runStart, "start", 1, "First iteration (0 bootstraps with the self-consistency stage)")
	runCmd.Flags().StringVar(&runManifest, "manifest", "", "Run manifest (default: <instance>/run.yaml)")
	runCmd.Flags().BoolVar(&runServe, "serve", false, "Serve /healthz, /status and /metrics while running")
	runCmd.Flags().IntVar(&runPort, "port", 0, "Status server port (overrides server.port)")
}

func runRun(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := currentConfig(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	if cmd.Flags().Changed("serve") {
		cfg.Server.Enabled = runServe
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = runPort
	}

	rt, err := newRunRuntime(ctx, cfg, runInstance, runManifest, runMax, runStart)
	if err != nil {
		return err
	}
	defer rt.Close()

	serverErr := make(chan error, 1)
	if rt.server != nil {
		go func() { serverErr <- rt.server.Start(ctx) }()
	}

	out, runErr := rt.driver.Run(ctx)
	rt.drain()
	stop()

	if rt.server != nil {
		if err := <-serverErr; err != nil {
			rt.logger.Warn("Status server stopped with error", zap.Error(err))
		}
	}

	if out != nil {
		_ = writeJSON(cmd.OutOrStdout(), out)
	}
	switch {
	case runErr == nil:
		return nil
	case errors.Is(runErr, driver.ErrHalted):
		return exitError(foundry.ExitExternalServiceUnavailable, "Run halted", runErr)
	case errors.Is(runErr, context.Canceled), errors.Is(runErr, context.DeadlineExceeded):
		return exitError(foundry.ExitSignalInt, "Run cancelled", runErr)
	}
	return exitError(foundry.ExitExternalServiceUnavailable, "Run failed", runErr)
}

// runRuntime owns everything a driver run needs and closes it in order.
type runRuntime struct {
	layout     instance.Layout
	logger     *observability.InstanceLogger
	journal    *journal.JSONLWriter
	store      *bundle.Store
	mirror     *bundle.Mirror
	dispatcher *scheduler.Dispatcher
	driver     *driver.Driver
	server     *server.Server
}

func newRunRuntime(ctx context.Context, cfg *config.Config, path, manifestPath string, maxIter, start int) (rt *runRuntime, err error) {
	layout, err := openInstance(path)
	if err != nil {
		return nil, err
	}
	m, err := manifest.LoadForInstance(layout.Root, manifestPath)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}
	opts, err := m.DriverOptions(maxIter, start)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid run options", err)
	}

	rt = &runRuntime{layout: layout}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	rt.logger, err = observability.NewInstanceLogger(layout.LogPath(), cfg.Logging.Level, cfg.Logging.File, os.Stderr)
	if err != nil {
		return rt, exitError(foundry.ExitFileWriteError, "Cannot open instance log", err)
	}
	logger := rt.logger.With(zap.String("instance", layout.Name()))

	runID := uuid.New().String()
	rt.journal, err = journal.OpenFile(layout.StateDir(), runID, layout.Name())
	if err != nil {
		return rt, exitError(foundry.ExitFileWriteError, "Cannot open journal", err)
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(logger)
	}

	rt.store = bundle.NewStore(logger)
	var mirrorFn func(context.Context, instance.Family) error
	if cfg.Mirror.Enabled {
		rt.mirror, err = buildMirror(ctx, cfg.Mirror, logger)
		if err != nil {
			return rt, exitError(foundry.ExitExternalServiceUnavailable, "Cannot configure archive mirror", err)
		}
		mirrorFn = func(ctx context.Context, f instance.Family) error {
			return rt.mirror.Push(ctx, rt.store, layout.Name(), f)
		}
	}

	solver, err := stage.NewExec("solver", m.Stages.Solver, stage.WithLogger(logger))
	if err != nil {
		return rt, exitError(foundry.ExitInvalidArgument, "Invalid solver stage", err)
	}
	selfConsistency, err := stage.NewExec("self_consistency", m.Stages.SelfConsistency, stage.WithLogger(logger))
	if err != nil {
		return rt, exitError(foundry.ExitInvalidArgument, "Invalid self-consistency stage", err)
	}

	rt.dispatcher, err = newDispatcher(cfg.Scheduler, layout, rt.journal, collector, logger)
	if err != nil {
		return rt, exitError(foundry.ExitInvalidArgument, "Invalid scheduler configuration", err)
	}

	rt.driver, err = driver.New(opts, driver.Deps{
		Layout:          layout,
		Gate:            stagegate.New(rt.store, logger),
		Archive:         rt.store,
		Solver:          solver,
		SelfConsistency: selfConsistency,
		Mirror:          mirrorFn,
		Dispatcher:      rt.dispatcher,
		Occupation:      m.Occupation(),
		OrderParameter:  m.OrderParameter(),
		Journal:         rt.journal,
		Metrics:         collector,
		Logger:          logger,
	})
	if err != nil {
		return rt, exitError(foundry.ExitInvalidArgument, "Invalid driver configuration", err)
	}

	if cfg.Server.Enabled {
		srvOpts := []server.Option{
			server.WithStatus(rt.driver),
			server.WithLogger(logger),
			server.WithVersion(versionMap()),
			server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
		}
		if collector != nil {
			srvOpts = append(srvOpts, server.WithMetrics(collector.Registry()))
		}
		rt.server = server.New(cfg.Server.Host, cfg.Server.Port, srvOpts...)
	}
	return rt, nil
}

// newDispatcher wires the sbatch and local submitters behind one dispatch
// queue and journals every hand-off.
func newDispatcher(cfg config.SchedulerConfig, layout instance.Layout, jw journal.Writer, collector *metrics.Collector, logger *zap.Logger) (*scheduler.Dispatcher, error) {
	registry := scheduler.NewRegistry(layout.JobsDir())
	local, err := scheduler.NewLocal(registry, logger)
	if err != nil {
		return nil, err
	}
	sbatch := scheduler.NewSbatch(registry, cfg.SbatchPath, cfg.SbatchArgs...)

	return scheduler.NewDispatcher(scheduler.DispatcherConfig{
		QueueSize:      cfg.QueueSize,
		Rate:           cfg.Rate,
		Burst:          cfg.Burst,
		DefaultBackend: scheduler.BackendSbatch,
		OnResult: func(job scheduler.Job, rec *scheduler.Receipt, err error) {
			collector.Submission(job.Instance, string(job.Kind), err)
			entry := &journal.DispatchRecord{
				Kind:      string(job.Kind),
				Iteration: job.Iteration,
				Backend:   string(job.Backend),
			}
			if rec != nil {
				entry.ReceiptID = rec.ID
				entry.ExternalID = rec.ExternalID
			}
			if err != nil {
				entry.Error = err.Error()
			}
			if werr := jw.Write(context.Background(), journal.TypeDispatch, entry); werr != nil {
				logger.Warn("Journal write failed", zap.String("type", journal.TypeDispatch), zap.Error(werr))
			}
		},
	}, logger, sbatch, local)
}

// drain waits briefly for queued submissions so they are not lost when the
// process exits.
func (rt *runRuntime) drain() {
	if rt.dispatcher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := rt.dispatcher.Close(ctx); err != nil {
		rt.logger.Warn("Dispatcher did not drain", zap.Error(err))
	}
	rt.dispatcher = nil
}

func (rt *runRuntime) Close() {
	rt.drain()
	if rt.store != nil {
		if err := rt.store.Close(); err != nil && rt.logger != nil {
			rt.logger.Warn("Close bundle store", zap.Error(err))
		}
	}
	if rt.mirror != nil {
		_ = rt.mirror.Close()
	}
	if rt.journal != nil {
		_ = rt.journal.Close()
	}
	if rt.logger != nil {
		_ = rt.logger.Close()
	}
}

func versionMap() map[string]string {
	return map[string]string{
		"version":    versionInfo.Version,
		"commit":     versionInfo.Commit,
		"build_date": versionInfo.BuildDate,
	}
}
