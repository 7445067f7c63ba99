package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/taskd/internal/observability"
	"github.com/3leaps/taskd/internal/server"
	"github.com/3leaps/taskd/internal/server/handlers"
	"github.com/3leaps/taskd/pkg/artifact"
	"github.com/3leaps/taskd/pkg/job"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the job registry over HTTP",
	Long: `Start the HTTP server. Jobs declared in configuration can be launched,
polled, aborted and removed, and their output files downloaded.

Example:
  taskd serve
  taskd serve --port 9000
  TASKD_LOG_LEVEL=debug taskd serve --config /etc/taskd/taskd.yaml`,
	RunE: runServe,
}

var (
	serveHost string
	servePort int
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "Override server.host")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Override server.port")
}

func serveOverrides(cmd *cobra.Command) map[string]any {
	out := loadOverrides()
	srv := map[string]any{}
	if cmd.Flags().Changed("host") {
		srv["host"] = serveHost
	}
	if cmd.Flags().Changed("port") {
		srv["port"] = servePort
	}
	if len(srv) == 0 {
		return out
	}
	if out == nil {
		out = map[string]any{}
	}
	out["server"] = srv
	return out
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx, serveOverrides(cmd))
	if err != nil {
		return err
	}
	cfg := a.cfg

	health := handlers.InitHealthManager(versionInfo.Version)
	health.RegisterChecker("registry", registryHealthChecker{manager: a.manager})
	health.RegisterChecker("artifacts", artifactHealthChecker{store: a.store})

	srv := server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithLogger(a.logger.Named("http")),
		server.WithTimeouts(server.Timeouts{
			Read:     cfg.Server.ReadTimeout,
			Write:    cfg.Server.WriteTimeout,
			Idle:     cfg.Server.IdleTimeout,
			Shutdown: cfg.Server.ShutdownTimeout,
		}),
		server.WithVersion(server.VersionInfo{
			Version:   versionInfo.Version,
			Commit:    versionInfo.Commit,
			BuildDate: versionInfo.BuildDate,
		}),
		server.WithJobs(handlers.NewJobsHandler(handlers.JobsConfig{
			Manager:    a.manager,
			Factory:    a.jobs,
			Artifacts:  a.store,
			StartWait:  cfg.Registry.StartWait,
			RemoveWait: cfg.Registry.RemoveWait,
			Logger:     a.logger,
		})),
		server.WithPlugins(handlers.NewPluginsHandler(a.jobs, a.encoders)),
		server.WithAlarms(a.alarms),
	)

	reaperCtx, stopReaper := context.WithCancel(ctx)
	defer stopReaper()
	go a.runReaper(reaperCtx, cfg.Registry.ReapInterval)

	observability.CLILogger.Info("Starting taskd",
		zap.String("addr", srv.Addr()),
		zap.String("version", versionInfo.Version),
		zap.Strings("jobs", a.jobs.Names()))

	serveErr := srv.Start(ctx)
	stopReaper()

	if err := a.close(cfg.Server.ShutdownTimeout); err != nil {
		a.logger.Warn("Jobs still running at exit", zap.Error(err))
	}
	if serveErr != nil {
		return exitError(foundry.ExitFailure, "HTTP server failed", serveErr)
	}
	observability.CLILogger.Info("taskd stopped")
	return nil
}

// registryHealthChecker fails when the registry was never assembled.
type registryHealthChecker struct {
	manager *job.Manager
}

func (c registryHealthChecker) CheckHealth(ctx context.Context) error {
	if c.manager == nil {
		return errors.New("job registry not initialized")
	}
	return ctx.Err()
}

// artifactHealthChecker fails when the artifact root cannot be written.
type artifactHealthChecker struct {
	store *artifact.Store
}

func (c artifactHealthChecker) CheckHealth(ctx context.Context) error {
	if c.store == nil || c.store.RootDir() == "" {
		return errors.New("artifact store not configured")
	}
	root := c.store.RootDir()
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("artifact root: %w", err)
	}
	f, err := os.CreateTemp(root, ".health-*")
	if err != nil {
		return fmt.Errorf("artifact root not writable: %w", err)
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(filepath.Clean(name))
	return ctx.Err()
}
