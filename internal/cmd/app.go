package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"go.uber.org/zap"

	"github.com/3leaps/taskd/internal/config"
	"github.com/3leaps/taskd/internal/observability"
	"github.com/3leaps/taskd/pkg/alarm"
	"github.com/3leaps/taskd/pkg/artifact"
	"github.com/3leaps/taskd/pkg/builtin"
	"github.com/3leaps/taskd/pkg/job"
	"github.com/3leaps/taskd/pkg/output"
	"github.com/3leaps/taskd/pkg/plugin"
)

// app is the assembled service: configuration, plugin factories and the
// job registry.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	alarms   *alarm.Ring
	store    *artifact.Store
	encoders *plugin.PooledFactory[output.Encoder]
	jobs     *job.Factory
	manager  *job.Manager
}

// newApp loads configuration and wires every component.
func newApp(ctx context.Context, overrides ...map[string]any) (*app, error) {
	cfg, err := config.Load(ctx, overrides...)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Failed to load config", err)
	}

	logger, err := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Profile)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Failed to build logger", err)
	}

	a := &app{
		cfg:    cfg,
		logger: logger,
		alarms: alarm.NewRing(cfg.Alarms.Capacity),
		store:  artifact.NewStore(cfg.Registry.ArtifactDir),
	}

	a.encoders = plugin.NewPooledFactory(output.NewCatalog(),
		plugin.PoolConfig{MaxSize: int32(cfg.Encoding.PoolSize)}, logger.Named("encoders"))
	if err := a.encoders.Configure(cfg.Tree, cfg.Encoding.Radix); err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Failed to configure encoders", err)
	}

	catalog := plugin.NewCatalog[job.Plugin]()
	if err := builtin.Register(catalog, builtin.Deps{
		Encoders:  a.encoders,
		Artifacts: a.store,
		Logger:    logger,
	}); err != nil {
		a.encoders.Close()
		return nil, fmt.Errorf("register built-in jobs: %w", err)
	}

	a.jobs = job.NewFactory(catalog, nil, logger.Named("factory"))
	if err := a.jobs.Configure(cfg.Tree, cfg.Registry.Radix); err != nil {
		a.encoders.Close()
		return nil, exitError(foundry.ExitInvalidArgument, "Failed to configure jobs", err)
	}

	a.manager = job.NewManager(
		job.ManagerConfig{ServiceName: cfg.Registry.ServiceName},
		logger,
		alarm.Multi{alarm.NewLogRecorder(logger), a.alarms},
	)

	logger.Debug("Service assembled",
		zap.Strings("jobs", a.jobs.Names()),
		zap.Strings("encoders", a.encoders.Names()),
		zap.String("artifact_dir", a.store.RootDir()))
	return a, nil
}

// reap drops finished jobs and prunes artifacts of jobs that are no
// longer registered.
func (a *app) reap() (reaped, pruned int) {
	reaped = a.manager.ReapCompleted()
	if ttl := a.cfg.Registry.ArtifactTTL; ttl > 0 {
		n, err := a.store.Prune(ttl, func(id int64) bool {
			_, ok := a.manager.FindJob(id)
			return ok
		})
		if err != nil {
			a.logger.Warn("Artifact prune failed", zap.Error(err))
		}
		pruned = n
	}
	if reaped > 0 || pruned > 0 {
		a.logger.Info("Reaped finished jobs", zap.Int("jobs", reaped), zap.Int("artifact_dirs", pruned))
	}
	return reaped, pruned
}

// runReaper calls reap every interval until ctx is done.
func (a *app) runReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.reap()
		}
	}
}

// close aborts live jobs, waiting up to timeout, and releases the pools.
// Pools stay open when jobs outlive the timeout since closing them would
// block on the encoders those jobs hold.
func (a *app) close(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	defer func() { _ = a.logger.Sync() }()

	if err := a.manager.Shutdown(ctx); err != nil {
		return err
	}
	a.encoders.Close()
	return nil
}
