package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/taskd/internal/observability"
	"github.com/3leaps/taskd/internal/server/handlers"
	"github.com/3leaps/taskd/pkg/job"
)

var runCmd = &cobra.Command{
	Use:   "run <job>",
	Short: "Run one declared job in the foreground",
	Long: `Build the job declared under the given name, start it, and follow its
progress until it ends. Interrupting the command aborts the job.

Parameter values are parsed as YAML scalars, so numbers, booleans, and
flow lists keep their types.

Example:
  taskd run countdown
  taskd run countdown --param steps=5 --param interval=50ms
  taskd run nightly-inventory --param include='[logs/**/*.gz]' --json`,
	Args: cobra.ExactArgs(1),
	RunE: runJob,
}

var (
	runParams  []string
	runOwner   int
	runWait    time.Duration
	runPoll    time.Duration
	runJSONOut bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringArrayVarP(&runParams, "param", "P", nil, "Job parameter key=value (repeatable)")
	runCmd.Flags().IntVar(&runOwner, "owner", 0, "Owner id recorded on the job")
	runCmd.Flags().DurationVar(&runWait, "wait", 0, "Start wait before polling begins")
	runCmd.Flags().DurationVar(&runPoll, "poll", 500*time.Millisecond, "Progress poll interval")
	runCmd.Flags().BoolVar(&runJSONOut, "json", false, "Print the final job view as JSON on stdout")
}

func runJob(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	params, err := parseParams(runParams)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --param", err)
	}
	if runPoll <= 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --poll", fmt.Errorf("poll interval must be positive"))
	}

	a, err := newApp(ctx, loadOverrides())
	if err != nil {
		return err
	}
	defer func() { _ = a.close(a.cfg.Server.ShutdownTimeout) }()

	j, err := a.jobs.Build(runOwner, args[0], nil, job.WithParams(params))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Cannot build job", err)
	}
	if _, err := a.manager.RegisterAndStart(j, runWait); err != nil {
		return exitError(foundry.ExitFailure, "Cannot start job", err)
	}

	observability.CLILogger.Info("Job started",
		zap.Int64("job_id", j.ID()),
		zap.String("job_name", j.Name()))

	follow(ctx.Done(), j, runPoll)

	if runJSONOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(handlers.NewJobView(j)); err != nil {
			return err
		}
	}
	for _, name := range j.Files() {
		path, err := a.store.Path(j.ID(), name)
		if err == nil {
			observability.CLILogger.Info("Artifact written", zap.String("path", path))
		}
	}

	switch j.State() {
	case job.StateError:
		return exitError(foundry.ExitFailure, "Job failed", j.Err())
	case job.StateAborted:
		return exitError(foundry.ExitSignalInt, "Job aborted", ctx.Err())
	}
	observability.CLILogger.Info("Job completed",
		zap.String("status", j.StatusText()),
		zap.Duration("run_time", j.RunTime()))
	return nil
}

// follow logs status changes until j ends. Closing stop aborts the job
// and keeps following until it returns.
func follow(stop <-chan struct{}, j *job.Job, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	last := ""
	report := func() {
		if status := j.StatusText(); status != last {
			last = status
			observability.CLILogger.Info(status, zap.Int64("job_id", j.ID()))
		}
	}

	for {
		select {
		case <-j.Done():
			return
		case <-stop:
			stop = nil
			if j.Abort() {
				observability.CLILogger.Warn("Interrupted, aborting job", zap.Int64("job_id", j.ID()))
			}
		case <-ticker.C:
			report()
		}
	}
}

// parseParams parses key=value pairs. Values are YAML scalars or flow
// collections.
func parseParams(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", pair)
		}
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("param %s: %w", key, err)
		}
		if v == nil {
			v = raw
		}
		out[key] = v
	}
	return out, nil
}
