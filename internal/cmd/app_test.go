package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/taskd/internal/config"
	"github.com/3leaps/taskd/pkg/artifact"
	"github.com/3leaps/taskd/pkg/job"
)

// testApp assembles the service against a scratch directory.
func testApp(t *testing.T, overrides map[string]any) *app {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	config.SetConfigFile("")

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	base := map[string]any{
		"registry": map[string]any{"artifact_dir": filepath.Join(t.TempDir(), "artifacts")},
		"logging":  map[string]any{"level": "error"},
	}
	a, err := newApp(context.Background(), base, overrides)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.close(5 * time.Second) })
	return a
}

func TestNewApp_WiresDefaults(t *testing.T) {
	a := testApp(t, nil)

	assert.Contains(t, a.jobs.Names(), "countdown")
	assert.ElementsMatch(t, []string{"csv", "jsonl", "yaml"}, a.encoders.Names())
	assert.Equal(t, 0, a.manager.Len())
}

func TestNewApp_InvalidConfig(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	config.SetConfigFile(filepath.Join(t.TempDir(), "absent.yaml"))
	defer config.SetConfigFile("")

	_, err := newApp(context.Background())
	require.Error(t, err)
	assert.Equal(t, foundry.ExitInvalidArgument, exitCode(err))
}

func TestApp_RunsCountdown(t *testing.T) {
	a := testApp(t, nil)

	j, err := a.jobs.Build(4, "countdown", nil, job.WithParams(map[string]any{"steps": 2, "interval": "1ms"}))
	require.NoError(t, err)
	_, err = a.manager.RegisterAndStart(j, 0)
	require.NoError(t, err)
	require.True(t, j.Join(5*time.Second))
	assert.Equal(t, job.StateCompleted, j.State())
}

func TestApp_Reap(t *testing.T) {
	a := testApp(t, map[string]any{"registry": map[string]any{"artifact_ttl": "1h"}})

	j, err := a.jobs.Build(1, "countdown", nil, job.WithParams(map[string]any{"fail_at": 1, "interval": "1ms"}))
	require.NoError(t, err)
	_, err = a.manager.RegisterAndStart(j, 0)
	require.NoError(t, err)
	require.True(t, j.Join(5*time.Second))
	require.Equal(t, job.StateError, j.State())

	for _, id := range []int64{j.ID(), 5} {
		f, err := a.store.Create(id, "out.jsonl", artifact.Access{})
		require.NoError(t, err)
		require.NoError(t, f.Commit())
	}
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(a.store.JobDir(5), old, old))

	reaped, pruned := a.reap()
	assert.Equal(t, 1, reaped)
	assert.Equal(t, 1, pruned)

	_, err = os.Stat(a.store.JobDir(j.ID()))
	assert.NoError(t, err, "fresh artifacts survive the reap")
	_, err = os.Stat(a.store.JobDir(5))
	assert.True(t, os.IsNotExist(err))
}

func TestApp_RunReaperStopsWithContext(t *testing.T) {
	a := testApp(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.runReaper(ctx, time.Millisecond)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}

	a.runReaper(context.Background(), 0)
}
