package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate keeps a stray taskd.yaml in the working directory or $HOME from
// leaking into a test.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	SetConfigFile("")
	t.Cleanup(func() { SetConfigFile("") })

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("LoadDefaults", func(t *testing.T) {
		isolate(t)
		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
		assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "structured", cfg.Logging.Profile)

		assert.Equal(t, "jobs", cfg.Registry.Radix)
		assert.Equal(t, "taskd", cfg.Registry.ServiceName)
		assert.Equal(t, 2*time.Second, cfg.Registry.StartWait)
		assert.Equal(t, 5*time.Second, cfg.Registry.RemoveWait)
		assert.Equal(t, 10*time.Minute, cfg.Registry.ReapInterval)
		assert.Equal(t, filepath.Join(os.TempDir(), "taskd", "artifacts"), cfg.Registry.ArtifactDir)
		assert.Equal(t, 24*time.Hour, cfg.Registry.ArtifactTTL)

		assert.Equal(t, "encoders", cfg.Encoding.Radix)
		assert.Equal(t, 8, cfg.Encoding.PoolSize)
		assert.Equal(t, 256, cfg.Alarms.Capacity)
		assert.Equal(t, []string{"builtin", "output"}, cfg.Plugin.SearchPaths)

		require.NotNil(t, cfg.Tree)
		assert.Equal(t, "JSONLEncoder", treeValue(cfg.Tree, "encoders.jsonl.classname"))
		assert.Equal(t, "Countdown", treeValue(cfg.Tree, "jobs.countdown.classname"))
		assert.Equal(t, []string{"builtin", "output"}, treeValue(cfg.Tree, "plugin.search_paths"))
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		isolate(t)
		overrides := map[string]any{
			"server": map[string]any{
				"port": 9000,
				"host": "0.0.0.0",
			},
			"logging": map[string]any{
				"level": "debug",
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, "structured", cfg.Logging.Profile)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		isolate(t)
		t.Setenv("TASKD_PORT", "3000")
		t.Setenv("TASKD_LOG_LEVEL", "warn")
		t.Setenv("TASKD_REGISTRY_START_WAIT", "250ms")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.Equal(t, 250*time.Millisecond, cfg.Registry.StartWait)
	})

	t.Run("ConfigPrecedence", func(t *testing.T) {
		isolate(t)
		t.Setenv("TASKD_PORT", "4000")

		cfg, err := Load(ctx, map[string]any{
			"server": map[string]any{"port": 5000},
		})
		require.NoError(t, err)
		assert.Equal(t, 5000, cfg.Server.Port)
	})

	t.Run("InvalidValues", func(t *testing.T) {
		isolate(t)
		_, err := Load(ctx, map[string]any{"logging": map[string]any{"level": "loud"}})
		assert.Error(t, err)

		_, err = Load(ctx, map[string]any{"server": map[string]any{"port": 70000}})
		assert.Error(t, err)
	})

	t.Run("CancelledContext", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := Load(cctx)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestLoad_ConfigFile(t *testing.T) {
	isolate(t)

	path := filepath.Join(t.TempDir(), "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 7070
registry:
  artifact_dir: /var/lib/taskd
encoders:
  tsv:
    classname: CSVEncoder
    delimiter: '\t'
jobs:
  nightly:
    classname: Inventory
    provider: file
    file:
      base_dir: /srv/data
`), 0o644))
	SetConfigFile(path)

	cfg, err := Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "/var/lib/taskd", cfg.Registry.ArtifactDir)
	assert.Equal(t, "CSVEncoder", treeValue(cfg.Tree, "encoders.tsv.classname"))
	assert.Equal(t, "JSONLEncoder", treeValue(cfg.Tree, "encoders.jsonl.classname"), "file entries add to the defaults")
	assert.Equal(t, "/srv/data", treeValue(cfg.Tree, "jobs.nightly.file.base_dir"))
	assert.NotNil(t, treeValue(cfg.Tree, "jobs.countdown"))
}

func TestLoad_TreeKeepsDeclaredCase(t *testing.T) {
	isolate(t)

	path := filepath.Join(t.TempDir(), "taskd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
encoders:
  CSV:
    classname: CSVEncoder
    delimiter: ";"
  csv:
    delimiter: "|"
`), 0o644))
	SetConfigFile(path)

	cfg, err := Load(context.Background(), map[string]any{
		"jobs": map[string]any{"Nightly": map[string]any{"classname": "Countdown"}},
	})
	require.NoError(t, err)

	assert.Equal(t, ";", treeValue(cfg.Tree, "encoders.CSV.delimiter"))
	assert.Equal(t, "|", treeValue(cfg.Tree, "encoders.csv.delimiter"))
	assert.Equal(t, "CSVEncoder", treeValue(cfg.Tree, "encoders.csv.classname"), "file keys merge over built-ins")
	assert.Equal(t, "Countdown", treeValue(cfg.Tree, "jobs.Nightly.classname"))
	assert.Equal(t, "Countdown", treeValue(cfg.Tree, "jobs.countdown.classname"))
}

func TestLoad_TreeNeedsYAMLOrJSON(t *testing.T) {
	isolate(t)

	path := filepath.Join(t.TempDir(), "taskd.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server]\nport = 7070\n"), 0o644))
	SetConfigFile(path)

	_, err := Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "YAML or JSON")
}

// treeValue walks a dotted path through nested maps.
func treeValue(tree map[string]any, path string) any {
	var cur any = tree
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[key]
	}
	return cur
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	isolate(t)
	SetConfigFile(filepath.Join(t.TempDir(), "absent.yaml"))

	_, err := Load(context.Background())
	assert.Error(t, err)
}

func TestLoad_SearchesWorkingDirectory(t *testing.T) {
	isolate(t)
	require.NoError(t, os.WriteFile("taskd.yaml", []byte("server:\n  port: 6060\n"), 0o644))

	cfg, err := Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6060, cfg.Server.Port)
}

func TestGetConfig(t *testing.T) {
	isolate(t)
	cfg, err := Load(context.Background())
	require.NoError(t, err)

	retrieved := GetConfig()
	require.NotNil(t, retrieved)
	assert.Same(t, cfg, retrieved)

	cfg2, err := Load(context.Background(), map[string]any{
		"server": map[string]any{"port": cfg.Server.Port + 1000},
	})
	require.NoError(t, err)
	assert.Same(t, cfg2, GetConfig())
}

func TestEnvSpecs(t *testing.T) {
	specs := getEnvSpecs()
	require.NotEmpty(t, specs)

	names := make(map[string]bool)
	for _, spec := range specs {
		names[spec.Name] = true
		assert.Contains(t, spec.Name, "TASKD_")
		assert.NotEmpty(t, spec.Path, "env var %s should have a path", spec.Name)
	}
	assert.True(t, names["TASKD_LOG_LEVEL"])
	assert.True(t, names["TASKD_PORT"])
	assert.True(t, names["TASKD_HOST"])
}

func TestFlatten(t *testing.T) {
	got := flatten("", map[string]any{
		"a": map[string]any{"b": 1, "c": map[string]any{"d": "x"}},
		"e": true,
	})
	assert.Equal(t, map[string]any{"a.b": 1, "a.c.d": "x", "e": true}, got)
}
