package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/taskd/pkg/artifact"
	"github.com/3leaps/taskd/pkg/job"
)

func TestRegistryHealthChecker(t *testing.T) {
	err := registryHealthChecker{}.CheckHealth(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job registry not initialized")

	checker := registryHealthChecker{manager: job.NewManager(job.ManagerConfig{}, nil, nil)}
	assert.NoError(t, checker.CheckHealth(context.Background()))
}

func TestArtifactHealthChecker(t *testing.T) {
	tests := []struct {
		name       string
		store      *artifact.Store
		wantErr    bool
		errContain string
	}{
		{"nil store", nil, true, "not configured"},
		{"empty root", artifact.NewStore(""), true, "not configured"},
		{"writable root", artifact.NewStore(filepath.Join(t.TempDir(), "new")), false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := artifactHealthChecker{store: tt.store}.CheckHealth(context.Background())
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContain)
				return
			}
			require.NoError(t, err)
			entries, err := os.ReadDir(tt.store.RootDir())
			require.NoError(t, err)
			assert.Empty(t, entries, "check file is removed")
		})
	}
}

func TestServeOverrides(t *testing.T) {
	origVerbose := verbose
	defer func() { verbose = origVerbose }()
	verbose = false

	newCmd := func() *cobra.Command {
		c := &cobra.Command{}
		c.Flags().StringVar(&serveHost, "host", "", "")
		c.Flags().IntVarP(&servePort, "port", "p", 0, "")
		return c
	}

	c := newCmd()
	assert.Nil(t, serveOverrides(c))

	c = newCmd()
	require.NoError(t, c.Flags().Set("port", "9001"))
	assert.Equal(t, map[string]any{"server": map[string]any{"port": 9001}}, serveOverrides(c))

	verbose = true
	c = newCmd()
	require.NoError(t, c.Flags().Set("host", "0.0.0.0"))
	assert.Equal(t, map[string]any{
		"logging": map[string]any{"level": "debug"},
		"server":  map[string]any{"host": "0.0.0.0"},
	}, serveOverrides(c))
}
