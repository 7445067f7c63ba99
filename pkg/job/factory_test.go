package job

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/taskd/pkg/plugin"
)

// exportJob is a declarable job that echoes its configuration.
type exportJob struct {
	format     string
	configured int
}

func (e *exportJob) Configure(name string, cfg *viper.Viper) error {
	e.configured++
	e.format = cfg.GetString("format")
	if e.format == "" {
		return errors.New("format is required")
	}
	return nil
}

func (e *exportJob) Run(ctx context.Context, j *Job) error {
	j.SetMessage("exporting " + e.format)
	j.UpdateSub(1, 1)
	return nil
}

func (e *exportJob) Traits() Traits {
	return Traits{Exclusive: true, DelayTolerant: true, ProducesFiles: true}
}

func newJobFactory(t *testing.T, seq *Sequence) *Factory {
	t.Helper()

	catalog := plugin.NewCatalog[Plugin]()
	catalog.MustRegister("ExportJob", func() (Plugin, error) { return &exportJob{}, nil })

	root := map[string]any{
		"jobs": map[string]any{
			"export": map[string]any{
				"classname":       "ExportJob",
				"format":          "csv",
				"description":     "Export accounts",
				"permission":      "accounts.export,admin",
				"report_failures": true,
				"params":          map[string]any{"limit": 50},
			},
			"broken": map[string]any{"classname": "ExportJob"},
			"ghost":  map[string]any{"classname": "GhostJob"},
		},
	}

	f := NewFactory(catalog, seq, nil)
	require.NoError(t, f.Configure(root, "jobs"))
	return f
}

func TestFactory_Build(t *testing.T) {
	f := newJobFactory(t, NewSequence(100))
	assert.Equal(t, []string{"broken", "export", "ghost"}, f.Names())

	var finished []string
	j, err := f.Build(4, "export", func(id int64, name string) error {
		finished = append(finished, name)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, int64(101), j.ID())
	assert.Equal(t, 4, j.OwnerID())
	assert.Equal(t, "export", j.Name())
	assert.Equal(t, "Export accounts", j.Description())
	assert.Equal(t, []string{"accounts.export", "admin"}, j.Permissions())
	assert.True(t, j.Exclusive())
	assert.True(t, j.ProducesFiles())
	assert.True(t, j.ReportFailures(), "configuration overrides the trait")
	assert.Equal(t, StateCreated, j.State())

	limit, ok := j.Param("limit")
	require.True(t, ok)
	assert.Equal(t, 50, limit)

	alive, err := newManager().RegisterAndStart(j, time.Second)
	require.NoError(t, err)
	assert.False(t, alive)
	assert.Equal(t, StateCompleted, j.State())
	assert.Equal(t, "exporting csv", j.Message())
	assert.Equal(t, []string{"export"}, finished)

	next, err := f.Build(4, "export", nil, WithDescription("override"))
	require.NoError(t, err)
	assert.Equal(t, int64(102), next.ID())
	assert.Equal(t, "override", next.Description())
}

func TestFactory_BuildErrors(t *testing.T) {
	f := newJobFactory(t, nil)

	_, err := f.Build(1, "import", nil)
	assert.True(t, plugin.IsNotDeclared(err))

	_, err = f.Build(1, "ghost", nil)
	assert.True(t, plugin.IsNotInstantiable(err))

	_, err = f.Build(1, "broken", nil)
	assert.True(t, plugin.IsNotInstantiable(err), "plugin Configure failures are not instantiable")
}

func TestFactory_BuiltJobsGetDistinctIDs(t *testing.T) {
	f := newJobFactory(t, nil)
	seen := make(map[int64]bool)
	for i := 0; i < 50; i++ {
		j, err := f.Build(1, "export", nil)
		require.NoError(t, err)
		assert.False(t, seen[j.ID()])
		seen[j.ID()] = true
	}
}

func TestFactory_SharesIDsWithNew(t *testing.T) {
	f := newJobFactory(t, nil)
	m := newManager()
	g := newGate()
	defer g.open()

	direct := New(g, WithName("direct"))
	_, err := m.RegisterAndStart(direct, 0)
	require.NoError(t, err)

	built, err := f.Build(1, "export", nil)
	require.NoError(t, err)
	assert.NotEqual(t, direct.ID(), built.ID())

	_, err = m.RegisterAndStart(built, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Len())
}

func TestNew_DrawsOneIDFromSequence(t *testing.T) {
	seq := NewSequence(7)
	j := New(worker(1, 0), WithName("a"), WithSequence(seq))
	assert.Equal(t, int64(8), j.ID())
	assert.Equal(t, int64(9), seq.Next())
}
