package job

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/3leaps/taskd/pkg/alarm"
)

// gate blocks until released or aborted.
type gate struct {
	release chan struct{}
}

func newGate() *gate { return &gate{release: make(chan struct{})} }

func (g *gate) Run(ctx context.Context, j *Job) error {
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gate) open() { close(g.release) }

// worker processes n units, stopping when told to.
func worker(n int64, pause time.Duration) RunnerFunc {
	return func(ctx context.Context, j *Job) error {
		for i := int64(1); i <= n; i++ {
			time.Sleep(pause)
			if !j.UpdateSub(i, n) {
				return nil
			}
		}
		return nil
	}
}

func startJob(t *testing.T, m *Manager, j *Job) {
	t.Helper()
	_, err := m.RegisterAndStart(j, 0)
	require.NoError(t, err)
}

func TestPercent(t *testing.T) {
	tests := []struct {
		part, total int64
		want        int
	}{
		{0, 0, 0},
		{5, 0, 0},
		{1, 3, 33},
		{2, 3, 66},
		{3, 3, 100},
		{7, 5, 100},
		{-1, 5, 0},
		{1, -5, 0},
		{math.MaxInt64 / 2, math.MaxInt64, 49},
		{math.MaxInt64 - 1, math.MaxInt64, 99},
		{math.MaxInt64 / 50, math.MaxInt64 / 25, 50},
	}
	for _, tt := range tests {
		got := Percent(tt.part, tt.total)
		assert.Equal(t, tt.want, got, "Percent(%d, %d)", tt.part, tt.total)
		assert.GreaterOrEqual(t, got, 0)
		assert.LessOrEqual(t, got, 100)
	}
}

func TestNew_Defaults(t *testing.T) {
	j := New(worker(1, 0), WithName("  export "), WithOwner(7, "grants"))

	assert.Positive(t, j.ID())
	assert.Equal(t, "export", j.Name())
	assert.Equal(t, "export", j.Description())
	assert.Equal(t, 7, j.OwnerID())
	assert.Equal(t, "grants", j.Grants())
	assert.Equal(t, StateCreated, j.State())
	assert.False(t, j.Alive())
	assert.False(t, j.Exclusive())
	assert.True(t, j.Traits().DelayTolerant)
	assert.False(t, j.ReportFailures())
	assert.Equal(t, "not started", j.StatusText())
	assert.Zero(t, j.Elapsed())
	assert.Zero(t, j.RunTime())
	assert.True(t, j.Join(time.Millisecond), "an unstarted job has nothing to join")

	other := New(worker(1, 0))
	assert.NotEqual(t, j.ID(), other.ID())
}

func TestNew_TraitsComeFromImplementation(t *testing.T) {
	r := Describe(worker(1, 0), Traits{Exclusive: true, ProducesFiles: true, ReportFailures: true})
	j := New(r, WithName("report"))

	assert.True(t, j.Exclusive())
	assert.True(t, j.ProducesFiles())
	assert.True(t, j.ReportFailures())
	assert.False(t, j.Traits().DelayTolerant)

	quiet := New(r, WithName("report"), WithReportFailures(false))
	assert.False(t, quiet.ReportFailures())
	assert.True(t, quiet.Exclusive())
}

func TestJob_Permissions(t *testing.T) {
	j := New(worker(1, 0), WithPermission("reports.run, admin,,"))
	assert.Equal(t, []string{"reports.run", "admin"}, j.Permissions())

	holder := func(perms ...string) func(string) bool {
		return func(p string) bool {
			for _, have := range perms {
				if have == p {
					return true
				}
			}
			return false
		}
	}
	assert.True(t, j.Allows(holder("admin")))
	assert.True(t, j.Allows(holder("reports.run")))
	assert.False(t, j.Allows(holder("reports.view")))
	assert.False(t, j.Allows(nil))

	open := New(worker(1, 0))
	assert.True(t, open.Allows(nil))
}

func TestJob_CompletesAndRunsFinishHookOnce(t *testing.T) {
	var calls atomic.Int32
	var gotID atomic.Int64
	j := New(worker(3, 0), WithName("export"), WithOnFinish(func(id int64, name string) error {
		calls.Add(1)
		gotID.Store(id)
		assert.Equal(t, "export", name)
		return nil
	}))

	startJob(t, NewManager(ManagerConfig{}, nil, nil), j)
	j.Wait()

	assert.Equal(t, StateCompleted, j.State())
	assert.NoError(t, j.Err())
	assert.False(t, j.Failed())
	assert.False(t, j.EndedAt().IsZero())
	assert.False(t, j.EndedAt().Before(j.StartedAt()))
	assert.Equal(t, j.EndedAt().Sub(j.StartedAt()), j.RunTime())
	assert.Equal(t, 100, j.PercentComplete())
	assert.Equal(t, "completed: 3 items processed", j.StatusText())
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, j.ID(), gotID.Load())
}

func TestJob_BodyErrorIsCapturedAndAlarmed(t *testing.T) {
	ring := alarm.NewRing(8)
	m := NewManager(ManagerConfig{ServiceName: "reports"}, nil, ring)
	boom := errors.New("disk full")

	j := New(Describe(RunnerFunc(func(context.Context, *Job) error { return boom }), Traits{ReportFailures: true}),
		WithName("export"))
	startJob(t, m, j)
	j.Wait()

	assert.Equal(t, StateError, j.State())
	assert.True(t, j.Failed())
	assert.ErrorIs(t, j.Err(), boom)
	assert.Equal(t, "disk full", j.StatusText())

	events := ring.Events()
	require.Len(t, events, 1)
	assert.Equal(t, alarm.SeverityError, events[0].Severity)
	assert.Equal(t, "reports", events[0].Service)
	assert.Equal(t, "export", events[0].Component)
	assert.Equal(t, "disk full", events[0].Message)
	assert.Equal(t, alarm.VisibilityOperators, events[0].Visibility)
}

func TestJob_FailureNotAlarmedWithoutOptIn(t *testing.T) {
	ring := alarm.NewRing(8)
	m := NewManager(ManagerConfig{}, nil, ring)

	j := New(RunnerFunc(func(context.Context, *Job) error { return errors.New("nope") }), WithName("quiet"))
	startJob(t, m, j)
	j.Wait()

	assert.Equal(t, StateError, j.State())
	assert.Empty(t, ring.Events())
}

func TestJob_PanicBecomesError(t *testing.T) {
	var finished atomic.Bool
	j := New(RunnerFunc(func(context.Context, *Job) error { panic("index out of range") }),
		WithName("panicky"),
		WithOnFinish(func(int64, string) error { finished.Store(true); return nil }))

	startJob(t, NewManager(ManagerConfig{}, nil, nil), j)
	j.Wait()

	assert.Equal(t, StateError, j.State())
	require.Error(t, j.Err())
	assert.Contains(t, j.Err().Error(), "index out of range")
	assert.True(t, finished.Load())
}

func TestJob_AbortIsCooperative(t *testing.T) {
	j := New(worker(1_000_000, time.Millisecond), WithName("long"))
	startJob(t, NewManager(ManagerConfig{}, nil, nil), j)

	require.Eventually(t, func() bool { return j.Progress().Part > 0 }, 2*time.Second, time.Millisecond)
	assert.True(t, strings.HasPrefix(j.StatusText(), "running: "), j.StatusText())

	assert.True(t, j.Abort())
	assert.True(t, j.Interrupted())
	assert.Equal(t, StateAborted, j.State())

	require.True(t, j.Join(2*time.Second))
	assert.Equal(t, StateAborted, j.State())
	assert.NoError(t, j.Err())
	assert.True(t, strings.HasPrefix(j.StatusText(), "aborted: "), j.StatusText())
	assert.False(t, j.Abort(), "a finished job cannot be aborted")
}

func TestJob_AbortCancelsContext(t *testing.T) {
	g := newGate()
	j := New(g, WithName("gated"))
	startJob(t, NewManager(ManagerConfig{}, nil, nil), j)

	assert.Equal(t, "starting", j.StatusText())
	assert.True(t, j.Abort())
	require.True(t, j.Join(2*time.Second))

	assert.Equal(t, StateAborted, j.State())
	assert.NoError(t, j.Err(), "context.Canceled after abort is a clean abort")
}

func TestJob_AbortUnstarted(t *testing.T) {
	j := New(worker(1, 0), WithName("idle"))
	assert.False(t, j.Abort())
	assert.Equal(t, StateCreated, j.State())
}

func TestJob_ParamsFrozenAfterStart(t *testing.T) {
	g := newGate()
	j := New(g, WithName("params"), WithParams(map[string]any{"bucket": "a"}))
	require.NoError(t, j.SetParam("limit", 10))
	require.NoError(t, j.SetParams(map[string]any{"prefix": "logs/"}))

	startJob(t, NewManager(ManagerConfig{}, nil, nil), j)
	defer g.open()

	err := j.SetParam("bucket", "b")
	assert.True(t, IsInvalidState(err))

	v, ok := j.Param("bucket")
	assert.True(t, ok)
	assert.Equal(t, "a", v)

	params := j.Params()
	params["bucket"] = "mutated"
	v, _ = j.Param("bucket")
	assert.Equal(t, "a", v, "Params returns a copy")

	var decoded struct {
		Bucket string `mapstructure:"bucket"`
		Limit  int    `mapstructure:"limit"`
		Prefix string `mapstructure:"prefix"`
	}
	require.NoError(t, j.DecodeParams(&decoded))
	assert.Equal(t, "a", decoded.Bucket)
	assert.Equal(t, 10, decoded.Limit)
	assert.Equal(t, "logs/", decoded.Prefix)
}

func TestJob_StatusTextWithPhases(t *testing.T) {
	j := New(RunnerFunc(func(ctx context.Context, j *Job) error {
		j.UpdateMain(2, 3)
		j.SetMessage("writing")
		j.UpdateSub(4, 4)
		return nil
	}), WithName("phased"))

	startJob(t, NewManager(ManagerConfig{}, nil, nil), j)
	j.Wait()

	assert.Equal(t, "phase 2 of 3: completed: 4 items processed", j.StatusText())
	assert.Equal(t, 66, j.MainPercent())
	assert.Equal(t, "writing", j.Message())
}

func TestJob_Files(t *testing.T) {
	j := New(RunnerFunc(func(ctx context.Context, j *Job) error {
		j.AddFile("a.jsonl")
		j.AddFile("b.csv")
		return nil
	}), WithName("files"))
	assert.False(t, j.HasFiles())

	startJob(t, NewManager(ManagerConfig{}, nil, nil), j)
	j.Wait()

	assert.True(t, j.HasFiles())
	files := j.Files()
	assert.Equal(t, []string{"a.jsonl", "b.csv"}, files)
	files[0] = "x"
	assert.Equal(t, "a.jsonl", j.Files()[0])
}

func TestJob_FinishHookFailureIsLogged(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	m := NewManager(ManagerConfig{}, zap.New(core), nil)

	failing := New(worker(1, 0), WithName("hook-error"),
		WithOnFinish(func(int64, string) error { return errors.New("listener gone") }))
	panicking := New(worker(1, 0), WithName("hook-panic"),
		WithOnFinish(func(int64, string) error { panic("listener exploded") }))

	startJob(t, m, failing)
	startJob(t, m, panicking)
	failing.Wait()
	panicking.Wait()

	assert.Equal(t, StateCompleted, failing.State())
	assert.Equal(t, StateCompleted, panicking.State())
	assert.Equal(t, 1, logs.FilterMessage("Job finish callback failed").Len())
	assert.Equal(t, 1, logs.FilterMessage("Job finish callback panicked").Len())
}

func TestJob_StartTwice(t *testing.T) {
	j := New(worker(1, 0), WithName("once"))
	require.NoError(t, j.start(runEnv{}))
	j.Wait()

	err := j.start(runEnv{})
	assert.True(t, IsInvalidState(err))
}
