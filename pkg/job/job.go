// Package job runs long-lived background work on behalf of users.
//
// A Job wraps a Runner with identity, ownership, progress counters, and a
// small state machine:
//
//	created -> running -> completed | error
//	           running -> aborted
//
// Jobs are started and tracked by a Manager. Cancellation is cooperative:
// Abort cancels the body's context and flips the interruption flag, and the
// body is expected to notice (ctx.Done, Interrupted, or the false return of
// UpdateSub/UpdateMain) and return.
package job

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/taskd/pkg/alarm"
	"github.com/3leaps/taskd/pkg/plugin"
)

// Runner is the body of a job.
type Runner interface {
	// Run performs the work. ctx is cancelled when the job is aborted.
	Run(ctx context.Context, j *Job) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, j *Job) error

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, j *Job) error { return f(ctx, j) }

// Traits is the scheduling policy of a job implementation.
type Traits struct {
	// Exclusive forbids two live jobs with the same name.
	Exclusive bool

	// DelayTolerant lets the Manager block briefly after start to catch
	// immediate failures.
	DelayTolerant bool

	// ProducesFiles declares that the job writes downloadable artifacts.
	ProducesFiles bool

	// ReportFailures sends body failures to the alarm channel.
	ReportFailures bool
}

// DefaultTraits applies to runners that do not implement Describer.
func DefaultTraits() Traits {
	return Traits{DelayTolerant: true}
}

// Describer is implemented by runners that declare their own Traits.
type Describer interface {
	Traits() Traits
}

// described binds fixed traits to a runner.
type described struct {
	Runner
	traits Traits
}

func (d described) Traits() Traits { return d.traits }

// Describe attaches traits to a runner that does not declare its own.
func Describe(r Runner, t Traits) Runner {
	return described{Runner: r, traits: t}
}

// FinishFunc is called once after the job reaches a terminal state.
// Errors are logged, never propagated.
type FinishFunc func(id int64, name string) error

// Option configures a Job before it starts.
type Option func(*Job)

// WithOwner sets the owning user and an opaque snapshot of their grants.
func WithOwner(ownerID int, grants any) Option {
	return func(j *Job) {
		j.ownerID = ownerID
		j.grants = grants
	}
}

// WithName sets the job name used for exclusivity and lookup.
func WithName(name string) Option {
	return func(j *Job) { j.name = strings.TrimSpace(name) }
}

// WithDescription sets the human description.
func WithDescription(desc string) Option {
	return func(j *Job) { j.description = desc }
}

// WithPermission sets the required permission list (comma separated, any of).
func WithPermission(perm string) Option {
	return func(j *Job) { j.permission = perm }
}

// WithOnFinish sets the termination callback.
func WithOnFinish(fn FinishFunc) Option {
	return func(j *Job) { j.onFinish = fn }
}

// WithParams seeds the parameter bag.
func WithParams(params map[string]any) Option {
	return func(j *Job) {
		for k, v := range params {
			j.params[k] = v
		}
	}
}

// WithReportFailures overrides the implementation's ReportFailures trait.
func WithReportFailures(report bool) Option {
	return func(j *Job) { j.reportFailures = report }
}

// WithSequence draws the job id from seq instead of the process-wide
// sequence. Ids are only unique among jobs drawing from the same Sequence.
func WithSequence(seq *Sequence) Option {
	return func(j *Job) { j.seq = seq }
}

// runEnv is what the Manager lends a job for the duration of its run.
type runEnv struct {
	logger  *zap.Logger
	alarms  alarm.Recorder
	service string
}

// Job is a unit of cancellable, observable, asynchronous work.
//
// The job's own goroutine is the only writer of execution state while it
// runs; other goroutines read through the accessors and may call Abort.
type Job struct {
	id          int64
	seq         *Sequence
	ownerID     int
	grants      any
	name        string
	description string
	permission  string
	onFinish    FinishFunc

	runner         Runner
	traits         Traits
	reportFailures bool

	started     atomic.Bool
	interrupted atomic.Bool
	done        chan struct{}

	mu        sync.RWMutex
	env       runEnv
	cancel    context.CancelFunc
	state     State
	part      int64
	total     int64
	mainPart  int64
	mainTotal int64
	message   string
	startedAt time.Time
	endedAt   time.Time
	err       error
	files     []string
	params    map[string]any
}

// New creates an unstarted job around r with a fresh id.
func New(r Runner, opts ...Option) *Job {
	traits := DefaultTraits()
	if d, ok := r.(Describer); ok {
		traits = d.Traits()
	}

	j := &Job{
		runner:         r,
		traits:         traits,
		reportFailures: traits.ReportFailures,
		done:           make(chan struct{}),
		state:          StateCreated,
		params:         make(map[string]any),
	}
	for _, opt := range opts {
		opt(j)
	}
	if j.seq == nil {
		j.seq = defaultSequence
	}
	j.id = j.seq.Next()
	if j.description == "" {
		j.description = j.name
	}
	return j
}

// ID returns the job id. Zero means the job was not built with New.
func (j *Job) ID() int64 { return j.id }

// OwnerID returns the owning user id.
func (j *Job) OwnerID() int { return j.ownerID }

// Grants returns the owner permission snapshot supplied at build time.
func (j *Job) Grants() any { return j.grants }

// Name returns the job name.
func (j *Job) Name() string { return j.name }

// Description returns the human description.
func (j *Job) Description() string { return j.description }

// Permission returns the raw required-permission string.
func (j *Job) Permission() string { return j.permission }

// Permissions returns the required permissions, any one of which suffices.
func (j *Job) Permissions() []string {
	var out []string
	for _, p := range strings.Split(j.permission, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Allows reports whether a holder of the permissions tested by has may see
// or launch this job. A job with no required permission allows everyone.
func (j *Job) Allows(has func(perm string) bool) bool {
	perms := j.Permissions()
	if len(perms) == 0 {
		return true
	}
	if has == nil {
		return false
	}
	for _, p := range perms {
		if has(p) {
			return true
		}
	}
	return false
}

// Traits returns the implementation's scheduling policy.
func (j *Job) Traits() Traits { return j.traits }

// Exclusive reports whether only one live job of this name may exist.
func (j *Job) Exclusive() bool { return j.traits.Exclusive }

// ProducesFiles reports whether the job writes downloadable artifacts.
func (j *Job) ProducesFiles() bool { return j.traits.ProducesFiles }

// ReportFailures reports whether a failure is sent to the alarm channel.
func (j *Job) ReportFailures() bool { return j.reportFailures }

// SetParam sets a parameter. Parameters are frozen once the job starts.
func (j *Job) SetParam(key string, value any) error {
	if j.started.Load() {
		return invalidState("job %d: parameters are read-only after start", j.id)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.params == nil {
		j.params = make(map[string]any)
	}
	j.params[key] = value
	return nil
}

// SetParams sets several parameters at once.
func (j *Job) SetParams(params map[string]any) error {
	for k, v := range params {
		if err := j.SetParam(k, v); err != nil {
			return err
		}
	}
	return nil
}

// Param returns one parameter.
func (j *Job) Param(key string) (any, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	v, ok := j.params[key]
	return v, ok
}

// Params returns a copy of the parameter bag.
func (j *Job) Params() map[string]any {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make(map[string]any, len(j.params))
	for k, v := range j.params {
		out[k] = v
	}
	return out
}

// DecodeParams decodes the parameter bag into dst (mapstructure tags).
func (j *Job) DecodeParams(dst any) error {
	return plugin.DecodeMap(j.Params(), dst)
}

// State returns the current state.
func (j *Job) State() State {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.state == "" {
		return StateCreated
	}
	return j.state
}

// Err returns the error captured from the body, if any.
func (j *Job) Err() error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.err
}

// Failed reports whether the job ended in the error state.
func (j *Job) Failed() bool {
	return j.State() == StateError
}

// Alive reports whether the job has started and its goroutine has not
// finished yet.
func (j *Job) Alive() bool {
	if !j.started.Load() {
		return false
	}
	select {
	case <-j.done:
		return false
	default:
		return true
	}
}

// Interrupted reports whether Abort was called.
func (j *Job) Interrupted() bool {
	return j.interrupted.Load()
}

// Join waits up to timeout for the job to finish and reports whether it
// did. A non-positive timeout waits indefinitely.
func (j *Job) Join(timeout time.Duration) bool {
	if !j.started.Load() {
		return true
	}
	if timeout <= 0 {
		<-j.done
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-j.done:
		return true
	case <-timer.C:
		return false
	}
}

// Done returns a channel closed when the job finishes. It is nil for a job
// that was not built with New.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Abort requests cooperative cancellation. It reports false when the job
// is not running.
func (j *Job) Abort() bool {
	j.mu.Lock()
	if j.state != StateRunning {
		j.mu.Unlock()
		return false
	}
	j.interrupted.Store(true)
	j.state = StateAborted
	cancel := j.cancel
	j.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return true
}

// UpdateSub records sub-operation progress and reports whether the body
// should keep going.
func (j *Job) UpdateSub(part, total int64) bool {
	j.mu.Lock()
	j.part, j.total = part, total
	j.mu.Unlock()
	return !j.interrupted.Load()
}

// UpdateMain records phase progress ("phase part of total") and reports
// whether the body should keep going.
func (j *Job) UpdateMain(part, total int64) bool {
	j.mu.Lock()
	j.mainPart, j.mainTotal = part, total
	j.mu.Unlock()
	return !j.interrupted.Load()
}

// SetMessage sets the free-text sub-operation message.
func (j *Job) SetMessage(msg string) {
	j.mu.Lock()
	j.message = msg
	j.mu.Unlock()
}

// Message returns the sub-operation message.
func (j *Job) Message() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.message
}

// AddFile records an artifact produced by the job.
func (j *Job) AddFile(path string) {
	j.mu.Lock()
	j.files = append(j.files, path)
	j.mu.Unlock()
}

// Files returns the artifacts produced so far.
func (j *Job) Files() []string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return append([]string(nil), j.files...)
}

// HasFiles reports whether the job produced any artifact.
func (j *Job) HasFiles() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.files) > 0
}

// StartedAt returns the start time; zero until started.
func (j *Job) StartedAt() time.Time {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.startedAt
}

// EndedAt returns the end time; zero until the body has finished.
func (j *Job) EndedAt() time.Time {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.endedAt
}

// Elapsed returns the time since start, or zero if not started.
func (j *Job) Elapsed() time.Duration {
	started := j.StartedAt()
	if started.IsZero() {
		return 0
	}
	return time.Since(started)
}

// RunTime returns end minus start once finished, the time so far while
// running, and zero before start.
func (j *Job) RunTime() time.Duration {
	j.mu.RLock()
	started, ended := j.startedAt, j.endedAt
	j.mu.RUnlock()

	switch {
	case started.IsZero():
		return 0
	case ended.IsZero():
		return time.Since(started)
	default:
		return ended.Sub(started)
	}
}

// Logger returns the run logger tagged with the job identity.
func (j *Job) Logger() *zap.Logger {
	j.mu.RLock()
	logger := j.env.logger
	j.mu.RUnlock()
	if logger == nil {
		logger = zap.NewNop()
	}
	return logger.With(
		zap.Int64("job_id", j.id),
		zap.String("job_name", j.name),
		zap.Int("owner_id", j.ownerID))
}

// start transitions created -> running and launches the body.
func (j *Job) start(env runEnv) error {
	if j.runner == nil {
		return invalidState("job %d has no implementation", j.id)
	}
	if j.done == nil {
		return invalidState("job %d was not built with job.New", j.id)
	}
	if !j.started.CompareAndSwap(false, true) {
		return invalidState("job %d (%s) was already started", j.id, j.name)
	}

	ctx, cancel := context.WithCancel(context.Background())

	j.mu.Lock()
	j.env = env
	j.cancel = cancel
	j.state = StateRunning
	j.startedAt = time.Now()
	j.part, j.total = 0, 0
	j.mainPart, j.mainTotal = 0, 0
	j.mu.Unlock()

	go j.execute(ctx, cancel)
	return nil
}

// execute runs the body and settles the terminal state.
func (j *Job) execute(ctx context.Context, cancel context.CancelFunc) {
	defer close(j.done)
	defer cancel()

	logger := j.Logger()
	logger.Debug("Job started")

	err := j.runBody(ctx)

	j.mu.Lock()
	j.endedAt = time.Now()
	switch {
	case j.interrupted.Load():
		j.state = StateAborted
		if err != nil && !errors.Is(err, context.Canceled) {
			j.err = err
		}
	case err != nil:
		j.state = StateError
		j.err = err
	default:
		j.state = StateCompleted
	}
	state := j.state
	runTime := j.endedAt.Sub(j.startedAt)
	env := j.env
	j.mu.Unlock()

	switch state {
	case StateError:
		logger.Warn("Job failed", zap.Error(err), zap.Duration("run_time", runTime))
		if j.reportFailures && env.alarms != nil {
			env.alarms.Record(alarm.SeverityError, env.service, j.name, err.Error(), alarm.VisibilityOperators)
		}
	case StateAborted:
		logger.Info("Job aborted", zap.Duration("run_time", runTime))
	default:
		logger.Info("Job completed", zap.Duration("run_time", runTime))
	}

	j.finish(logger)
}

// runBody calls the runner, turning a panic into a captured error.
func (j *Job) runBody(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panic: %v", r)
		}
	}()
	return j.runner.Run(ctx, j)
}

// finish runs the termination callback exactly once.
func (j *Job) finish(logger *zap.Logger) {
	if j.onFinish == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Job finish callback panicked", zap.Any("panic", r))
		}
	}()
	if err := j.onFinish(j.id, j.name); err != nil {
		logger.Error("Job finish callback failed", zap.Error(err))
	}
}
