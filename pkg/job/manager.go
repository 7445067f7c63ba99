package job

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/taskd/pkg/alarm"
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// ServiceName is reported as the originating service on alarms.
	// Default: "taskd"
	ServiceName string
}

// Manager is the registry of jobs known to the process.
//
// Every scan and mutation is serialized on one mutex. Jobs themselves run
// in their own goroutines; blocking joins happen outside the lock so a slow
// job never stalls unrelated registry calls.
type Manager struct {
	cfg    ManagerConfig
	logger *zap.Logger
	alarms alarm.Recorder

	mu   sync.Mutex
	jobs []*Job
}

// NewManager creates an empty registry. A nil alarms recorder discards
// failure reports.
func NewManager(cfg ManagerConfig, logger *zap.Logger, alarms alarm.Recorder) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if alarms == nil {
		alarms = alarm.Nop{}
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "taskd"
	}
	return &Manager{
		cfg:    cfg,
		logger: logger.Named("jobs"),
		alarms: alarms,
	}
}

// RegisterAndStart validates j, starts it, and files it in the registry.
//
// When wait is positive and the job is delay tolerant, the call blocks up
// to wait for the body to finish so fast failures surface immediately. A
// job that completed cleanly within that window is not retained. It
// returns whether the job is still alive.
func (m *Manager) RegisterAndStart(j *Job, wait time.Duration) (bool, error) {
	if j == nil {
		return false, invalidState("job is nil")
	}
	if j.Name() == "" {
		return false, invalidState("job %d has no name", j.ID())
	}
	if j.Alive() {
		return false, invalidState("job %d (%s) is already running", j.ID(), j.Name())
	}
	if j.ID() <= 0 {
		return false, invalidState("job %q has no id: not built through job.New or a job factory", j.Name())
	}

	m.mu.Lock()
	for _, other := range m.jobs {
		if other.ID() == j.ID() {
			m.mu.Unlock()
			return false, invalidState("job id %d is already registered", j.ID())
		}
		if j.Exclusive() && other.Name() == j.Name() && other.Alive() {
			m.mu.Unlock()
			return false, invalidState("exclusive job %q is already running as job %d", j.Name(), other.ID())
		}
	}

	env := runEnv{logger: m.logger, alarms: m.alarms, service: m.cfg.ServiceName}
	if err := j.start(env); err != nil {
		m.mu.Unlock()
		return false, err
	}
	// Registered before the wait so a concurrent exclusive start sees it.
	m.jobs = append(m.jobs, j)
	m.mu.Unlock()

	m.logger.Debug("Job registered",
		zap.Int64("job_id", j.ID()),
		zap.String("job_name", j.Name()),
		zap.Int("owner_id", j.OwnerID()))

	if wait <= 0 || !j.Traits().DelayTolerant {
		return j.Alive(), nil
	}

	j.Join(wait)
	if j.Alive() {
		return true, nil
	}
	if j.State() == StateCompleted {
		m.drop(j)
	}
	return false, nil
}

// FindJobs returns every registered job named name.
func (m *Manager) FindJobs(name string) []*Job {
	return m.filter(func(j *Job) bool { return j.Name() == name })
}

// FindOwnerJobs returns the jobs named name that belong to ownerID.
func (m *Manager) FindOwnerJobs(name string, ownerID int) []*Job {
	return m.filter(func(j *Job) bool { return j.Name() == name && j.OwnerID() == ownerID })
}

// FindJob returns the job with id.
func (m *Manager) FindJob(id int64) (*Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.findLocked(id)
	return j, j != nil
}

// IsRunning reports whether a live job named name exists.
func (m *Manager) IsRunning(name string) bool {
	return m.any(func(j *Job) bool { return j.Name() == name && j.Alive() })
}

// IsRunningFor reports whether ownerID has a live job named name.
func (m *Manager) IsRunningFor(name string, ownerID int) bool {
	return m.any(func(j *Job) bool { return j.Name() == name && j.OwnerID() == ownerID && j.Alive() })
}

// ListForOwner returns the jobs belonging to ownerID.
func (m *Manager) ListForOwner(ownerID int) []*Job {
	return m.filter(func(j *Job) bool { return j.OwnerID() == ownerID })
}

// ListAll returns a snapshot of every registered job in registration order.
// The slice is a copy: reordering or overwriting it leaves the registry as is.
func (m *Manager) ListAll() []*Job {
	return m.filter(func(*Job) bool { return true })
}

// Len returns the number of registered jobs.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

// Remove retires job id. A live job is joined for up to wait (forever when
// wait is zero); if it is still alive afterward the job stays registered
// and ErrInvalidState is returned.
func (m *Manager) Remove(id int64, wait time.Duration) error {
	j, ok := m.FindJob(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}

	if j.Alive() && !j.Join(wait) {
		return invalidState("job %d (%s) does not stop", id, j.Name())
	}

	m.drop(j)
	m.logger.Debug("Job removed", zap.Int64("job_id", id), zap.String("job_name", j.Name()))
	return nil
}

// ReapCompleted removes every job that is no longer alive and returns how
// many were removed.
func (m *Manager) ReapCompleted() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.jobs[:0]
	removed := 0
	for _, j := range m.jobs {
		if j.Alive() {
			kept = append(kept, j)
			continue
		}
		removed++
	}
	for i := len(kept); i < len(m.jobs); i++ {
		m.jobs[i] = nil
	}
	m.jobs = kept

	if removed > 0 {
		m.logger.Debug("Reaped finished jobs", zap.Int("count", removed))
	}
	return removed
}

// Abort requests cooperative cancellation of job id. It reports false when
// the job is registered but not running.
func (m *Manager) Abort(id int64) (bool, error) {
	j, ok := m.FindJob(id)
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	aborted := j.Abort()
	if aborted {
		m.logger.Info("Job abort requested", zap.Int64("job_id", id), zap.String("job_name", j.Name()))
	}
	return aborted, nil
}

// Shutdown aborts every live job and waits for them to return, until ctx
// is done. Finished jobs stay registered.
func (m *Manager) Shutdown(ctx context.Context) error {
	live := m.filter(func(j *Job) bool { return j.Alive() })
	for _, j := range live {
		j.Abort()
	}

	for _, j := range live {
		select {
		case <-j.Done():
		case <-ctx.Done():
			m.logger.Warn("Jobs still running at shutdown deadline", zap.Int("count", m.countAlive(live)))
			return ctx.Err()
		}
	}
	return nil
}

func (m *Manager) countAlive(jobs []*Job) int {
	n := 0
	for _, j := range jobs {
		if j.Alive() {
			n++
		}
	}
	return n
}

func (m *Manager) findLocked(id int64) *Job {
	for _, j := range m.jobs {
		if j.ID() == id {
			return j
		}
	}
	return nil
}

func (m *Manager) drop(target *Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, j := range m.jobs {
		if j == target {
			m.jobs = append(m.jobs[:i], m.jobs[i+1:]...)
			return
		}
	}
}

func (m *Manager) filter(keep func(*Job) bool) []*Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Job
	for _, j := range m.jobs {
		if keep(j) {
			out = append(out, j)
		}
	}
	return out
}

func (m *Manager) any(match func(*Job) bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if match(j) {
			return true
		}
	}
	return false
}
