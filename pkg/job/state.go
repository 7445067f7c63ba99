package job

// State is the lifecycle state of a job.
type State string

const (
	StateCreated   State = "created"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateError     State = "error"
	StateAborted   State = "aborted"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateError, StateAborted:
		return true
	}
	return false
}

// String returns the state name.
func (s State) String() string {
	return string(s)
}
