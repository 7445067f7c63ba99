package job

import (
	"fmt"
	"math/bits"
)

// Progress is a consistent snapshot of a job's counters.
type Progress struct {
	Part      int64
	Total     int64
	MainPart  int64
	MainTotal int64
	Message   string
}

// Percent returns floor(part*100/total), or 0 when total is 0.
// The result is clamped to [0,100].
func Percent(part, total int64) int {
	if total <= 0 || part <= 0 {
		return 0
	}
	if part >= total {
		return 100
	}
	// part*100 may exceed int64; hi < total holds since part < total.
	hi, lo := bits.Mul64(uint64(part), 100)
	q, _ := bits.Div64(hi, lo, uint64(total))
	return int(q)
}

// Progress returns the current counters.
func (j *Job) Progress() Progress {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return Progress{
		Part:      j.part,
		Total:     j.total,
		MainPart:  j.mainPart,
		MainTotal: j.mainTotal,
		Message:   j.message,
	}
}

// PercentComplete returns the sub-operation percentage.
func (j *Job) PercentComplete() int {
	p := j.Progress()
	return Percent(p.Part, p.Total)
}

// MainPercent returns the phase percentage.
func (j *Job) MainPercent() int {
	p := j.Progress()
	return Percent(p.MainPart, p.MainTotal)
}

// Wait blocks until the job finishes. It returns immediately for a job
// that was never started.
func (j *Job) Wait() {
	j.Join(0)
}

// StatusText renders the human status line shown to polling clients.
func (j *Job) StatusText() string {
	if !j.started.Load() {
		return "not started"
	}

	j.mu.RLock()
	state, err := j.state, j.err
	j.mu.RUnlock()
	if state == StateError && err != nil {
		return err.Error()
	}

	p := j.Progress()
	prefix := ""
	if p.MainTotal > 0 {
		prefix = fmt.Sprintf("phase %d of %d: ", p.MainPart, p.MainTotal)
	}

	pct := Percent(p.Part, p.Total)
	switch {
	case j.Alive() && p.Part == 0:
		return prefix + "starting"
	case j.Alive():
		return fmt.Sprintf("%srunning: %d of %d (%d%%)", prefix, p.Part, p.Total, pct)
	case j.Interrupted():
		return fmt.Sprintf("%saborted: %d of %d (%d%%)", prefix, p.Part, p.Total, pct)
	default:
		return fmt.Sprintf("%scompleted: %d items processed", prefix, p.Total)
	}
}
