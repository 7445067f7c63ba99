package job

import (
	"math"
	"sync/atomic"
	"time"
)

// Sequence hands out positive job ids.
//
// Ids are unique for the lifetime of the Sequence: the counter is atomic,
// and wraps to 1 after math.MaxInt32.
type Sequence struct {
	last atomic.Int64
}

// NewSequence creates a sequence whose first id is seed+1.
func NewSequence(seed int64) *Sequence {
	s := &Sequence{}
	s.last.Store(wrapID(seed))
	return s
}

// NewClockSequence seeds a sequence from the wall clock so ids from
// successive processes rarely collide in logs.
func NewClockSequence() *Sequence {
	return NewSequence(time.Now().Unix())
}

// Next returns the next id.
func (s *Sequence) Next() int64 {
	for {
		cur := s.last.Load()
		next := cur + 1
		if next > math.MaxInt32 {
			next = 1
		}
		if s.last.CompareAndSwap(cur, next) {
			return next
		}
	}
}

func wrapID(v int64) int64 {
	if v < 0 {
		v = -v
	}
	return v % math.MaxInt32
}

// defaultSequence serves every job built without WithSequence, including
// jobs from factories created with a nil Sequence.
var defaultSequence = NewClockSequence()
