package export

import "sync"

// State of an export job
type State string

const (
	StateIdle      State = "idle"
	StateRendering State = "rendering"
	StateMuxing    State = "muxing"
	StateComplete  State = "complete"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

func (s State) Terminal() bool {
	return s == StateComplete || s == StateCancelled || s == StateFailed
}

// Progress is one report of a running export. Percent never decreases within a job.
type Progress struct {
	State   State
	Percent float64
	Frame   int
	Frames  int
}

// Границы этапов в процентах общего прогресса
const (
	renderEnd = 55.0
	audioEnd  = 60.0
	muxEnd    = 92.0
)

// tracker serializes progress reports: monotonic percent, and silence after a terminal state.
type tracker struct {
	mu   sync.Mutex
	fn   func(Progress)
	last Progress
}

func newTracker(fn func(Progress), frames int) *tracker {
	return &tracker{fn: fn, last: Progress{State: StateIdle, Frames: frames}}
}

func (t *tracker) report(st State, pct float64, frame int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last.State.Terminal() {
		return
	}
	p := t.last
	p.State = st
	p.Percent = max(t.last.Percent, min(pct, 100))
	if frame > p.Frame {
		p.Frame = frame
	}
	if p == t.last {
		return
	}
	t.last = p
	if t.fn != nil {
		t.fn(p)
	}
}

// finish reports the terminal state once. Complete always ends at 100.
func (t *tracker) finish(st State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last.State.Terminal() {
		return
	}
	t.last.State = st
	if st == StateComplete {
		t.last.Percent = 100
	}
	if t.fn != nil {
		t.fn(t.last)
	}
}

func (t *tracker) state() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last.State
}
