package transfer

import (
	"sync"
)

// State is a session's position in its state machine.
type State int

const (
	Idle State = iota
	Encrypting
	Uploading
	FetchingInfo
	AwaitingPassword
	Downloading
	Decrypting
	Complete
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Encrypting:
		return "encrypting"
	case Uploading:
		return "uploading"
	case FetchingInfo:
		return "fetching_info"
	case AwaitingPassword:
		return "awaiting_password"
	case Downloading:
		return "downloading"
	case Decrypting:
		return "decrypting"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == Complete || s == Failed
}

// Progress is one progress report. Fraction never decreases within a
// session, even across retries.
type Progress struct {
	State    State
	Done     uint64
	Total    uint64
	Fraction float64
}

// ProgressFunc receives progress reports. It is called synchronously from
// the session goroutine and must not block.
type ProgressFunc func(Progress)

// tracker holds a session's state and progress.
type tracker struct {
	mu       sync.Mutex
	state    State
	done     uint64
	total    uint64
	fraction float64
	notify   ProgressFunc
}

func (t *tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *tracker) setState(s State) {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return
	}
	t.state = s
	if s == Complete {
		t.fraction = 1
		if t.total > 0 {
			t.done = t.total
		}
	}
	p := t.snapshot()
	t.mu.Unlock()
	t.emit(p)
}

func (t *tracker) setTotal(total uint64) {
	t.mu.Lock()
	t.total = total
	t.mu.Unlock()
}

// frameDone records one more frame for the current attempt. done restarts
// from zero on a retry but the reported fraction does not go backwards.
func (t *tracker) frameDone(done uint64) {
	t.mu.Lock()
	t.done = done
	if t.total > 0 {
		if f := float64(done) / float64(t.total); f > t.fraction {
			t.fraction = min(f, 1)
		}
	}
	p := t.snapshot()
	t.mu.Unlock()
	t.emit(p)
}

func (t *tracker) snapshot() Progress {
	return Progress{State: t.state, Done: t.done, Total: t.total, Fraction: t.fraction}
}

func (t *tracker) emit(p Progress) {
	if t.notify != nil {
		t.notify(p)
	}
}

// fail moves to Failed and passes err through.
func (t *tracker) fail(err error) error {
	t.setState(Failed)
	return err
}
