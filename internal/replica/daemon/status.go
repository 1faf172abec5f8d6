package daemon

import (
	"time"
)

// State is the reconciliation state machine:
//
//	idle -> uploading -> polling -> applying -> idle
//	any step -> error (after the retry budget is spent)
type State string

const (
	StateIdle      State = "idle"
	StateUploading State = "uploading"
	StatePolling   State = "polling"
	StateApplying  State = "applying"
	StateError     State = "error"
)

// Status is what the UI layer observes. Transport failures and an
// exhausted retry budget show up here rather than as errors.
type Status struct {
	State State `json:"state"`
	// Degraded is set once a cycle exhausted its retries and cleared by
	// the next successful cycle. Cached reads keep working meanwhile.
	Degraded bool `json:"degraded"`
	// NeedsAuth is set when the credential source has no valid session.
	NeedsAuth           bool      `json:"needsAuth"`
	LastError           string    `json:"lastError,omitempty"`
	LastAttempt         time.Time `json:"lastAttempt,omitempty"`
	LastSuccess         time.Time `json:"lastSuccess,omitempty"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	Checkpoint          string    `json:"checkpoint,omitempty"`
	PendingOps          int       `json:"pendingOps"`
	ParkedOps           int       `json:"parkedOps"`
}

// Subscribe returns a channel receiving every status change, latest wins,
// and a function that unsubscribes. The current status is delivered first.
func (d *Daemon) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 1)
	d.mu.Lock()
	d.observers[ch] = struct{}{}
	ch <- d.status
	d.mu.Unlock()

	return ch, func() {
		d.mu.Lock()
		delete(d.observers, ch)
		d.mu.Unlock()
	}
}

// Status returns a snapshot of the current status.
func (d *Daemon) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func (d *Daemon) updateStatus(fn func(s *Status)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(&d.status)
	for ch := range d.observers {
		select {
		case <-ch:
		default:
		}
		ch <- d.status
	}
}

func (d *Daemon) setState(s State) {
	d.updateStatus(func(st *Status) { st.State = s })
}
