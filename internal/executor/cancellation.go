package executor

import "sync"

// workerState tracks one scheduled step job's lifecycle.
type workerState int32

const (
	stateScheduled workerState = iota
	stateRunning
	stateDone
	stateCancelled
)

// jobTracker records the workerState of every step queued in one batch. A
// job moves Scheduled->Running->Done on the happy path; teardown moves
// still-Scheduled jobs to Cancelled. claim and cancel race for the same
// Scheduled->X edge, so exactly one of them wins per job.
type jobTracker struct {
	mu     sync.Mutex
	states map[string]workerState
}

func newJobTracker() *jobTracker {
	return &jobTracker{states: make(map[string]workerState)}
}

func (t *jobTracker) set(stepID string, s workerState) {
	t.mu.Lock()
	t.states[stepID] = s
	t.mu.Unlock()
}

func (t *jobTracker) get(stepID string) workerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.states[stepID]
}

// claim moves a Scheduled job to Running, reporting whether the caller won
// the job. A false return means teardown cancelled it first.
func (t *jobTracker) claim(stepID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.states[stepID] != stateScheduled {
		return false
	}
	t.states[stepID] = stateRunning
	return true
}

// cancel moves a Scheduled job to Cancelled, reporting whether it was still
// unstarted. A false return means a worker already claimed or finished it.
func (t *jobTracker) cancel(stepID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.states[stepID] != stateScheduled {
		return false
	}
	t.states[stepID] = stateCancelled
	return true
}

// shouldCancel is true for a job that was enqueued but never started when the
// batch is torn down: it may be dropped without side effects.
func shouldCancel(s workerState) bool { return s == stateScheduled }

// shouldWait is true for a job whose handler call is in flight: the batch
// must await its natural completion, never interrupt it.
func shouldWait(s workerState) bool { return s == stateRunning }

// canIgnore is true for a job that already reached a terminal state: nothing
// further to do.
func canIgnore(s workerState) bool { return s == stateDone || s == stateCancelled }
