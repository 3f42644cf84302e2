// Package job defines the unit of work handled by the render dispatcher:
// what to render, the per-job state machine, and the results and failures
// delivered back to callers.
//
// A job is delivered exactly once. Every path through the dispatcher ends in
// Deliver, and a second call is a programming error that panics rather than
// silently dropping or duplicating an outcome.
package job

import (
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// State is a step of the job lifecycle.
type State string

const (
	StateQueued    State = "queued"
	StateLeasing   State = "leasing"
	StateExecuting State = "executing"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateDelivered State = "delivered"
)

var transitions = map[State][]State{
	StateQueued:    {StateLeasing, StateDelivered},
	StateLeasing:   {StateExecuting, StateFailed, StateDelivered},
	StateExecuting: {StateCompleted, StateFailed, StateDelivered},
	StateCompleted: {StateDelivered},
	StateFailed:    {StateQueued, StateDelivered},
}

// CanTransition reports whether from → to is a legal lifecycle step.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition records one state change.
type Transition struct {
	From State
	To   State
	At   time.Time
	Kind Kind // set when entering StateFailed
}

// Artifact is the rendered output.
type Artifact struct {
	ContentType string
	Data        []byte
	Pages       int // PDF only
	Title       string
	URL         string
}

// Result is a successful outcome with timing metadata.
type Result struct {
	JobID       string
	Artifact    *Artifact
	Attempts    int
	InstanceID  string
	SubmittedAt time.Time
	QueuedFor   time.Duration
	ExecutedFor time.Duration
	Total       time.Duration
}

// Outcome is what a job delivers: exactly one of Result or Err is set.
type Outcome struct {
	Result *Result
	Err    *Error
}

// Job is one caller request moving through the dispatcher.
type Job struct {
	ID          string
	Target      Target
	SubmittedAt time.Time
	Deadline    time.Time

	mu          sync.Mutex
	state       State
	retriesLeft int
	attempts    int
	lastKind    Kind
	history     []Transition
	outcome     *Outcome
	done        chan struct{}
}

// New creates a queued job. retries is the number of automatic retries
// allowed after the first attempt.
func New(target Target, submittedAt, deadline time.Time, retries int) *Job {
	if retries < 0 {
		retries = 0
	}
	return &Job{
		ID:          ulid.Make().String(),
		Target:      target,
		SubmittedAt: submittedAt,
		Deadline:    deadline,
		state:       StateQueued,
		retriesLeft: retries,
		done:        make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Transition moves the job to the given state. Illegal transitions panic.
func (j *Job) Transition(to State) {
	j.transition(to, "")
}

// MarkFailed moves the job to StateFailed and records the failure kind.
func (j *Job) MarkFailed(kind Kind) {
	j.transition(StateFailed, kind)
}

func (j *Job) transition(to State, kind Kind) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !CanTransition(j.state, to) {
		panic(fmt.Sprintf("job %s: illegal transition %s -> %s", j.ID, j.state, to))
	}
	if to == StateLeasing {
		j.attempts++
	}
	if kind != "" {
		j.lastKind = kind
	}
	j.history = append(j.history, Transition{From: j.state, To: to, At: time.Now(), Kind: kind})
	j.state = to
}

// Attempts returns how many times the job has entered Leasing.
func (j *Job) Attempts() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.attempts
}

// LastFailure returns the kind of the most recent failed attempt.
func (j *Job) LastFailure() Kind {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastKind
}

// RetriesLeft returns the remaining retry budget.
func (j *Job) RetriesLeft() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.retriesLeft
}

// ConsumeRetry spends one retry. It returns false when the budget is exhausted.
func (j *Job) ConsumeRetry() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.retriesLeft <= 0 {
		return false
	}
	j.retriesLeft--
	return true
}

// Remaining returns the time left before the deadline, never negative.
func (j *Job) Remaining(now time.Time) time.Duration {
	if d := j.Deadline.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Expired reports whether the deadline has passed.
func (j *Job) Expired(now time.Time) bool {
	return !now.Before(j.Deadline)
}

// History returns a copy of the recorded transitions.
func (j *Job) History() []Transition {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Transition, len(j.history))
	copy(out, j.history)
	return out
}

// Path returns the sequence of states the job has been in, starting with Queued.
func (j *Job) Path() []State {
	j.mu.Lock()
	defer j.mu.Unlock()
	path := []State{StateQueued}
	for _, t := range j.history {
		path = append(path, t.To)
	}
	return path
}

// Deliver attaches the outcome and moves the job to Delivered. Exactly one
// of result or err must be non-nil. Delivering twice panics.
func (j *Job) Deliver(result *Result, err error) Outcome {
	if (result == nil) == (err == nil) {
		panic(fmt.Sprintf("job %s: deliver needs exactly one of result or error", j.ID))
	}

	j.mu.Lock()
	if j.outcome != nil {
		j.mu.Unlock()
		panic(fmt.Sprintf("job %s: delivered twice", j.ID))
	}
	if !CanTransition(j.state, StateDelivered) {
		j.mu.Unlock()
		panic(fmt.Sprintf("job %s: cannot deliver from %s", j.ID, j.state))
	}

	var outcome Outcome
	if err != nil {
		outcome.Err = j.annotate(err)
	} else {
		result.JobID = j.ID
		result.Attempts = j.attempts
		outcome.Result = result
	}
	j.history = append(j.history, Transition{From: j.state, To: StateDelivered, At: time.Now()})
	j.state = StateDelivered
	j.outcome = &outcome
	close(j.done)
	j.mu.Unlock()

	return outcome
}

// annotate converts err into an *Error carrying job identity. Caller holds mu.
func (j *Job) annotate(err error) *Error {
	kind := KindOf(err)
	cause := err
	if jobErr, ok := err.(*Error); ok {
		cause = jobErr.Err
	}
	return &Error{Kind: kind, JobID: j.ID, Attempt: j.attempts, Err: cause}
}

// Done is closed once the job is delivered.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Outcome returns the delivered outcome, or nil if not yet delivered.
func (j *Job) Outcome() *Outcome {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.outcome
}
