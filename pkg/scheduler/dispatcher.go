// Package scheduler turns render requests into results. The Dispatcher
// admits jobs under a global concurrency cap, leases a browsing context for
// each attempt, runs it under the job's wall-clock deadline, and retries
// transient failures with exponential backoff and full jitter.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/entrhq/renderd/pkg/job"
	"github.com/entrhq/renderd/pkg/logging"
	"github.com/entrhq/renderd/pkg/observability"
	"github.com/entrhq/renderd/pkg/pool"
)

var (
	ErrClosed = errors.New("dispatcher closed")

	// ErrInstanceLost is the abort cause when the leased context's browser dies.
	ErrInstanceLost = errors.New("browser instance lost during execution")

	// ErrUnresponsive means the context ignored an abort for longer than the grace period.
	ErrUnresponsive = errors.New("browsing context did not respond to abort")
)

// Leaser is the part of the session pool the dispatcher uses.
type Leaser interface {
	Lease(ctx context.Context, timeout time.Duration) (*pool.Lease, error)
	Release(lease *pool.Lease, outcome pool.Outcome)
}

// Observer receives job lifecycle events. Used for metrics.
type Observer interface {
	JobSubmitted()
	JobDelivered(kind job.Kind, attempts int, elapsed time.Duration)
	AttemptFinished(kind job.Kind, elapsed time.Duration)
	RetryScheduled(kind job.Kind, backoff time.Duration)
}

type noopObserver struct{}

func (noopObserver) JobSubmitted()                             {}
func (noopObserver) JobDelivered(job.Kind, int, time.Duration) {}
func (noopObserver) AttemptFinished(job.Kind, time.Duration)   {}
func (noopObserver) RetryScheduled(job.Kind, time.Duration)    {}

// Options configures the dispatcher.
type Options struct {
	// GlobalConcurrencyCap bounds jobs in Leasing or Executing
	GlobalConcurrencyCap int

	// DefaultDeadline applies when a submission sets none
	DefaultDeadline time.Duration

	// RetryBudget is the default number of automatic retries (0 disables)
	RetryBudget int

	// BackoffBase and BackoffMax bound the retry delay (zero retries at once)
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// MaxLeaseWait caps a single lease wait below the remaining deadline (0 = no cap)
	MaxLeaseWait time.Duration

	// AbortGrace is how long an aborted context may take to return
	AbortGrace time.Duration
}

// Defaults
const (
	DefaultGlobalConcurrencyCap = 8
	DefaultDeadline             = 30 * time.Second
	DefaultAbortGrace           = 2 * time.Second
)

func (o Options) withDefaults() Options {
	if o.GlobalConcurrencyCap <= 0 {
		o.GlobalConcurrencyCap = DefaultGlobalConcurrencyCap
	}
	if o.DefaultDeadline <= 0 {
		o.DefaultDeadline = DefaultDeadline
	}
	if o.RetryBudget < 0 {
		o.RetryBudget = 0
	}
	if o.BackoffMax > 0 && o.BackoffBase > o.BackoffMax {
		o.BackoffBase = o.BackoffMax
	}
	if o.AbortGrace <= 0 {
		o.AbortGrace = DefaultAbortGrace
	}
	return o
}

// SubmitOptions tunes a single submission.
type SubmitOptions struct {
	// Timeout is the job's deadline relative to submission (0 = DefaultDeadline)
	Timeout time.Duration

	// Deadline is an absolute deadline; it wins over Timeout when set
	Deadline time.Time

	// Retries overrides the retry budget when non-nil
	Retries *int
}

// Dispatcher runs jobs against the session pool.
type Dispatcher struct {
	pool     Leaser
	opts     Options
	backoff  Backoff
	sem      *semaphore.Weighted
	logger   *logging.Logger
	observer Observer
	check    func(job.Target) error

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup

	// cancelled by Close when draining runs out of time
	stopCtx context.Context
	stop    context.CancelFunc
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(logger *logging.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithObserver registers an observer for job events.
func WithObserver(observer Observer) Option {
	return func(d *Dispatcher) {
		if observer != nil {
			d.observer = observer
		}
	}
}

// WithTargetCheck validates targets before they are scheduled, in
// addition to job.Target.Validate. Rejections should be KindInvalidTarget.
func WithTargetCheck(check func(job.Target) error) Option {
	return func(d *Dispatcher) {
		d.check = check
	}
}

// WithJitter replaces the random source used for backoff.
func WithJitter(jitter func(n int64) int64) Option {
	return func(d *Dispatcher) {
		d.backoff.Jitter = jitter
	}
}

// New creates a dispatcher over the given pool.
func New(leaser Leaser, opts Options, options ...Option) *Dispatcher {
	opts = opts.withDefaults()
	stopCtx, stop := context.WithCancel(context.Background())
	d := &Dispatcher{
		pool:     leaser,
		opts:     opts,
		backoff:  Backoff{Base: opts.BackoffBase, Max: opts.BackoffMax},
		sem:      semaphore.NewWeighted(int64(opts.GlobalConcurrencyCap)),
		logger:   logging.Discard("scheduler"),
		observer: noopObserver{},
		stopCtx:  stopCtx,
		stop:     stop,
	}
	for _, opt := range options {
		opt(d)
	}
	return d
}

// Options returns the effective options.
func (d *Dispatcher) Options() Options {
	return d.opts
}

// Submit runs target to completion and returns its result or its final
// *job.Error. Cancelling ctx cancels the job.
func (d *Dispatcher) Submit(ctx context.Context, target job.Target, opts SubmitOptions) (*job.Result, error) {
	ch, err := d.SubmitAsync(ctx, target, opts)
	if err != nil {
		return nil, err
	}
	out := <-ch
	if out.Err != nil {
		return nil, out.Err
	}
	return out.Result, nil
}

// SubmitAsync starts a job and returns a channel that receives its single
// outcome. The only synchronous error is ErrClosed.
func (d *Dispatcher) SubmitAsync(ctx context.Context, target job.Target, opts SubmitOptions) (<-chan job.Outcome, error) {
	now := time.Now()
	deadline := opts.Deadline
	if deadline.IsZero() {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = d.opts.DefaultDeadline
		}
		deadline = now.Add(timeout)
	}
	retries := d.opts.RetryBudget
	if opts.Retries != nil {
		retries = *opts.Retries
	}

	target = target.Normalize()
	j := job.New(target, now, deadline, retries)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	d.inflight.Add(1)
	d.mu.Unlock()

	d.observer.JobSubmitted()
	out := make(chan job.Outcome, 1)
	go func() {
		defer d.inflight.Done()
		out <- d.run(ctx, j)
	}()
	return out, nil
}

// run drives one job to delivery.
func (d *Dispatcher) run(ctx context.Context, j *job.Job) job.Outcome {
	ctx, span := observability.StartSpan(ctx, "render.job", trace.WithAttributes(
		observability.AttrJobID.String(j.ID),
		observability.AttrJobTarget.String(j.Target.Describe()),
		observability.AttrJobOutput.String(string(j.Target.Output)),
	))

	jobCtx, cancel := context.WithDeadline(ctx, j.Deadline)
	defer cancel()
	stopWatch := context.AfterFunc(d.stopCtx, cancel)
	defer stopWatch()

	result, err := d.process(jobCtx, j)
	outcome := j.Deliver(result, err)

	elapsed := time.Since(j.SubmittedAt)
	if outcome.Err != nil {
		span.SetAttributes(observability.AttrErrorKind.String(string(outcome.Err.Kind)))
		observability.EndSpan(span, outcome.Err)
		d.observer.JobDelivered(outcome.Err.Kind, j.Attempts(), elapsed)
		d.logger.Infof("job %s failed after %d attempt(s) in %s: %v", j.ID, j.Attempts(), elapsed.Round(time.Millisecond), outcome.Err)
	} else {
		observability.EndSpan(span, nil)
		d.observer.JobDelivered("", j.Attempts(), elapsed)
		d.logger.Infof("job %s completed after %d attempt(s) in %s", j.ID, j.Attempts(), elapsed.Round(time.Millisecond))
	}
	return outcome
}

// process runs attempts until one succeeds, a failure is final, or the
// deadline passes.
func (d *Dispatcher) process(ctx context.Context, j *job.Job) (*job.Result, error) {
	if err := j.Target.Validate(); err != nil {
		return nil, err
	}
	if d.check != nil {
		if err := d.check(j.Target); err != nil {
			return nil, err
		}
	}
	if j.Expired(time.Now()) {
		return nil, job.Failf(job.KindDeadlineExceeded, "deadline passed before the job was scheduled")
	}

	var queuedFor time.Duration
	for {
		queueStart := time.Now()
		if err := d.sem.Acquire(ctx, 1); err != nil {
			return nil, abortError(ctx, err)
		}

		j.Transition(job.StateLeasing)
		res, err := d.attempt(ctx, j, &queuedFor, queueStart)
		d.sem.Release(1)

		if err == nil {
			res.SubmittedAt = j.SubmittedAt
			res.QueuedFor = queuedFor
			res.Total = time.Since(j.SubmittedAt)
			return res, nil
		}

		kind := job.KindOf(err)
		if kind.Retryable() && j.Expired(time.Now()) {
			// the attempt used up the rest of the deadline
			err = job.Fail(job.KindDeadlineExceeded, err)
			kind = job.KindDeadlineExceeded
		}
		j.MarkFailed(kind)

		if !kind.Retryable() || ctx.Err() != nil {
			return nil, err
		}
		if !j.ConsumeRetry() {
			return nil, err
		}

		delay := d.backoff.Delay(j.Attempts())
		d.observer.RetryScheduled(kind, delay)
		observability.AddEvent(ctx, "retry.scheduled",
			observability.AttrErrorKind.String(string(kind)),
			observability.AttrBackoff.Int64(delay.Milliseconds()),
		)
		d.logger.Warnf("job %s attempt %d failed (%s), retrying in %s", j.ID, j.Attempts(), kind, delay.Round(time.Millisecond))

		j.Transition(job.StateQueued)
		if err := sleep(ctx, delay); err != nil {
			return nil, abortError(ctx, err)
		}
	}
}

// attempt leases a context and executes the job on it once. The job is in
// StateLeasing on entry and, on success, in StateCompleted on return.
func (d *Dispatcher) attempt(ctx context.Context, j *job.Job, queuedFor *time.Duration, queueStart time.Time) (res *job.Result, err error) {
	ctx, span := observability.StartSpan(ctx, "render.attempt", trace.WithAttributes(
		observability.AttrJobID.String(j.ID),
		observability.AttrAttempt.Int(j.Attempts()),
	))
	start := time.Now()
	defer func() {
		d.observer.AttemptFinished(job.KindOf(err), time.Since(start))
		observability.EndSpan(span, err)
	}()

	timeout := j.Remaining(time.Now())
	if d.opts.MaxLeaseWait > 0 && timeout > d.opts.MaxLeaseWait {
		timeout = d.opts.MaxLeaseWait
	}

	lease, err := d.pool.Lease(ctx, timeout)
	if err != nil {
		if errors.Is(err, pool.ErrClosed) {
			return nil, job.Fail(job.KindPoolExhausted, err)
		}
		if ctx.Err() != nil {
			return nil, abortError(ctx, err)
		}
		return nil, err
	}
	*queuedFor += time.Since(queueStart)
	span.SetAttributes(
		observability.AttrInstanceID.String(lease.Instance.ID),
		observability.AttrContextID.String(lease.Context.ID()),
		observability.AttrLeaseWait.Int64(lease.Waited.Milliseconds()),
	)

	j.Transition(job.StateExecuting)
	execStart := time.Now()
	artifact, outcome, err := d.execute(ctx, lease, j.Target)
	d.pool.Release(lease, outcome)
	if err != nil {
		return nil, err
	}

	j.Transition(job.StateCompleted)
	return &job.Result{
		Artifact:    artifact,
		InstanceID:  lease.Instance.ID,
		ExecutedFor: time.Since(execStart),
	}, nil
}

type executed struct {
	artifact *job.Artifact
	err      error
}

// execute runs the target on the leased context. The run is aborted when
// ctx ends or the instance is lost. A context that does not return within
// AbortGrace of an abort is reported unhealthy.
func (d *Dispatcher) execute(ctx context.Context, lease *pool.Lease, target job.Target) (*job.Artifact, pool.Outcome, error) {
	execCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	go func() {
		select {
		case <-lease.Instance.Lost():
			cancel(job.Fail(job.KindInstanceLost, ErrInstanceLost))
		case <-execCtx.Done():
		}
	}()

	done := make(chan executed, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- executed{err: job.Failf(job.KindInstanceLost, "browsing context panicked: %v", r)}
			}
		}()
		a, err := lease.Context.Execute(execCtx, target)
		done <- executed{artifact: a, err: err}
	}()

	var r executed
	select {
	case r = <-done:
	case <-execCtx.Done():
		grace := time.NewTimer(d.opts.AbortGrace)
		defer grace.Stop()
		select {
		case r = <-done:
		case <-grace.C:
			cause := causeError(execCtx)
			d.logger.Warnf("context %s on instance %s ignored abort for %s, discarding", lease.Context.ID(), lease.Instance.ID, d.opts.AbortGrace)
			return nil, pool.Unhealthy, fmt.Errorf("%w: %w", cause, ErrUnresponsive)
		}
	}

	if r.err == nil {
		if r.artifact == nil {
			return nil, pool.Healthy, job.Failf(job.KindExtractionError, "render returned no artifact")
		}
		return r.artifact, pool.Healthy, nil
	}

	err := r.err
	if execCtx.Err() != nil {
		err = causeError(execCtx)
	}
	if job.IsKind(err, job.KindInstanceLost) {
		return nil, pool.Unhealthy, err
	}
	return nil, pool.Healthy, err
}

// causeError returns why ctx ended as a job error.
func causeError(ctx context.Context) error {
	cause := context.Cause(ctx)
	var jobErr *job.Error
	if errors.As(cause, &jobErr) {
		return cause
	}
	return job.Fail(job.KindOf(cause), cause)
}

// abortError explains a wait that ended early. A dispatcher shutdown shows
// up as cancellation of the job context.
func abortError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return causeError(ctx)
	}
	return job.Fail(job.KindOf(err), err)
}

// Close stops accepting jobs and waits for in-flight ones to be delivered.
// If ctx ends first, remaining jobs are cancelled and Close waits for their
// delivery before returning ctx's error.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.stop()
		return nil
	case <-ctx.Done():
		d.logger.Warnf("drain timed out, cancelling in-flight jobs")
		d.stop()
		<-done
		return fmt.Errorf("dispatcher drain: %w", ctx.Err())
	}
}
