// Package pool leases isolated browsing contexts to jobs.
//
// The pool bounds the number of simultaneously leased contexts at
// MaxInstances × MaxContextsPerInstance and serves waiters in arrival
// order. Released contexts are reset and kept on a free list for reuse.
// A context released as unhealthy is closed, never reused, and its
// instance is reported to the browser.Manager for replacement.
package pool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/entrhq/renderd/pkg/browser"
	"github.com/entrhq/renderd/pkg/job"
	"github.com/entrhq/renderd/pkg/logging"
)

var (
	ErrClosed        = errors.New("session pool closed")
	ErrPoolExhausted = errors.New("no browsing context became available within the lease timeout")
)

// DefaultResetTimeout bounds resetting a context on healthy release.
const DefaultResetTimeout = 5 * time.Second

// Outcome tells Release whether the context can be reused.
type Outcome int

const (
	// Healthy contexts are reset and returned to the free list
	Healthy Outcome = iota
	// Unhealthy contexts are discarded and their instance replaced
	Unhealthy
)

func (o Outcome) String() string {
	if o == Unhealthy {
		return "unhealthy"
	}
	return "healthy"
}

// Discard reasons reported to observers.
const (
	DiscardUnhealthy  = "unhealthy"
	DiscardResetError = "reset_failed"
	DiscardRetiring   = "instance_retiring"
	DiscardClosed     = "pool_closed"
)

// Observer receives pool events. Used for metrics.
type Observer interface {
	LeaseGranted(wait time.Duration)
	LeaseFailed(kind job.Kind)
	ContextDiscarded(reason string)
}

type noopObserver struct{}

func (noopObserver) LeaseGranted(time.Duration) {}
func (noopObserver) LeaseFailed(job.Kind)       {}
func (noopObserver) ContextDiscarded(string)    {}

// Lease is exclusive use of one browsing context. It must be handed back
// with Pool.Release exactly once; further calls are ignored.
type Lease struct {
	ID       string
	Context  browser.Context
	Instance *browser.Instance

	GrantedAt time.Time
	Waited    time.Duration

	released atomic.Bool
}

type idleContext struct {
	ctx  browser.Context
	inst *browser.Instance
}

type waiter struct {
	ready   chan struct{}
	granted bool
	err     error
}

// Pool hands out browsing contexts. All bookkeeping is guarded by mu.
type Pool struct {
	manager      *browser.Manager
	logger       *logging.Logger
	observer     Observer
	resetTimeout time.Duration

	mu       sync.Mutex
	capacity int
	leased   int
	idle     []idleContext
	idleSig  chan struct{}
	waiters  *list.List
	closed   bool

	granted   int64
	timedOut  int64
	discarded int64
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(logger *logging.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithObserver registers an observer for lease events.
func WithObserver(observer Observer) Option {
	return func(p *Pool) {
		if observer != nil {
			p.observer = observer
		}
	}
}

// WithResetTimeout bounds Reset on healthy release.
func WithResetTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.resetTimeout = d
		}
	}
}

// New creates a pool over manager's instances.
func New(manager *browser.Manager, options ...Option) *Pool {
	opts := manager.Options()
	p := &Pool{
		manager:      manager,
		logger:       logging.Discard("pool"),
		observer:     noopObserver{},
		resetTimeout: DefaultResetTimeout,
		capacity:     opts.MaxInstances * opts.MaxContextsPerInstance,
		idleSig:      make(chan struct{}),
		waiters:      list.New(),
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Capacity is the maximum number of simultaneously leased contexts.
func (p *Pool) Capacity() int {
	return p.capacity
}

// Lease waits up to timeout for a free slot, then returns a context from
// the free list or opens a new one. Waiters are served FIFO. When timeout
// elapses first the error has kind PoolExhausted; when ctx ends first it
// carries the context's reason (DeadlineExceeded or Canceled).
func (p *Pool) Lease(ctx context.Context, timeout time.Duration) (*Lease, error) {
	start := time.Now()

	if err := p.reserve(ctx, timeout); err != nil {
		p.observer.LeaseFailed(job.KindOf(err))
		return nil, err
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = start.Add(timeout)
	}
	bctx, inst, err := p.open(ctx, deadline)
	if err != nil {
		p.mu.Lock()
		p.releaseSlotLocked()
		p.mu.Unlock()
		p.observer.LeaseFailed(job.KindOf(err))
		return nil, err
	}

	p.manager.RecordJob(inst)
	waited := time.Since(start)
	p.observer.LeaseGranted(waited)
	atomic.AddInt64(&p.granted, 1)

	return &Lease{
		ID:        uuid.NewString(),
		Context:   bctx,
		Instance:  inst,
		GrantedAt: time.Now(),
		Waited:    waited,
	}, nil
}

// reserve claims one of the capacity slots, queueing behind earlier waiters.
func (p *Pool) reserve(ctx context.Context, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return contextError(ctx)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.leased < p.capacity && p.waiters.Len() == 0 {
		p.leased++
		p.mu.Unlock()
		return nil
	}
	if timeout <= 0 {
		p.mu.Unlock()
		atomic.AddInt64(&p.timedOut, 1)
		return job.Fail(job.KindPoolExhausted, ErrPoolExhausted)
	}
	w := &waiter{ready: make(chan struct{})}
	elem := p.waiters.PushBack(w)
	p.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.ready:
		return w.err
	case <-timer.C:
		if ctx.Err() != nil {
			return p.abandon(elem, w, contextError(ctx))
		}
		atomic.AddInt64(&p.timedOut, 1)
		return p.abandon(elem, w, job.Fail(job.KindPoolExhausted, ErrPoolExhausted))
	case <-ctx.Done():
		return p.abandon(elem, w, contextError(ctx))
	}
}

// abandon removes a waiter that gave up. If a slot was handed to it in
// the meantime the slot is passed on.
func (p *Pool) abandon(elem *list.Element, w *waiter, err error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if w.granted {
		p.releaseSlotLocked()
	} else if w.err == nil {
		p.waiters.Remove(elem)
	}
	return err
}

// releaseSlotLocked hands a freed slot to the head waiter or returns it.
func (p *Pool) releaseSlotLocked() {
	if !p.closed {
		if front := p.waiters.Front(); front != nil {
			w := p.waiters.Remove(front).(*waiter)
			w.granted = true
			close(w.ready)
			return
		}
	}
	p.leased--
}

// open produces a usable context for a reserved slot. It gives up with
// KindPoolExhausted once deadline passes; a zero deadline means no wait.
func (p *Pool) open(ctx context.Context, deadline time.Time) (browser.Context, *browser.Instance, error) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		// sampled before trying so a release in between is not missed
		idleSig := p.idleSignal()
		changed := p.manager.Changed()

		if bctx, inst, ok := p.takeIdle(); ok {
			return bctx, inst, nil
		}

		inst, err := p.manager.AcquireInstance(ctx)
		if err == nil {
			return p.newContext(ctx, inst)
		}
		if errors.Is(err, browser.ErrClosed) {
			return nil, nil, ErrClosed
		}
		if !job.IsKind(err, job.KindPoolExhausted) {
			return nil, nil, err
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			atomic.AddInt64(&p.timedOut, 1)
			return nil, nil, err
		}
		if timer == nil {
			timer = time.NewTimer(wait)
		}
		select {
		case <-changed:
		case <-idleSig:
		case <-timer.C:
			if ctx.Err() != nil {
				return nil, nil, contextError(ctx)
			}
			atomic.AddInt64(&p.timedOut, 1)
			return nil, nil, job.Fail(job.KindPoolExhausted, ErrPoolExhausted)
		case <-ctx.Done():
			return nil, nil, contextError(ctx)
		}
	}
}

// takeIdle pops idle contexts until one sits on a usable instance.
func (p *Pool) takeIdle() (browser.Context, *browser.Instance, bool) {
	for {
		idle, ok := p.popIdle()
		if !ok {
			return nil, nil, false
		}
		if p.manager.Usable(idle.inst) {
			return idle.ctx, idle.inst, true
		}
		p.discard(idle.ctx, idle.inst, DiscardRetiring)
	}
}

// newContext opens a context on an instance slot the manager granted.
func (p *Pool) newContext(ctx context.Context, inst *browser.Instance) (browser.Context, *browser.Instance, error) {
	bctx, err := inst.NewContext(ctx)
	if err != nil {
		p.manager.ReleaseSlot(inst)
		if job.IsKind(err, job.KindInstanceLost) || !inst.Alive() {
			p.manager.ReportFailure(inst.ID)
			return nil, nil, job.Fail(job.KindInstanceLost, fmt.Errorf("failed to open browsing context: %w", err))
		}
		if ctx.Err() != nil {
			return nil, nil, contextError(ctx)
		}
		return nil, nil, job.Fail(job.KindPoolExhausted, fmt.Errorf("failed to open browsing context: %w", err))
	}
	return bctx, inst, nil
}

// idleSignal returns a channel closed the next time a context is parked.
func (p *Pool) idleSignal() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idleSig
}

func (p *Pool) popIdle() (idleContext, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.idle)
	if n == 0 {
		return idleContext{}, false
	}
	ic := p.idle[n-1]
	p.idle[n-1] = idleContext{}
	p.idle = p.idle[:n-1]
	return ic, true
}

// Release hands a lease back. A healthy context on a usable instance is
// reset and kept for reuse; if the reset fails it is discarded. An
// unhealthy context is discarded and its instance reported as failed.
// Releasing the same lease twice is a no-op.
func (p *Pool) Release(l *Lease, outcome Outcome) {
	if l == nil || !l.released.CompareAndSwap(false, true) {
		return
	}

	if outcome == Unhealthy {
		p.manager.ReportFailure(l.Instance.ID)
		p.discard(l.Context, l.Instance, DiscardUnhealthy)
		p.freeSlot()
		return
	}

	if !p.manager.Usable(l.Instance) {
		p.discard(l.Context, l.Instance, DiscardRetiring)
		p.freeSlot()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.resetTimeout)
	err := l.Context.Reset(ctx)
	cancel()
	if err != nil {
		p.logger.Warnf("failed to reset context %s: %v", l.Context.ID(), err)
		p.discard(l.Context, l.Instance, DiscardResetError)
		p.freeSlot()
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.discard(l.Context, l.Instance, DiscardClosed)
		p.freeSlot()
		return
	}
	p.idle = append(p.idle, idleContext{ctx: l.Context, inst: l.Instance})
	close(p.idleSig)
	p.idleSig = make(chan struct{})
	p.releaseSlotLocked()
	p.mu.Unlock()
}

func (p *Pool) freeSlot() {
	p.mu.Lock()
	p.releaseSlotLocked()
	p.mu.Unlock()
}

// discard closes a context and returns its slot to the manager. Closing
// runs in the background since a failed browser may not answer.
func (p *Pool) discard(bctx browser.Context, inst *browser.Instance, reason string) {
	atomic.AddInt64(&p.discarded, 1)
	p.observer.ContextDiscarded(reason)
	p.manager.ReleaseSlot(inst)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Errorf("panic closing context %s: %v", bctx.ID(), r)
			}
		}()
		if err := bctx.Close(); err != nil {
			p.logger.Debugf("closing context %s: %v", bctx.ID(), err)
		}
	}()
}

// Prune discards idle contexts whose instance is retiring or gone so the
// manager can replace it.
func (p *Pool) Prune() int {
	p.mu.Lock()
	keep := p.idle[:0]
	var stale []idleContext
	for _, ic := range p.idle {
		if p.manager.Usable(ic.inst) {
			keep = append(keep, ic)
		} else {
			stale = append(stale, ic)
		}
	}
	for i := len(keep); i < len(p.idle); i++ {
		p.idle[i] = idleContext{}
	}
	p.idle = keep
	p.mu.Unlock()

	for _, ic := range stale {
		p.discard(ic.ctx, ic.inst, DiscardRetiring)
	}
	return len(stale)
}

// Run prunes the free list every interval until ctx is done.
func (p *Pool) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := p.Prune(); n > 0 {
				p.logger.Debugf("pruned %d idle context(s)", n)
			}
		}
	}
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Capacity  int   `json:"capacity"`
	Leased    int   `json:"leased"`
	Idle      int   `json:"idle"`
	Waiting   int   `json:"waiting"`
	Granted   int64 `json:"granted"`
	TimedOut  int64 `json:"timed_out"`
	Discarded int64 `json:"discarded"`
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Capacity:  p.capacity,
		Leased:    p.leased,
		Idle:      len(p.idle),
		Waiting:   p.waiters.Len(),
		Granted:   atomic.LoadInt64(&p.granted),
		TimedOut:  atomic.LoadInt64(&p.timedOut),
		Discarded: atomic.LoadInt64(&p.discarded),
	}
}

// Close fails every waiter with ErrClosed and discards idle contexts.
// Outstanding leases stay valid; their contexts are discarded on release.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for e := p.waiters.Front(); e != nil; e = e.Next() {
		w := e.Value.(*waiter)
		w.err = ErrClosed
		close(w.ready)
	}
	p.waiters.Init()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, ic := range idle {
		p.discard(ic.ctx, ic.inst, DiscardClosed)
	}
	p.logger.Infof("session pool closed (%d idle context(s) discarded)", len(idle))
}

// contextError converts the reason ctx ended into a job error.
func contextError(ctx context.Context) error {
	cause := context.Cause(ctx)
	var jobErr *job.Error
	if errors.As(cause, &jobErr) {
		return cause
	}
	return job.Fail(job.KindOf(cause), cause)
}
