// Package browsertest provides in-memory browser fakes for tests.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/entrhq/renderd/pkg/browser"
	"github.com/entrhq/renderd/pkg/job"
)

// ExecuteFunc renders a target on a fake context.
type ExecuteFunc func(ctx context.Context, c *Context, target job.Target) (*job.Artifact, error)

// Launcher is a browser.Launcher backed by in-memory processes.
type Launcher struct {
	// LaunchDelay is slept (respecting ctx) before each launch
	LaunchDelay time.Duration

	// Execute overrides the default render. Nil renders after ExecuteDelay.
	Execute ExecuteFunc

	// ExecuteDelay is how long the default render takes
	ExecuteDelay time.Duration

	mu          sync.Mutex
	processes   []*Process
	failLaunch  int
	launchErr   error
	panicClose  bool
	executing   int64
	maxObserved int64
	executions  int64
}

// NewLauncher returns a launcher whose renders succeed immediately.
func NewLauncher() *Launcher {
	return &Launcher{}
}

// FailNextLaunches makes the next n launches return err.
func (l *Launcher) FailNextLaunches(n int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failLaunch = n
	l.launchErr = err
}

// PanicOnClose makes every process launched afterwards panic in Close.
func (l *Launcher) PanicOnClose() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.panicClose = true
}

func (l *Launcher) Launch(ctx context.Context) (browser.Process, error) {
	if l.LaunchDelay > 0 {
		select {
		case <-time.After(l.LaunchDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.failLaunch > 0 {
		l.failLaunch--
		err := l.launchErr
		if err == nil {
			err = errors.New("launch failed")
		}
		return nil, err
	}

	p := &Process{
		launcher:   l,
		id:         fmt.Sprintf("proc-%d", len(l.processes)+1),
		panicClose: l.panicClose,
	}
	p.alive.Store(true)
	l.processes = append(l.processes, p)
	return p, nil
}

// Processes returns every process launched so far.
func (l *Launcher) Processes() []*Process {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Process, len(l.processes))
	copy(out, l.processes)
	return out
}

// Launched returns the number of successful launches.
func (l *Launcher) Launched() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.processes)
}

// Running returns processes that have not been closed.
func (l *Launcher) Running() int {
	n := 0
	for _, p := range l.Processes() {
		if !p.Closed() {
			n++
		}
	}
	return n
}

// MaxConcurrentExecutions is the peak number of overlapping renders.
func (l *Launcher) MaxConcurrentExecutions() int {
	return int(atomic.LoadInt64(&l.maxObserved))
}

// Executions counts renders started.
func (l *Launcher) Executions() int {
	return int(atomic.LoadInt64(&l.executions))
}

func (l *Launcher) enter() {
	atomic.AddInt64(&l.executions, 1)
	n := atomic.AddInt64(&l.executing, 1)
	for {
		peak := atomic.LoadInt64(&l.maxObserved)
		if n <= peak || atomic.CompareAndSwapInt64(&l.maxObserved, peak, n) {
			return
		}
	}
}

func (l *Launcher) exit() {
	atomic.AddInt64(&l.executing, -1)
}

// Process is a fake browser process.
type Process struct {
	launcher   *Launcher
	id         string
	alive      atomic.Bool
	closed     atomic.Bool
	closes     atomic.Int32
	panicClose bool

	mu       sync.Mutex
	contexts []*Context
}

// ID identifies the process for assertions.
func (p *Process) ID() string { return p.id }

func (p *Process) NewContext(ctx context.Context) (browser.Context, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !p.Alive() {
		return nil, job.Fail(job.KindInstanceLost, browser.ErrProcessGone)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	c := &Context{proc: p, id: fmt.Sprintf("%s-ctx-%d", p.id, len(p.contexts)+1)}
	p.contexts = append(p.contexts, c)
	return c, nil
}

func (p *Process) Alive() bool {
	return p.alive.Load() && !p.closed.Load()
}

// Crash simulates the process dying.
func (p *Process) Crash() {
	p.alive.Store(false)
}

func (p *Process) Close() error {
	p.closes.Add(1)
	p.closed.Store(true)
	p.alive.Store(false)
	if p.panicClose {
		panic("fake browser close panic")
	}
	return nil
}

// Closed reports whether Close was called.
func (p *Process) Closed() bool { return p.closed.Load() }

// CloseCalls counts Close invocations.
func (p *Process) CloseCalls() int { return int(p.closes.Load()) }

// Contexts returns every context opened on the process.
func (p *Process) Contexts() []*Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Context, len(p.contexts))
	copy(out, p.contexts)
	return out
}

// Context is a fake browsing context. It records the targets it rendered
// and how often it was reset.
type Context struct {
	proc *Process
	id   string

	mu       sync.Mutex
	resets   int
	closed   bool
	rendered []job.Target
	busy     bool
	overlap  bool
	resetErr error
}

func (c *Context) ID() string { return c.id }

// Process returns the owning process.
func (c *Context) Process() *Process { return c.proc }

func (c *Context) Execute(ctx context.Context, target job.Target) (*job.Artifact, error) {
	c.mu.Lock()
	if c.busy {
		c.overlap = true
	}
	c.busy = true
	c.rendered = append(c.rendered, target)
	c.mu.Unlock()

	l := c.proc.launcher
	l.enter()
	defer func() {
		l.exit()
		c.mu.Lock()
		c.busy = false
		c.mu.Unlock()
	}()

	if l.Execute != nil {
		return l.Execute(ctx, c, target)
	}
	if err := Sleep(ctx, l.ExecuteDelay); err != nil {
		return nil, err
	}
	return Artifact(target), nil
}

func (c *Context) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resets++
	return c.resetErr
}

// FailResets makes subsequent Reset calls return err.
func (c *Context) FailResets(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetErr = err
}

func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Resets counts Reset calls.
func (c *Context) Resets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resets
}

// Closed reports whether Close was called.
func (c *Context) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Overlapped reports whether two renders ever ran on this context at once.
func (c *Context) Overlapped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.overlap
}

// Rendered returns the targets executed on this context.
func (c *Context) Rendered() []job.Target {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]job.Target, len(c.rendered))
	copy(out, c.rendered)
	return out
}

// Artifact builds the artifact the default render returns.
func Artifact(target job.Target) *job.Artifact {
	return &job.Artifact{
		ContentType: "application/pdf",
		Data:        []byte("%PDF-fake " + target.Describe()),
		Pages:       1,
		URL:         target.URL,
	}
}

// Sleep waits for d or until ctx is done, returning the context's cause.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// Hang is an ExecuteFunc that blocks until ctx is done.
func Hang(ctx context.Context, _ *Context, _ job.Target) (*job.Artifact, error) {
	<-ctx.Done()
	return nil, context.Cause(ctx)
}

var _ browser.Launcher = (*Launcher)(nil)
var _ browser.Process = (*Process)(nil)
var _ browser.Context = (*Context)(nil)
