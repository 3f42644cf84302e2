package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/entrhq/renderd/pkg/job"
	"github.com/entrhq/renderd/pkg/logging"
)

// Manager owns the set of live browser instances. It hands out context
// capacity on healthy instances, replaces crashed or worn-out instances in
// the background, and tears everything down on Shutdown.
type Manager struct {
	launcher Launcher
	opts     ManagerOptions
	logger   *logging.Logger
	observer Observer

	mu           sync.Mutex
	instances    map[string]*Instance
	launching    int
	changed      chan struct{}
	closed       bool
	replacements int64
	crashes      int64
	retirements  int64

	// tracks launches and terminations running outside the lock
	wg sync.WaitGroup

	baseCtx context.Context
	cancel  context.CancelFunc
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(logger *logging.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithObserver registers an observer for instance lifecycle events.
func WithObserver(observer Observer) ManagerOption {
	return func(m *Manager) {
		if observer != nil {
			m.observer = observer
		}
	}
}

// NewManager creates a manager that launches processes with launcher.
func NewManager(launcher Launcher, opts ManagerOptions, options ...ManagerOption) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		launcher:  launcher,
		opts:      opts.withDefaults(),
		logger:    logging.Discard("browser"),
		observer:  noopObserver{},
		instances: make(map[string]*Instance),
		changed:   make(chan struct{}),
		baseCtx:   ctx,
		cancel:    cancel,
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// Options returns the effective options.
func (m *Manager) Options() ManagerOptions {
	return m.opts
}

// Start eagerly launches MinInstances processes.
func (m *Manager) Start(ctx context.Context) error {
	for i := 0; i < m.opts.MinInstances; i++ {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return ErrClosed
		}
		if len(m.instances)+m.launching >= m.opts.MaxInstances {
			m.mu.Unlock()
			return nil
		}
		m.launching++
		m.wg.Add(1)
		m.mu.Unlock()

		if _, err := m.launchReserved(ctx, 0, false); err != nil {
			return fmt.Errorf("failed to warm browser instance %d: %w", i+1, err)
		}
	}
	m.logger.Infof("browser pool warmed with %d instance(s)", m.opts.MinInstances)
	return nil
}

// AcquireInstance reserves one context slot on a healthy instance with
// spare capacity, launching a new instance if the pool is below its
// ceiling. It never waits for capacity to free up: when every instance is
// full and the ceiling is reached it fails at once with KindPoolExhausted.
// The slot must be returned with ReleaseSlot.
func (m *Manager) AcquireInstance(ctx context.Context) (*Instance, error) {
	m.reapDead()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if inst := m.pickLocked(); inst != nil {
		inst.open++
		m.mu.Unlock()
		return inst, nil
	}
	if len(m.instances)+m.launching >= m.opts.MaxInstances {
		m.mu.Unlock()
		return nil, job.Fail(job.KindPoolExhausted, ErrNoCapacity)
	}
	m.launching++
	m.wg.Add(1)
	m.mu.Unlock()

	return m.launchReserved(ctx, 0, true)
}

// reapDead reports instances whose process has exited but that nobody has
// reported yet, so their capacity is replaced instead of stranded.
func (m *Manager) reapDead() {
	var dead []string
	m.mu.Lock()
	for id, inst := range m.instances {
		if !inst.proc.Alive() {
			dead = append(dead, id)
		}
	}
	m.mu.Unlock()

	for _, id := range dead {
		m.ReportFailure(id)
	}
}

// pickLocked returns the least loaded usable instance with spare capacity.
func (m *Manager) pickLocked() *Instance {
	var best *Instance
	for _, inst := range m.instances {
		if inst.retiring || inst.open >= m.opts.MaxContextsPerInstance || !inst.Alive() {
			continue
		}
		if best == nil || inst.open < best.open {
			best = inst
		}
	}
	return best
}

// launchReserved launches a process for a slot already counted in
// m.launching and m.wg. With reserve set, one context slot on the new
// instance is claimed for the caller before anyone else can see it.
func (m *Manager) launchReserved(ctx context.Context, restarts int, reserve bool) (*Instance, error) {
	defer m.wg.Done()

	launchCtx, cancel := context.WithTimeout(ctx, m.opts.LaunchTimeout)
	proc, err := m.launcher.Launch(launchCtx)
	cancel()

	m.mu.Lock()
	m.launching--
	m.notifyLocked()
	if err != nil {
		m.mu.Unlock()
		m.observer.LaunchFailed(err)
		m.logger.Errorf("failed to launch browser: %v", err)
		return nil, job.Fail(job.KindInstanceLost, fmt.Errorf("failed to launch browser: %w", err))
	}
	if m.closed {
		m.mu.Unlock()
		_ = closeProcess(proc)
		return nil, ErrClosed
	}

	inst := newInstance(uuid.NewString(), proc, restarts)
	if reserve {
		inst.open = 1
	}
	if restarts > 0 {
		m.replacements++
	}
	m.instances[inst.ID] = inst
	m.mu.Unlock()

	m.observer.InstanceStarted(inst.ID)
	m.logger.Infof("browser instance %s started (restarts=%d)", inst.ID, restarts)
	return inst, nil
}

// Changed returns a channel closed the next time capacity may have freed
// up: a slot is released, an instance is removed, or a launch finishes.
// Callers refused with KindPoolExhausted sample it before retrying
// AcquireInstance and wait on it.
func (m *Manager) Changed() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changed
}

// notifyLocked wakes everyone waiting on Changed. Caller holds m.mu.
func (m *Manager) notifyLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

// ReleaseSlot returns a context slot reserved by AcquireInstance. A
// retiring instance is shut down and replaced once its last slot returns.
func (m *Manager) ReleaseSlot(inst *Instance) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if inst.open > 0 {
		inst.open--
	}
	m.notifyLocked()
	if inst.retiring && inst.open == 0 && m.instances[inst.ID] == inst {
		m.retireLocked(inst)
	}
}

// RecordJob counts a job served by inst and marks it retiring once it
// exceeds its age or job budget.
func (m *Manager) RecordJob(inst *Instance) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst.jobs++
	if !inst.retiring && inst.expired(time.Now(), m.opts) {
		inst.retiring = true
		m.logger.Debugf("browser instance %s retiring after %d jobs", inst.ID, inst.jobs)
	}
}

// Usable reports whether new work may be placed on inst.
func (m *Manager) Usable(inst *Instance) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed && m.instances[inst.ID] == inst && !inst.retiring && inst.Alive()
}

// ReportFailure marks an instance unhealthy. Every job bound to it sees
// Lost() close, and the process is terminated and replaced in the
// background. It never blocks and is safe to call repeatedly.
func (m *Manager) ReportFailure(id string) {
	m.mu.Lock()
	inst, ok := m.instances[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.instances, id)
	m.crashes++
	m.notifyLocked()
	replace := !m.closed
	m.wg.Add(1)
	if replace {
		m.launching++
		m.wg.Add(1)
	}
	m.mu.Unlock()

	inst.markLost()
	m.logger.Warnf("browser instance %s reported unhealthy, replacing", id)

	go func() {
		defer m.wg.Done()
		if err := m.terminate(inst, StopCrashed); err != nil {
			m.logger.Warnf("failed to terminate browser instance %s: %v", inst.ID, err)
		}
		if replace {
			_, _ = m.launchReserved(m.baseCtx, inst.Restarts+1, false)
		}
	}()
}

// retireLocked removes an idle, expired instance and replaces it. Caller holds m.mu.
func (m *Manager) retireLocked(inst *Instance) {
	delete(m.instances, inst.ID)
	m.retirements++
	m.notifyLocked()
	replace := !m.closed
	m.wg.Add(1)
	if replace {
		m.launching++
		m.wg.Add(1)
	}
	inst.markLost()
	m.logger.Infof("retiring browser instance %s after %d jobs", inst.ID, inst.jobs)

	go func() {
		defer m.wg.Done()
		if err := m.terminate(inst, StopRetired); err != nil {
			m.logger.Warnf("failed to terminate browser instance %s: %v", inst.ID, err)
		}
		if replace {
			_, _ = m.launchReserved(m.baseCtx, inst.Restarts+1, false)
		}
	}()
}

// Monitor checks instance liveness every HealthInterval until ctx is done.
// Dead processes are reported as failures; idle instances past their age
// are retired.
func (m *Manager) Monitor(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.CheckHealth()
		}
	}
}

// CheckHealth runs one liveness and retirement pass.
func (m *Manager) CheckHealth() {
	m.reapDead()

	now := time.Now()
	m.mu.Lock()
	for _, inst := range m.instances {
		if !inst.retiring && inst.expired(now, m.opts) {
			inst.retiring = true
		}
		if inst.retiring && inst.open == 0 {
			m.retireLocked(inst)
		}
	}
	m.mu.Unlock()
}

// Shutdown terminates every instance and waits for background launches and
// terminations to finish. No instance remains once it returns, even if a
// process panics while closing.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	instances := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		instances = append(instances, inst)
	}
	m.instances = make(map[string]*Instance)
	m.notifyLocked()
	m.mu.Unlock()

	m.cancel()

	var errs []error
	for _, inst := range instances {
		inst.markLost()
		if err := m.terminate(inst, StopShutdown); err != nil {
			errs = append(errs, err)
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("timed out waiting for browser launches: %w", ctx.Err()))
	}

	m.logger.Infof("browser manager shut down (%d instance(s) closed)", len(instances))
	return errors.Join(errs...)
}

// terminate closes the instance's process, converting panics into errors.
func (m *Manager) terminate(inst *Instance, reason string) (err error) {
	defer m.observer.InstanceStopped(inst.ID, reason)
	if err := closeProcess(inst.proc); err != nil {
		return fmt.Errorf("instance %s: %w", inst.ID, err)
	}
	return nil
}

func closeProcess(proc Process) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while closing browser: %v", r)
		}
	}()
	return proc.Close()
}

// Stats returns a snapshot of the manager's state.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{
		Instances:    len(m.instances),
		Launching:    m.launching,
		Replacements: m.replacements,
		Crashes:      m.crashes,
		Retirements:  m.retirements,
		Details:      make([]InstanceDetail, 0, len(m.instances)),
	}
	for _, inst := range m.instances {
		stats.OpenContexts += inst.open
		stats.Details = append(stats.Details, InstanceDetail{
			ID:           inst.ID,
			OpenContexts: inst.open,
			JobsServed:   inst.jobs,
			Restarts:     inst.Restarts,
			Retiring:     inst.retiring,
			CreatedAt:    inst.CreatedAt,
		})
	}
	return stats
}
