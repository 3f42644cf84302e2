package browser

import (
	"context"
	"sync"
	"time"
)

// Instance is one browser process owned by the Manager. Jobs reach it only
// through contexts leased from the pool and never hold it after release.
type Instance struct {
	ID        string
	CreatedAt time.Time

	// Restarts counts how many predecessors this instance replaced
	Restarts int

	proc Process

	// guarded by Manager.mu
	open     int
	jobs     int
	retiring bool

	lost     chan struct{}
	lostOnce sync.Once
}

func newInstance(id string, proc Process, restarts int) *Instance {
	return &Instance{
		ID:        id,
		CreatedAt: time.Now(),
		Restarts:  restarts,
		proc:      proc,
		lost:      make(chan struct{}),
	}
}

// NewContext opens a browsing context on this instance's process.
func (i *Instance) NewContext(ctx context.Context) (Context, error) {
	return i.proc.NewContext(ctx)
}

// Alive reports whether the underlying process is still connected.
func (i *Instance) Alive() bool {
	select {
	case <-i.lost:
		return false
	default:
	}
	return i.proc.Alive()
}

// Lost is closed once the instance has been declared failed. Work bound
// to the instance should abort with job.KindInstanceLost.
func (i *Instance) Lost() <-chan struct{} {
	return i.lost
}

func (i *Instance) markLost() {
	i.lostOnce.Do(func() { close(i.lost) })
}

// expired reports whether the instance should be retired. Caller holds Manager.mu.
func (i *Instance) expired(now time.Time, opts ManagerOptions) bool {
	if opts.MaxJobsPerInstance > 0 && i.jobs >= opts.MaxJobsPerInstance {
		return true
	}
	if opts.MaxInstanceAge > 0 && now.Sub(i.CreatedAt) >= opts.MaxInstanceAge {
		return true
	}
	return false
}
