package browser

import (
	"context"
	"time"

	"github.com/entrhq/renderd/pkg/job"
)

// Launcher spawns headless browser processes.
type Launcher interface {
	Launch(ctx context.Context) (Process, error)
}

// Process is one running browser. Implementations must make Alive and
// Close safe to call concurrently with NewContext.
type Process interface {
	// NewContext opens an isolated browsing context
	NewContext(ctx context.Context) (Context, error)

	// Alive reports whether the process is still connected
	Alive() bool

	// Close terminates the process
	Close() error
}

// Context is an isolated, single-tenant browsing context. A Context is
// only ever used by one job at a time.
type Context interface {
	ID() string

	// Execute navigates to the target, waits for its completion condition
	// and produces the artifact. Cancelling ctx aborts in-flight work.
	Execute(ctx context.Context, target job.Target) (*job.Artifact, error)

	// Reset wipes all browsing state so the context can serve another job
	Reset(ctx context.Context) error

	// Close releases the context
	Close() error
}

// ManagerOptions configures the instance manager.
type ManagerOptions struct {
	// MaxInstances is the pool size ceiling
	MaxInstances int

	// MinInstances are launched eagerly by Start
	MinInstances int

	// MaxContextsPerInstance bounds open contexts on one process
	MaxContextsPerInstance int

	// MaxJobsPerInstance retires an instance after it served this many jobs (0 disables)
	MaxJobsPerInstance int

	// MaxInstanceAge retires an instance after this long (0 disables)
	MaxInstanceAge time.Duration

	// HealthInterval is how often Monitor checks liveness
	HealthInterval time.Duration

	// LaunchTimeout bounds a single process launch
	LaunchTimeout time.Duration
}

// Default values for the manager
const (
	DefaultMaxInstances           = 2
	DefaultMaxContextsPerInstance = 4
	DefaultHealthInterval         = 5 * time.Second
	DefaultLaunchTimeout          = 30 * time.Second
)

func (o ManagerOptions) withDefaults() ManagerOptions {
	if o.MaxInstances <= 0 {
		o.MaxInstances = DefaultMaxInstances
	}
	if o.MaxContextsPerInstance <= 0 {
		o.MaxContextsPerInstance = DefaultMaxContextsPerInstance
	}
	if o.MinInstances > o.MaxInstances {
		o.MinInstances = o.MaxInstances
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = DefaultHealthInterval
	}
	if o.LaunchTimeout <= 0 {
		o.LaunchTimeout = DefaultLaunchTimeout
	}
	return o
}

// Stop reasons reported to observers.
const (
	StopCrashed  = "crashed"
	StopRetired  = "retired"
	StopShutdown = "shutdown"
)

// Observer receives instance lifecycle events. Used for metrics.
type Observer interface {
	InstanceStarted(id string)
	InstanceStopped(id string, reason string)
	LaunchFailed(err error)
}

type noopObserver struct{}

func (noopObserver) InstanceStarted(string)         {}
func (noopObserver) InstanceStopped(string, string) {}
func (noopObserver) LaunchFailed(error)             {}

// Stats is a point-in-time view of the manager.
type Stats struct {
	Instances    int              `json:"instances"`
	Launching    int              `json:"launching"`
	OpenContexts int              `json:"open_contexts"`
	Replacements int64            `json:"replacements"`
	Crashes      int64            `json:"crashes"`
	Retirements  int64            `json:"retirements"`
	Details      []InstanceDetail `json:"details"`
}

// InstanceDetail describes one live instance.
type InstanceDetail struct {
	ID           string    `json:"id"`
	OpenContexts int       `json:"open_contexts"`
	JobsServed   int       `json:"jobs_served"`
	Restarts     int       `json:"restarts"`
	Retiring     bool      `json:"retiring"`
	CreatedAt    time.Time `json:"created_at"`
}
