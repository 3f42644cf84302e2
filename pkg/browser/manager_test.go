package browser_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/renderd/pkg/browser"
	"github.com/entrhq/renderd/pkg/browser/browsertest"
	"github.com/entrhq/renderd/pkg/job"
)

func newManager(t *testing.T, l *browsertest.Launcher, opts browser.ManagerOptions) *browser.Manager {
	t.Helper()
	m := browser.NewManager(l, opts)
	t.Cleanup(func() {
		_ = m.Shutdown(context.Background())
	})
	return m
}

func TestManager_StartWarmsMinInstances(t *testing.T) {
	l := browsertest.NewLauncher()
	m := newManager(t, l, browser.ManagerOptions{MaxInstances: 3, MinInstances: 2})

	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, 2, m.Stats().Instances)
	assert.Equal(t, 2, l.Launched())
}

func TestManager_StartFailsWhenLaunchFails(t *testing.T) {
	l := browsertest.NewLauncher()
	l.FailNextLaunches(1, errors.New("no chromium"))
	m := newManager(t, l, browser.ManagerOptions{MaxInstances: 2, MinInstances: 1})

	err := m.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no chromium")
	assert.Equal(t, 0, m.Stats().Instances)
}

func TestManager_AcquireFillsInstancesThenExhausts(t *testing.T) {
	l := browsertest.NewLauncher()
	m := newManager(t, l, browser.ManagerOptions{MaxInstances: 2, MaxContextsPerInstance: 2})
	ctx := context.Background()

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		inst, err := m.AcquireInstance(ctx)
		require.NoError(t, err)
		seen[inst.ID]++
	}
	assert.Len(t, seen, 2)
	for id, n := range seen {
		assert.Equal(t, 2, n, "instance %s", id)
	}

	_, err := m.AcquireInstance(ctx)
	require.Error(t, err)
	assert.True(t, job.IsKind(err, job.KindPoolExhausted))
	assert.ErrorIs(t, err, browser.ErrNoCapacity)

	stats := m.Stats()
	assert.Equal(t, 2, stats.Instances)
	assert.Equal(t, 4, stats.OpenContexts)
}

func TestManager_AcquirePrefersLeastLoaded(t *testing.T) {
	l := browsertest.NewLauncher()
	m := newManager(t, l, browser.ManagerOptions{MaxInstances: 2, MinInstances: 2, MaxContextsPerInstance: 3})
	require.NoError(t, m.Start(context.Background()))

	a, err := m.AcquireInstance(context.Background())
	require.NoError(t, err)
	b, err := m.AcquireInstance(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestManager_ReleaseSlotFreesCapacity(t *testing.T) {
	l := browsertest.NewLauncher()
	m := newManager(t, l, browser.ManagerOptions{MaxInstances: 1, MaxContextsPerInstance: 1})

	inst, err := m.AcquireInstance(context.Background())
	require.NoError(t, err)
	_, err = m.AcquireInstance(context.Background())
	require.Error(t, err)

	m.ReleaseSlot(inst)
	again, err := m.AcquireInstance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, inst.ID, again.ID)
	assert.Equal(t, 1, l.Launched())
}

func TestManager_ChangedFiresWhenCapacityMoves(t *testing.T) {
	l := browsertest.NewLauncher()
	m := newManager(t, l, browser.ManagerOptions{MaxInstances: 1, MaxContextsPerInstance: 1})

	inst, err := m.AcquireInstance(context.Background())
	require.NoError(t, err)
	_, err = m.AcquireInstance(context.Background())
	require.True(t, job.IsKind(err, job.KindPoolExhausted))

	tests := []struct {
		name string
		move func()
	}{
		{name: "slot released", move: func() { m.ReleaseSlot(inst) }},
		{name: "instance reported", move: func() { m.ReportFailure(inst.ID) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			changed := m.Changed()
			select {
			case <-changed:
				t.Fatal("changed fired before capacity moved")
			default:
			}
			tt.move()
			select {
			case <-changed:
			case <-time.After(time.Second):
				t.Fatal("changed did not fire")
			}
		})
	}
}

func TestManager_LaunchFailureIsInstanceLost(t *testing.T) {
	l := browsertest.NewLauncher()
	l.FailNextLaunches(1, errors.New("crashpad"))
	m := newManager(t, l, browser.ManagerOptions{MaxInstances: 1})

	_, err := m.AcquireInstance(context.Background())
	require.Error(t, err)
	assert.True(t, job.IsKind(err, job.KindInstanceLost))

	// the reserved launch slot is returned
	inst, err := m.AcquireInstance(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, inst)
}

func TestManager_ReportFailureReplacesInstance(t *testing.T) {
	l := browsertest.NewLauncher()
	m := newManager(t, l, browser.ManagerOptions{MaxInstances: 2, MinInstances: 2})
	require.NoError(t, m.Start(context.Background()))

	inst, err := m.AcquireInstance(context.Background())
	require.NoError(t, err)

	m.ReportFailure(inst.ID)

	select {
	case <-inst.Lost():
	case <-time.After(time.Second):
		t.Fatal("lost channel not closed")
	}
	assert.False(t, inst.Alive())
	assert.False(t, m.Usable(inst))

	require.Eventually(t, func() bool {
		s := m.Stats()
		return s.Instances == 2 && s.Replacements == 1
	}, 2*time.Second, 5*time.Millisecond)

	stats := m.Stats()
	assert.Equal(t, int64(1), stats.Crashes)
	restarts := 0
	for _, d := range stats.Details {
		assert.NotEqual(t, inst.ID, d.ID)
		restarts += d.Restarts
	}
	assert.Equal(t, 1, restarts)

	// releasing a slot on a removed instance is harmless
	m.ReleaseSlot(inst)
}

func TestManager_ReportFailureIsIdempotent(t *testing.T) {
	l := browsertest.NewLauncher()
	m := newManager(t, l, browser.ManagerOptions{MaxInstances: 1})

	inst, err := m.AcquireInstance(context.Background())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.ReportFailure(inst.ID)
		}()
	}
	wg.Wait()
	m.ReportFailure("unknown")

	require.Eventually(t, func() bool { return m.Stats().Instances == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), m.Stats().Crashes)
	assert.Equal(t, 2, l.Launched())
}

func TestManager_RetiresAfterJobBudget(t *testing.T) {
	l := browsertest.NewLauncher()
	m := newManager(t, l, browser.ManagerOptions{MaxInstances: 1, MaxJobsPerInstance: 2})

	inst, err := m.AcquireInstance(context.Background())
	require.NoError(t, err)
	m.RecordJob(inst)
	assert.True(t, m.Usable(inst))
	m.RecordJob(inst)
	assert.False(t, m.Usable(inst))

	m.ReleaseSlot(inst)

	require.Eventually(t, func() bool {
		s := m.Stats()
		return s.Retirements == 1 && s.Instances == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, l.Processes()[0].Closed())
}

func TestManager_CheckHealthReportsDeadProcesses(t *testing.T) {
	l := browsertest.NewLauncher()
	m := newManager(t, l, browser.ManagerOptions{MaxInstances: 1, MinInstances: 1})
	require.NoError(t, m.Start(context.Background()))

	l.Processes()[0].Crash()
	m.CheckHealth()

	require.Eventually(t, func() bool {
		s := m.Stats()
		return s.Crashes == 1 && s.Instances == 1 && s.Replacements == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestManager_CheckHealthRetiresIdleAgedInstances(t *testing.T) {
	l := browsertest.NewLauncher()
	m := newManager(t, l, browser.ManagerOptions{MaxInstances: 1, MinInstances: 1, MaxInstanceAge: time.Millisecond})
	require.NoError(t, m.Start(context.Background()))

	time.Sleep(5 * time.Millisecond)
	m.CheckHealth()

	require.Eventually(t, func() bool {
		return m.Stats().Retirements >= 1 && l.Processes()[0].Closed()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestManager_ShutdownClosesEverything(t *testing.T) {
	l := browsertest.NewLauncher()
	l.PanicOnClose()
	m := browser.NewManager(l, browser.ManagerOptions{MaxInstances: 3, MinInstances: 3})
	require.NoError(t, m.Start(context.Background()))

	err := m.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")

	for _, p := range l.Processes() {
		assert.True(t, p.Closed(), p.ID())
	}
	assert.Equal(t, 0, m.Stats().Instances)

	_, err = m.AcquireInstance(context.Background())
	assert.ErrorIs(t, err, browser.ErrClosed)
	assert.NoError(t, m.Shutdown(context.Background()))
}

func TestManager_ShutdownDuringLaunch(t *testing.T) {
	l := browsertest.NewLauncher()
	l.LaunchDelay = 50 * time.Millisecond
	m := browser.NewManager(l, browser.ManagerOptions{MaxInstances: 1})

	errCh := make(chan error, 1)
	go func() {
		_, err := m.AcquireInstance(context.Background())
		errCh <- err
	}()

	require.Eventually(t, func() bool { return m.Stats().Launching == 1 }, time.Second, time.Millisecond)
	require.NoError(t, m.Shutdown(context.Background()))

	err := <-errCh
	require.Error(t, err)
	assert.Equal(t, 0, l.Running())
}
