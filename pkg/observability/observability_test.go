package observability

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/renderd/pkg/browser"
	"github.com/entrhq/renderd/pkg/browser/browsertest"
	"github.com/entrhq/renderd/pkg/job"
	"github.com/entrhq/renderd/pkg/pool"
)

func TestOutcome(t *testing.T) {
	assert.Equal(t, "completed", Outcome(""))
	assert.Equal(t, "instance_lost", Outcome(job.KindInstanceLost))
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()

	before := testutil.ToFloat64(LeasesGranted)
	r.LeaseGranted(10 * time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(LeasesGranted))

	before = testutil.ToFloat64(InstancesStopped.WithLabelValues(browser.StopCrashed))
	r.InstanceStopped("abc", browser.StopCrashed)
	assert.Equal(t, before+1, testutil.ToFloat64(InstancesStopped.WithLabelValues(browser.StopCrashed)))

	before = testutil.ToFloat64(JobsDelivered.WithLabelValues("completed"))
	r.JobDelivered("", 1, time.Second)
	assert.Equal(t, before+1, testutil.ToFloat64(JobsDelivered.WithLabelValues("completed")))

	before = testutil.ToFloat64(Retries.WithLabelValues("pool_exhausted"))
	r.RetryScheduled(job.KindPoolExhausted, time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(Retries.WithLabelValues("pool_exhausted")))

	before = testutil.ToFloat64(LaunchFailures)
	r.LaunchFailed(errors.New("boom"))
	assert.Equal(t, before+1, testutil.ToFloat64(LaunchFailures))
}

func TestStatsCollector(t *testing.T) {
	m := browser.NewManager(browsertest.NewLauncher(), browser.ManagerOptions{MaxInstances: 2, MaxContextsPerInstance: 3})
	p := pool.New(m)
	defer func() {
		p.Close()
		_ = m.Shutdown(context.Background())
	}()

	lease, err := p.Lease(context.Background(), time.Second)
	require.NoError(t, err)
	defer p.Release(lease, pool.Healthy)

	c := NewStatsCollector(p, m)
	assert.Equal(t, 7, testutil.CollectAndCount(c))
}

func TestTracerProviderExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	tp, err := NewTracerProvider("renderd-test", "dev", &buf)
	require.NoError(t, err)

	ctx, span := StartSpan(context.Background(), "render.job")
	span.SetAttributes(AttrJobID.String("01TEST"))
	AddEvent(ctx, "lease.granted")
	EndSpan(span, errors.New("navigation failed"))

	require.NoError(t, tp.Shutdown(context.Background()))
	out := buf.String()
	assert.Contains(t, out, "render.job")
	assert.Contains(t, out, "01TEST")
	assert.Contains(t, out, "navigation failed")
}
