package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chanfetch/internal/dispatcher"
	"chanfetch/internal/eventbus"
)

func newTestMetrics(snap dispatcher.Snapshot) (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	m := New(reg, func() dispatcher.Snapshot { return snap }, eventbus.New())
	return m, reg
}

func TestMetrics_JobOutcomes(t *testing.T) {
	m, _ := newTestMetrics(dispatcher.Snapshot{})

	start := time.Unix(1000, 0)
	m.Observe(eventbus.Event{Type: eventbus.TypeJobFinished, Data: eventbus.JobEvent{
		Outcome: eventbus.OutcomeDone, Size: 2 << 20, StartedAt: start, FinishedAt: start.Add(3 * time.Second),
	}})
	m.Observe(eventbus.Event{Type: eventbus.TypeJobFinished, Data: eventbus.JobEvent{Outcome: eventbus.OutcomeDone}})
	m.Observe(eventbus.Event{Type: eventbus.TypeJobFinished, Data: eventbus.JobEvent{Outcome: eventbus.OutcomeFailed}})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.jobsTotal.WithLabelValues(eventbus.OutcomeDone)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobsTotal.WithLabelValues(eventbus.OutcomeFailed)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.fileSizeBytes))
	assert.Equal(t, 1, testutil.CollectAndCount(m.jobDuration))
}

func TestMetrics_WorkerAndSandboxEvents(t *testing.T) {
	m, _ := newTestMetrics(dispatcher.Snapshot{})

	for _, typ := range []string{eventbus.TypeWorkerSpawned, eventbus.TypeWorkerSpawned, eventbus.TypeWorkerExited, eventbus.TypeSandboxCreated, eventbus.TypeJobQueued} {
		m.Observe(eventbus.Event{Type: typ, Data: eventbus.SandboxEvent{}})
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.workerEvents.WithLabelValues("spawned")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.workerEvents.WithLabelValues("exited")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sandboxEvents.WithLabelValues("created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobsQueued))
}

func TestMetrics_SnapshotGauges(t *testing.T) {
	snap := dispatcher.Snapshot{
		MaxActive:   3,
		ActiveCount: 2,
		Queued:      5,
		Sandboxes:   []dispatcher.SandboxInfo{{ChatID: 1}, {ChatID: 2}},
	}
	_, reg := newTestMetrics(snap)

	expected := `
# HELP chanfetch_active_jobs Jobs currently running in workers.
# TYPE chanfetch_active_jobs gauge
chanfetch_active_jobs 2
# HELP chanfetch_queued_jobs Jobs waiting in sandbox queues.
# TYPE chanfetch_queued_jobs gauge
chanfetch_queued_jobs 5
# HELP chanfetch_sandboxes Live sandboxes.
# TYPE chanfetch_sandboxes gauge
chanfetch_sandboxes 2
# HELP chanfetch_max_active Configured concurrency ceiling.
# TYPE chanfetch_max_active gauge
chanfetch_max_active 3
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"chanfetch_active_jobs", "chanfetch_queued_jobs", "chanfetch_sandboxes", "chanfetch_max_active")
	assert.NoError(t, err)
}

func TestMetrics_Handler(t *testing.T) {
	m, _ := newTestMetrics(dispatcher.Snapshot{MaxActive: 2})
	m.Observe(eventbus.Event{Type: eventbus.TypeJobFinished, Data: eventbus.JobEvent{Outcome: eventbus.OutcomeCancelled}})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, string(body), `chanfetch_jobs_finished_total{outcome="cancelled"} 1`)
	assert.Contains(t, string(body), "chanfetch_max_active 2")
}
