// Package metrics exports dispatcher activity to Prometheus.
//
// Counters and histograms are fed from the event bus; gauges read the
// dispatcher snapshot at scrape time.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chanfetch/internal/dispatcher"
	"chanfetch/internal/eventbus"
)

const namespace = "chanfetch"

type Metrics struct {
	reg *prometheus.Registry

	jobsTotal     *prometheus.CounterVec
	jobsQueued    prometheus.Counter
	jobDuration   *prometheus.HistogramVec
	jobWait       prometheus.Histogram
	fileSizeBytes prometheus.Histogram
	workerEvents  *prometheus.CounterVec
	sandboxEvents *prometheus.CounterVec
}

// New registers every collector on reg. snapshot is called on each scrape
// for the live gauges; bus may be nil when no events are observed.
func New(reg *prometheus.Registry, snapshot func() dispatcher.Snapshot, bus eventbus.Bus) *Metrics {
	m := &Metrics{reg: reg}

	m.jobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_finished_total",
		Help:      "Finished download jobs by outcome.",
	}, []string{"outcome"})
	m.jobsQueued = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_queued_total",
		Help:      "Download jobs accepted by the dispatcher.",
	})
	m.jobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "job_duration_seconds",
		Help:      "Time from dispatch to outcome.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"outcome"})
	m.jobWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "job_queue_wait_seconds",
		Help:      "Time a job spent queued before dispatch.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
	})
	m.fileSizeBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "file_size_bytes",
		Help:      "Size of downloaded files.",
		Buckets: []float64{
			1 << 10,   // 1KB
			10 << 10,  // 10KB
			100 << 10, // 100KB
			1 << 20,   // 1MB
			10 << 20,  // 10MB
			100 << 20, // 100MB
			1 << 30,   // 1GB
			4 << 30,   // 4GB
		},
	})
	m.workerEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "worker_events_total",
		Help:      "Worker process spawns and exits.",
	}, []string{"event"})
	m.sandboxEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sandbox_events_total",
		Help:      "Sandbox creations and removals.",
	}, []string{"event"})

	reg.MustRegister(m.jobsTotal, m.jobsQueued, m.jobDuration, m.jobWait, m.fileSizeBytes, m.workerEvents, m.sandboxEvents)

	if snapshot != nil {
		gauge := func(name, help string, fn func(dispatcher.Snapshot) float64) prometheus.GaugeFunc {
			return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help},
				func() float64 { return fn(snapshot()) })
		}
		reg.MustRegister(
			gauge("active_jobs", "Jobs currently running in workers.", func(s dispatcher.Snapshot) float64 { return float64(s.ActiveCount) }),
			gauge("queued_jobs", "Jobs waiting in sandbox queues.", func(s dispatcher.Snapshot) float64 { return float64(s.Queued) }),
			gauge("sandboxes", "Live sandboxes.", func(s dispatcher.Snapshot) float64 { return float64(len(s.Sandboxes)) }),
			gauge("max_active", "Configured concurrency ceiling.", func(s dispatcher.Snapshot) float64 { return float64(s.MaxActive) }),
		)
	}
	if bus != nil {
		reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "eventbus_dropped_total",
			Help:      "Events dropped because a subscriber was full.",
		}, func() float64 { return float64(eventbus.Dropped(bus)) }))
	}
	return m
}

// RegisterRuntime adds the Go runtime and process collectors.
func (m *Metrics) RegisterRuntime() {
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Observe updates counters for one bus event.
func (m *Metrics) Observe(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.TypeJobQueued:
		m.jobsQueued.Inc()
	case eventbus.TypeJobStarted:
		if je, ok := ev.Data.(eventbus.JobEvent); ok && !je.StartedAt.IsZero() {
			m.jobWait.Observe(je.StartedAt.Sub(je.EnqueuedAt).Seconds())
		}
	case eventbus.TypeJobFinished:
		je, ok := ev.Data.(eventbus.JobEvent)
		if !ok {
			return
		}
		m.jobsTotal.WithLabelValues(je.Outcome).Inc()
		if d := je.Duration(); d > 0 {
			m.jobDuration.WithLabelValues(je.Outcome).Observe(d.Seconds())
		}
		if je.Outcome == eventbus.OutcomeDone && je.Size > 0 {
			m.fileSizeBytes.Observe(float64(je.Size))
		}
	case eventbus.TypeWorkerSpawned:
		m.workerEvents.WithLabelValues("spawned").Inc()
	case eventbus.TypeWorkerExited:
		m.workerEvents.WithLabelValues("exited").Inc()
	case eventbus.TypeSandboxCreated:
		m.sandboxEvents.WithLabelValues("created").Inc()
	case eventbus.TypeSandboxDestroyed:
		m.sandboxEvents.WithLabelValues("destroyed").Inc()
	}
}

// Run feeds Observe from bus until ctx ends.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	events, unsub := bus.Subscribe(512)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			m.Observe(ev)
		}
	}
}
