package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tweetsched/internal/ledger"
	"tweetsched/internal/post"
	"tweetsched/internal/task/engine"
)

const namespace = "tweetsched"

// Collector owns a private registry with the scheduler, executor, ledger and
// HTTP metrics. It implements scheduler.Metrics.
type Collector struct {
	registry *prometheus.Registry

	submissions     *prometheus.CounterVec
	submitDuration  *prometheus.HistogramVec
	running         prometheus.Gauge
	paused          prometheus.Gauge
	nextPost        prometheus.Gauge
	postedTotal     prometheus.Gauge
	failedTotal     prometheus.Gauge
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
}

func New() (*Collector, error) {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "submissions_total",
			Help:      "Submission attempts by source (loop or retry), result and error kind.",
		}, []string{"source", "result", "kind"}),
		submitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "submission_duration_seconds",
			Help:      "Time spent submitting one item, uploads included.",
			Buckets:   []float64{.25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"source"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "running",
			Help: "1 while the scheduler loop is running.",
		}),
		paused: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "paused",
			Help: "1 while the scheduler loop is paused.",
		}),
		nextPost: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "next_post_timestamp_seconds",
			Help: "Unix time of the next armed firing, 0 when nothing is armed.",
		}),
		postedTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "posted",
			Help: "Persisted count of successful posts.",
		}),
		failedTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "failed",
			Help: "Persisted count of failed posts.",
		}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Latency distribution for control API requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of control API requests.",
		}, []string{"method", "route", "status"}),
	}

	for _, col := range []prometheus.Collector{
		c.submissions, c.submitDuration, c.running, c.paused, c.nextPost,
		c.postedTotal, c.failedTotal, c.requestDuration, c.requestTotal,
	} {
		if err := c.registry.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Collector) ObserveSubmission(source string, success bool, kind post.ErrorType, d time.Duration) {
	result := "success"
	if !success {
		result = "failure"
	}
	c.submissions.WithLabelValues(source, result, string(kind)).Inc()
	c.submitDuration.WithLabelValues(source).Observe(d.Seconds())
}

func (c *Collector) ObserveState(st post.SchedulerState) {
	c.running.Set(boolGauge(st.IsRunning))
	c.paused.Set(boolGauge(st.IsPaused))
	if st.NextPostTime != nil {
		c.nextPost.Set(float64(st.NextPostTime.Unix()))
	} else {
		c.nextPost.Set(0)
	}
	c.postedTotal.Set(float64(st.Stats.TotalPosted))
	c.failedTotal.Set(float64(st.Stats.TotalFailed))
}

// WatchEngine exports executor queue gauges read from snap at scrape time.
func (c *Collector) WatchEngine(snap func() engine.Snapshot) error {
	gauges := map[string]struct {
		help string
		fn   func(engine.Snapshot) float64
	}{
		"queue_length":   {"Tasks waiting in the executor queue.", func(s engine.Snapshot) float64 { return float64(s.QueueLen) }},
		"queue_capacity": {"Executor queue capacity.", func(s engine.Snapshot) float64 { return float64(s.QueueCap) }},
		"in_flight":      {"Tasks currently running.", func(s engine.Snapshot) float64 { return float64(s.InFlight) }},
		"dropped":        {"Tasks rejected because the queue was full.", func(s engine.Snapshot) float64 { return float64(s.Dropped) }},
		"skipped":        {"Tasks skipped because their key was busy.", func(s engine.Snapshot) float64 { return float64(s.Skipped) }},
	}
	for name, g := range gauges {
		fn := g.fn
		gf := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "executor", Name: name, Help: g.help,
		}, func() float64 { return fn(snap()) })
		if err := c.registry.Register(gf); err != nil {
			return err
		}
	}
	return nil
}

// WatchLedger exports error ledger counts read from stats at scrape time.
func (c *Collector) WatchLedger(stats func() ledger.Stats) error {
	return c.registry.Register(&ledgerCollector{
		stats: stats,
		entries: prometheus.NewDesc(prometheus.BuildFQName(namespace, "ledger", "entries"),
			"Error ledger entries by state.", []string{"state"}, nil),
		byKind: prometheus.NewDesc(prometheus.BuildFQName(namespace, "ledger", "entries_by_kind"),
			"Error ledger entries by error kind, resolved ones included.", []string{"kind"}, nil),
		retrySuccess: prometheus.NewDesc(prometheus.BuildFQName(namespace, "ledger", "retry_success"),
			"Entries resolved by a successful retry.", nil, nil),
	})
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// InstrumentHandler records request count and latency per chi route pattern.
func (c *Collector) InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := strconv.Itoa(rw.status)
		c.requestTotal.WithLabelValues(r.Method, route, status).Inc()
		c.requestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

type ledgerCollector struct {
	stats        func() ledger.Stats
	entries      *prometheus.Desc
	byKind       *prometheus.Desc
	retrySuccess *prometheus.Desc
}

func (l *ledgerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- l.entries
	ch <- l.byKind
	ch <- l.retrySuccess
}

func (l *ledgerCollector) Collect(ch chan<- prometheus.Metric) {
	st := l.stats()
	for _, kind := range post.ErrorTypes {
		ch <- prometheus.MustNewConstMetric(l.byKind, prometheus.GaugeValue, float64(st.ByType[kind]), string(kind))
	}
	ch <- prometheus.MustNewConstMetric(l.entries, prometheus.GaugeValue, float64(st.Pending), "pending")
	ch <- prometheus.MustNewConstMetric(l.entries, prometheus.GaugeValue, float64(st.Resolved), "resolved")
	ch <- prometheus.MustNewConstMetric(l.retrySuccess, prometheus.GaugeValue, float64(st.RetrySuccess))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
