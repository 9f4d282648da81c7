package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	stepsTotal        *prometheus.CounterVec
	stepDuration      *prometheus.HistogramVec
	levelsTotal       prometheus.Counter
	testRunsTotal     *prometheus.CounterVec
	broadcastFailures prometheus.Counter
	persistFailures   prometheus.Counter
	activeRuns        prometheus.Gauge
	subscribers       prometheus.Gauge
	overridesTotal    *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			stepsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "drillops_steps_total",
					Help: "Total step executions by terminal status.",
				},
				[]string{"status"},
			),
			stepDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "drillops_step_duration_seconds",
					Help:    "Remote step execution duration in seconds by terminal status.",
					Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
				},
				[]string{"status"},
			),
			levelsTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "drillops_levels_total",
					Help: "Total execution levels started.",
				},
			),
			testRunsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "drillops_test_runs_total",
					Help: "Total scenario test runs by result.",
				},
				[]string{"result"},
			),
			broadcastFailures: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "drillops_broadcast_failures_total",
					Help: "Total failed deliveries to individual subscribers.",
				},
			),
			persistFailures: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "drillops_persist_failures_total",
					Help: "Total failed state store writes.",
				},
			),
			activeRuns: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "drillops_active_runs",
					Help: "Current number of resident drill run contexts.",
				},
			),
			subscribers: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "drillops_subscribers",
					Help: "Current number of live-update subscribers.",
				},
			),
			overridesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "drillops_operator_actions_total",
					Help: "Total operator actions by kind.",
				},
				[]string{"action"},
			),
		}

		prometheus.MustRegister(
			m.stepsTotal,
			m.stepDuration,
			m.levelsTotal,
			m.testRunsTotal,
			m.broadcastFailures,
			m.persistFailures,
			m.activeRuns,
			m.subscribers,
			m.overridesTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordStep(status string, duration time.Duration) {
	m := getMetrics()
	m.stepsTotal.WithLabelValues(status).Inc()
	if duration > 0 {
		m.stepDuration.WithLabelValues(status).Observe(duration.Seconds())
	}
}

func RecordLevel() {
	getMetrics().levelsTotal.Inc()
}

func RecordTestRun(result string) {
	getMetrics().testRunsTotal.WithLabelValues(result).Inc()
}

func RecordBroadcastFailure() {
	getMetrics().broadcastFailures.Inc()
}

func RecordPersistFailure() {
	getMetrics().persistFailures.Inc()
}

func SetActiveRuns(count int) {
	getMetrics().activeRuns.Set(float64(count))
}

func SetSubscribers(count int) {
	getMetrics().subscribers.Set(float64(count))
}

func RecordOperatorAction(action string) {
	getMetrics().overridesTotal.WithLabelValues(action).Inc()
}
