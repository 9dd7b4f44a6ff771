package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "muster_tasks_total",
			Help: "Total number of tasks by status",
		},
		[]string{"status"},
	)

	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "muster_nodes_total",
			Help: "Total number of node rows by state",
		},
		[]string{"state"},
	)

	// Scheduler metrics
	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "muster_tick_duration_seconds",
			Help:    "Duration of one scheduler tick in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	TicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "muster_ticks_total",
			Help: "Total number of scheduler ticks",
		},
	)

	TasksPlaced = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "muster_tasks_placed_total",
			Help: "Total number of tasks placed on a node",
		},
	)

	TasksHarvested = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "muster_tasks_harvested_total",
			Help: "Total number of tasks harvested and marked done",
		},
	)

	SpawnFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "muster_spawn_failures_total",
			Help: "Total number of failed stage-and-spawn attempts",
		},
	)

	// Cloud metrics
	NodesAllocated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "muster_nodes_allocated_total",
			Help: "Total number of cloud allocation requests by provider",
		},
		[]string{"provider"},
	)

	NodesReclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "muster_nodes_reclaimed_total",
			Help: "Total number of idle nodes returned to their provider",
		},
	)
)

func init() {
	prometheus.MustRegister(
		TasksTotal,
		NodesTotal,
		TickDuration,
		TicksTotal,
		TasksPlaced,
		TasksHarvested,
		SpawnFailures,
		NodesAllocated,
		NodesReclaimed,
	)
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures durations for histogram observation
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time in the given histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}
