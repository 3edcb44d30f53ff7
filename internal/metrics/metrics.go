// Package metrics exposes Prometheus instrumentation for training jobs.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cwbudde/netsolver/internal/opt"
)

const namespace = "netsolver"

var (
	// iterationsTotal counts accepted optimizer steps per job
	iterationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "optimizer",
		Name:      "iterations_total",
		Help:      "Total accepted optimizer iterations by job",
	}, []string{"job"})

	// score tracks the latest training loss per job
	score = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "optimizer",
		Name:      "score",
		Help:      "Current training loss by job",
	}, []string{"job"})

	// gradientNorm tracks the latest gradient norm per job
	gradientNorm = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "optimizer",
		Name:      "gradient_norm",
		Help:      "Current gradient norm by job",
	}, []string{"job"})

	// stepLength tracks accepted line-search steps
	stepLength = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "optimizer",
		Name:      "step_length",
		Help:      "Accepted line search step lengths",
		Buckets:   prometheus.ExponentialBuckets(1e-8, 10, 10), // 1e-8 to 10
	}, []string{"job"})

	// lineSearchFailures counts surfaced line search failures by algorithm
	lineSearchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "optimizer",
		Name:      "line_search_failures_total",
		Help:      "Total surfaced line search failures by algorithm",
	}, []string{"algorithm"})

	// snapshotBytes tracks serialized snapshot sizes
	snapshotBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "snapshot",
		Name:      "bytes",
		Help:      "Size of serialized model snapshots",
		Buckets:   prometheus.ExponentialBuckets(256, 4, 10), // 256B to ~64MB
	})

	// reduceRounds counts completed parameter-averaging rounds per job
	reduceRounds = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reduce",
		Name:      "rounds_total",
		Help:      "Total completed reduce rounds by job",
	}, []string{"job"})

	// jobsTotal counts finished jobs by final status
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "finished_total",
		Help:      "Total finished jobs by status",
	}, []string{"status"})
)

// Listener records optimizer progress for one job. With Reduce set every
// notification is a finished reduce round instead of an optimizer step.
type Listener struct {
	Job    string
	Reduce bool
}

// NewListener returns a Listener for optimizer iterations of job.
func NewListener(job string) *Listener {
	return &Listener{Job: job}
}

func (l *Listener) OnIteration(it opt.Iteration) {
	score.WithLabelValues(l.Job).Set(it.Score)
	if l.Reduce {
		reduceRounds.WithLabelValues(l.Job).Inc()
		return
	}
	iterationsTotal.WithLabelValues(l.Job).Inc()
	gradientNorm.WithLabelValues(l.Job).Set(it.GradientNorm)
	stepLength.WithLabelValues(l.Job).Observe(it.StepLength)
}

// ObserveLineSearchFailure counts a surfaced line search failure.
func ObserveLineSearchFailure(algorithm string) {
	lineSearchFailures.WithLabelValues(algorithm).Inc()
}

// ObserveSnapshot records the size of a serialized snapshot.
func ObserveSnapshot(size int) {
	snapshotBytes.Observe(float64(size))
}

// ObserveJobFinished counts a job reaching a terminal status.
func ObserveJobFinished(status string) {
	jobsTotal.WithLabelValues(status).Inc()
}

// Forget drops the per-job series of a deleted job.
func Forget(job string) {
	iterationsTotal.DeleteLabelValues(job)
	score.DeleteLabelValues(job)
	gradientNorm.DeleteLabelValues(job)
	stepLength.DeleteLabelValues(job)
	reduceRounds.DeleteLabelValues(job)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
