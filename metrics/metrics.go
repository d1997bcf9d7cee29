// Package metrics collects scheduler counters and exposes them in
// Prometheus text exposition format, using the same sync/atomic counter
// style as the original restore tooling's metrics collector.
package metrics

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// Metrics collects scheduler-wide counters. All fields are accessed only
// through atomic operations, so Metrics itself needs no lock.
type Metrics struct {
	jobsCompleted    int64
	jobsFailed       int64
	jobsPreempted    int64
	derivationsMade  int64
	workerRetries    int64
	pipelineDuration int64 // accumulated nanoseconds, for average duration

	startTime time.Time
}

// NewMetrics creates a Metrics instance, timestamped at process start.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// RecordJobCompleted increments the completed-job counter.
func (m *Metrics) RecordJobCompleted(d time.Duration) {
	atomic.AddInt64(&m.jobsCompleted, 1)
	atomic.AddInt64(&m.pipelineDuration, int64(d))
}

// RecordJobFailed increments the failed-job counter.
func (m *Metrics) RecordJobFailed() {
	atomic.AddInt64(&m.jobsFailed, 1)
}

// RecordJobPreempted increments the preemption counter.
func (m *Metrics) RecordJobPreempted() {
	atomic.AddInt64(&m.jobsPreempted, 1)
}

// RecordDerivation increments the auto-derivation counter.
func (m *Metrics) RecordDerivation() {
	atomic.AddInt64(&m.derivationsMade, 1)
}

// RecordWorkerRetry increments the transient-worker-error retry counter.
func (m *Metrics) RecordWorkerRetry() {
	atomic.AddInt64(&m.workerRetries, 1)
}

// QueueStatus is the subset of queue.Status metrics needs, kept decoupled
// from the queue package so either can change shape independently.
type QueueStatus struct {
	Critical  int
	High      int
	Low       int
	Preempted int
}

// QueueStatusFunc is polled at scrape time for current queue depth gauges.
type QueueStatusFunc func() QueueStatus

// Handler returns an http.HandlerFunc that renders every counter plus the
// live queue depths (via statusFn) in Prometheus text exposition format.
func (m *Metrics) Handler(statusFn QueueStatusFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")

		completed := atomic.LoadInt64(&m.jobsCompleted)
		totalDuration := time.Duration(atomic.LoadInt64(&m.pipelineDuration))
		avgSeconds := 0.0
		if completed > 0 {
			avgSeconds = totalDuration.Seconds() / float64(completed)
		}

		fmt.Fprintf(w, "# HELP folio_jobs_completed_total Completed jobs.\n")
		fmt.Fprintf(w, "# TYPE folio_jobs_completed_total counter\n")
		fmt.Fprintf(w, "folio_jobs_completed_total %d\n", completed)

		fmt.Fprintf(w, "# HELP folio_jobs_failed_total Failed jobs.\n")
		fmt.Fprintf(w, "# TYPE folio_jobs_failed_total counter\n")
		fmt.Fprintf(w, "folio_jobs_failed_total %d\n", atomic.LoadInt64(&m.jobsFailed))

		fmt.Fprintf(w, "# HELP folio_jobs_preempted_total Preempted jobs.\n")
		fmt.Fprintf(w, "# TYPE folio_jobs_preempted_total counter\n")
		fmt.Fprintf(w, "folio_jobs_preempted_total %d\n", atomic.LoadInt64(&m.jobsPreempted))

		fmt.Fprintf(w, "# HELP folio_derivations_total Auto-derived animate jobs.\n")
		fmt.Fprintf(w, "# TYPE folio_derivations_total counter\n")
		fmt.Fprintf(w, "folio_derivations_total %d\n", atomic.LoadInt64(&m.derivationsMade))

		fmt.Fprintf(w, "# HELP folio_worker_retries_total Transient worker-error retries.\n")
		fmt.Fprintf(w, "# TYPE folio_worker_retries_total counter\n")
		fmt.Fprintf(w, "folio_worker_retries_total %d\n", atomic.LoadInt64(&m.workerRetries))

		fmt.Fprintf(w, "# HELP folio_pipeline_duration_seconds_avg Average pipeline duration.\n")
		fmt.Fprintf(w, "# TYPE folio_pipeline_duration_seconds_avg gauge\n")
		fmt.Fprintf(w, "folio_pipeline_duration_seconds_avg %f\n", avgSeconds)

		fmt.Fprintf(w, "# HELP folio_uptime_seconds Process uptime.\n")
		fmt.Fprintf(w, "# TYPE folio_uptime_seconds counter\n")
		fmt.Fprintf(w, "folio_uptime_seconds %f\n", time.Since(m.startTime).Seconds())

		if statusFn != nil {
			s := statusFn()
			fmt.Fprintf(w, "# HELP folio_queue_depth Current queue depth by band.\n")
			fmt.Fprintf(w, "# TYPE folio_queue_depth gauge\n")
			fmt.Fprintf(w, "folio_queue_depth{band=\"critical\"} %d\n", s.Critical)
			fmt.Fprintf(w, "folio_queue_depth{band=\"high\"} %d\n", s.High)
			fmt.Fprintf(w, "folio_queue_depth{band=\"low\"} %d\n", s.Low)
			fmt.Fprintf(w, "folio_queue_depth{band=\"preempted\"} %d\n", s.Preempted)
		}
	}
}
