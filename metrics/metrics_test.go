package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerExposesCounters(t *testing.T) {
	m := NewMetrics()
	m.RecordJobCompleted(50 * time.Millisecond)
	m.RecordJobCompleted(150 * time.Millisecond)
	m.RecordJobFailed()
	m.RecordJobPreempted()
	m.RecordDerivation()
	m.RecordWorkerRetry()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler(func() QueueStatus {
		return QueueStatus{Critical: 1, High: 2, Low: 3, Preempted: 4}
	})(rec, req)

	body := rec.Body.String()
	for _, want := range []string{
		"folio_jobs_completed_total 2",
		"folio_jobs_failed_total 1",
		"folio_jobs_preempted_total 1",
		"folio_derivations_total 1",
		"folio_worker_retries_total 1",
		`folio_queue_depth{band="critical"} 1`,
		`folio_queue_depth{band="high"} 2`,
		`folio_queue_depth{band="low"} 3`,
		`folio_queue_depth{band="preempted"} 4`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected body to contain %q, got:\n%s", want, body)
		}
	}
}

func TestHandlerWithoutStatusFunc(t *testing.T) {
	m := NewMetrics()
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler(nil)(rec, req)

	if !strings.Contains(rec.Body.String(), "folio_jobs_completed_total 0") {
		t.Error("expected zero-valued counters when nothing recorded")
	}
}
