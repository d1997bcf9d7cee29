package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/zombar/folio/eventbus"
	"github.com/zombar/folio/metrics"
	"github.com/zombar/folio/repository"
	"github.com/zombar/folio/workerclient"
	"github.com/zombar/folio/workflow"
)

var errNoSuchJob = errors.New("pipeline: no such job in fake store")

// fakeWorker implements workerclient.Client for pipeline tests.
type fakeWorker struct {
	mu sync.Mutex

	submitErr   error
	uploadErr   error
	fetchErr    error
	waitOutcome *workerclient.Outcome
	waitErr     error

	// waitOutcomes, when non-nil, overrides waitOutcome: the outcome
	// returned by Wait is selected by the 1-indexed submit count at the
	// time Wait is called (clamped to the last entry), letting a test
	// simulate a different worker response per resubmission.
	waitOutcomes []*workerclient.Outcome

	uploaded    []string
	deleted     []string
	images      map[string][]byte
	submitCount int
	correlation []string
}

var _ workerclient.Client = (*fakeWorker)(nil)

func (f *fakeWorker) Submit(ctx context.Context, graph map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitCount++
	id := fmt.Sprintf("correlation-%d", f.submitCount)
	f.correlation = append(f.correlation, id)
	return id, nil
}

func (f *fakeWorker) History(ctx context.Context, correlationID string) (*workerclient.HistoryRecord, error) {
	return nil, nil
}

func (f *fakeWorker) Wait(ctx context.Context, correlationID string, timeout, pollInterval time.Duration) (*workerclient.Outcome, error) {
	if f.waitErr != nil {
		return nil, f.waitErr
	}
	if f.waitOutcomes != nil {
		f.mu.Lock()
		idx := f.submitCount - 1
		f.mu.Unlock()
		if idx >= len(f.waitOutcomes) {
			idx = len(f.waitOutcomes) - 1
		}
		return f.waitOutcomes[idx], nil
	}
	return f.waitOutcome, nil
}

func (f *fakeWorker) Fetch(ctx context.Context, filename, subfolder, folderKind string) ([]byte, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	if data, ok := f.images[filename]; ok {
		return data, nil
	}
	return onePxPNG(), nil
}

func (f *fakeWorker) Upload(ctx context.Context, data []byte, filename string) (string, error) {
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.mu.Lock()
	f.uploaded = append(f.uploaded, filename)
	f.mu.Unlock()
	return filename, nil
}

func (f *fakeWorker) Stats(ctx context.Context) (map[string]any, error) {
	return map[string]any{}, nil
}

func (f *fakeWorker) DeleteOutput(ctx context.Context, filename, subfolder, folderKind string) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, filename)
	f.mu.Unlock()
	return nil
}

// fakeStore implements pipeline.Store.
type fakeStore struct {
	mu   sync.Mutex
	jobs map[string]*repository.Job
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: make(map[string]*repository.Job)}
}

func (s *fakeStore) Update(ctx context.Context, job *repository.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *fakeStore) Get(ctx context.Context, id string) (*repository.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, errNoSuchJob
	}
	return j.Clone(), nil
}

// fakeEncoder implements VideoEncoder without shelling out to ffmpeg.
type fakeEncoder struct {
	err       error
	available bool
}

func (e *fakeEncoder) EncodeFrames(ctx context.Context, framesDir string, fps int, outputPath string) error {
	if e.err != nil {
		return e.err
	}
	if err := os.MkdirAll(outputPathDir(outputPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(outputPath, []byte("fake-mp4"), 0o644)
}

func (e *fakeEncoder) Available(ctx context.Context) bool {
	return e.available
}

func outputPathDir(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[:i]
		}
	}
	return "."
}

func onePxPNG() []byte {
	// A valid 1x1 transparent PNG, sufficient for imageproc.Decode.
	return []byte{
		0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a,
		0x00, 0x00, 0x00, 0x0d, 0x49, 0x48, 0x44, 0x52,
		0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
		0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4,
		0x89, 0x00, 0x00, 0x00, 0x0a, 0x49, 0x44, 0x41,
		0x54, 0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00,
		0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00,
		0x00, 0x00, 0x00, 0x49, 0x45, 0x4e, 0x44, 0xae,
		0x42, 0x60, 0x82,
	}
}

// TestSubmitAndWaitWithRetryResubmitsOnTransientWorkerError is scenario S5:
// the worker reports a transient model-load error on the first two
// attempts, then completes on the third. The job must end completed after
// exactly 3 submits, since a retry that only re-polls the same
// already-terminal correlation id could never recover.
func TestSubmitAndWaitWithRetryResubmitsOnTransientWorkerError(t *testing.T) {
	worker := &fakeWorker{
		waitOutcomes: []*workerclient.Outcome{
			{Error: "CLIP input is invalid"},
			{Error: "CLIP input is invalid"},
			{Images: []workerclient.ImageRef{{Filename: "out.png", Subfolder: "", Type: "output"}}},
		},
	}
	store := newFakeStore()
	deps, _ := newTestDeps(t, worker, store)

	job := newStillJob()
	store.jobs[job.ID] = job

	p := NewImagePipeline(deps)
	p.Run(context.Background(), job)

	if job.GetStatus() != repository.StatusCompleted {
		t.Fatalf("expected job completed, got %s (error: %s)", job.GetStatus(), job.Error)
	}
	if worker.submitCount != 3 {
		t.Fatalf("expected exactly 3 submits, got %d", worker.submitCount)
	}
	if job.CorrelationID != worker.correlation[len(worker.correlation)-1] {
		t.Errorf("expected job to carry the last submitted correlation id %q, got %q",
			worker.correlation[len(worker.correlation)-1], job.CorrelationID)
	}
}

func TestMarkFailedSkipsWhenContextAlreadyCanceled(t *testing.T) {
	store := newFakeStore()
	deps, _ := newTestDeps(t, &fakeWorker{}, store)
	job := newStillJob()
	store.jobs[job.ID] = job
	_ = job.TransitionTo(repository.StatusProcessing)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	markFailed(ctx, deps, job, context.Canceled)

	if job.GetStatus() != repository.StatusProcessing {
		t.Fatalf("expected status untouched at %s, got %s", repository.StatusProcessing, job.GetStatus())
	}
	if job.Error != "" {
		t.Errorf("expected no error recorded, got %q", job.Error)
	}
}

func TestMarkFailedRecordsFailureWhenContextLive(t *testing.T) {
	store := newFakeStore()
	deps, _ := newTestDeps(t, &fakeWorker{}, store)
	job := newStillJob()
	store.jobs[job.ID] = job
	_ = job.TransitionTo(repository.StatusProcessing)

	markFailed(context.Background(), deps, job, errors.New("boom"))

	if job.GetStatus() != repository.StatusFailed {
		t.Fatalf("expected status failed, got %s", job.GetStatus())
	}
	if job.Error != "boom" {
		t.Errorf("expected recorded error %q, got %q", "boom", job.Error)
	}
}

func newTestDeps(t *testing.T, worker *fakeWorker, store *fakeStore) (Deps, string) {
	t.Helper()
	root := t.TempDir()
	return Deps{
		Worker:       worker,
		Composer:     workflow.NewComposer(),
		Store:        store,
		Bus:          eventbus.New(),
		Metrics:      metrics.NewMetrics(),
		StorageRoot:  root,
		StillTimeout: time.Second,
		AnimTimeout:  time.Second,
		PollInterval: 10 * time.Millisecond,
		Encoder:      &fakeEncoder{available: true},
	}, root
}
