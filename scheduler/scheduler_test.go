package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/zombar/folio/eventbus"
	"github.com/zombar/folio/metrics"
	"github.com/zombar/folio/queue"
	"github.com/zombar/folio/repository"
	"github.com/zombar/folio/wal"
)

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.log")
	log, err := wal.Open(path)
	if err != nil {
		t.Fatalf("wal.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })
	return queue.New(log)
}

// fakeStore is an in-memory repository.Store substitute.
type fakeStore struct {
	mu   sync.Mutex
	jobs map[string]*repository.Job
}

func newFakeStore(jobs ...*repository.Job) *fakeStore {
	s := &fakeStore{jobs: make(map[string]*repository.Job)}
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	return s
}

func (s *fakeStore) Get(ctx context.Context, id string) (*repository.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id], nil
}

func (s *fakeStore) Update(ctx context.Context, job *repository.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

// fakePipeline simulates a pipeline run: it either completes quickly or
// blocks until its context is canceled, simulating a long-running worker
// wait, then sends the job on ran.
type fakePipeline struct {
	blockUntilCanceled bool
	ran                chan *repository.Job
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{ran: make(chan *repository.Job, 8)}
}

func (p *fakePipeline) Run(ctx context.Context, job *repository.Job) {
	if p.blockUntilCanceled {
		<-ctx.Done()
		// A preempted job is left exactly where the scheduler found it
		// (still processing); the scheduler itself performs the rewind.
		p.ran <- job
		return
	}
	_ = job.TransitionTo(repository.StatusProcessing)
	job.SetOutputs("image.webp", "thumb.webp", "")
	_ = job.TransitionTo(repository.StatusCompleted)
	p.ran <- job
}

func newTestScheduler(t *testing.T, q *queue.Queue, store Store, img ImagePipeline, anim AnimationPipeline) *Scheduler {
	t.Helper()
	log := zap.NewNop()
	return New(Config{
		Queue:          q,
		Store:          store,
		ImagePipeline:  img,
		AnimPipeline:   anim,
		Bus:            eventbus.New(),
		Metrics:        metrics.NewMetrics(),
		Log:            log,
		PreemptionPoll: 5 * time.Millisecond,
	})
}

func TestRunDispatchesGenerationEntryToImagePipeline(t *testing.T) {
	q := newTestQueue(t)
	job := repository.New(repository.KindStillTxt, "c1", repository.Params{})
	store := newFakeStore(job)
	img := newFakePipeline()
	anim := newFakePipeline()
	s := newTestScheduler(t, q, store, img, anim)

	if err := q.Enqueue(queue.Entry{JobID: job.ID, Priority: queue.High, KindCategory: queue.Generation}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = s.Run(ctx)

	select {
	case got := <-img.ran:
		if got.ID != job.ID {
			t.Errorf("expected job %s dispatched, got %s", job.ID, got.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for image pipeline dispatch")
	}
	if len(anim.ran) != 0 {
		t.Error("expected the animation pipeline not to run for a generation entry")
	}
}

func TestRunDispatchesAnimationEntryToAnimationPipeline(t *testing.T) {
	q := newTestQueue(t)
	job := repository.New(repository.KindAnimate, "c1", repository.Params{})
	store := newFakeStore(job)
	img := newFakePipeline()
	anim := newFakePipeline()
	s := newTestScheduler(t, q, store, img, anim)

	if err := q.Enqueue(queue.Entry{JobID: job.ID, Priority: queue.Low, KindCategory: queue.Animation}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = s.Run(ctx)

	select {
	case got := <-anim.ran:
		if got.ID != job.ID {
			t.Errorf("expected job %s dispatched, got %s", job.ID, got.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for animation pipeline dispatch")
	}
}

func TestRunCompletesEntryAfterPipelineFinishes(t *testing.T) {
	q := newTestQueue(t)
	job := repository.New(repository.KindStillTxt, "c1", repository.Params{})
	store := newFakeStore(job)
	img := newFakePipeline()
	anim := newFakePipeline()
	s := newTestScheduler(t, q, store, img, anim)

	if err := q.Enqueue(queue.Entry{JobID: job.ID, Priority: queue.High, KindCategory: queue.Generation}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_ = s.Run(ctx)
	<-img.ran

	time.Sleep(20 * time.Millisecond) // let Complete's WAL append land
	status := q.Status()
	if status.Current != nil {
		t.Errorf("expected no current entry after completion, got %+v", status.Current)
	}
}

func TestRunRewindsPreemptedLowPriorityJobToPending(t *testing.T) {
	q := newTestQueue(t)
	lowJob := repository.New(repository.KindStillTxt, "c1", repository.Params{})
	_ = lowJob.TransitionTo(repository.StatusProcessing)
	store := newFakeStore(lowJob)

	img := newFakePipeline()
	img.blockUntilCanceled = true
	anim := newFakePipeline()
	s := newTestScheduler(t, q, store, img, anim)

	if err := q.Enqueue(queue.Entry{JobID: lowJob.ID, Priority: queue.Low, KindCategory: queue.Generation}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Give the scheduler time to dequeue and set current, then enqueue a
	// critical entry so ShouldPreempt flips true on the next poll.
	time.Sleep(20 * time.Millisecond)
	criticalJob := repository.New(repository.KindStillTxt, "c2", repository.Params{})
	_ = store.Update(context.Background(), criticalJob)
	if err := q.Enqueue(queue.Entry{JobID: criticalJob.ID, Priority: queue.Critical, KindCategory: queue.Generation}); err != nil {
		t.Fatalf("enqueue critical failed: %v", err)
	}

	select {
	case <-img.ran:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for preempted pipeline goroutine to observe cancellation")
	}

	// Allow the scheduler's own rewind bookkeeping to run, then stop it.
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	rewound, err := store.Get(context.Background(), lowJob.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if rewound.GetStatus() != repository.StatusPending {
		t.Fatalf("expected rewound job pending, got %s", rewound.GetStatus())
	}
}
