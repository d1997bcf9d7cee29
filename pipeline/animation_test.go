package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/zombar/folio/repository"
	"github.com/zombar/folio/workerclient"
)

func newAnimateJob(sourcePath string) *repository.Job {
	return repository.New(repository.KindAnimate, "collection-1", repository.Params{
		SourceImagePath: sourcePath,
		MotionBucket:    15,
		FPS:             8,
		DurationSeconds: 2,
	})
}

func writeSourceImage(t *testing.T, root string) string {
	t.Helper()
	path := filepath.Join(root, "source.png")
	if err := os.WriteFile(path, onePxPNG(), 0o644); err != nil {
		t.Fatalf("failed to write source image: %v", err)
	}
	return path
}

func TestAnimationPipelineRunCompletesJob(t *testing.T) {
	worker := &fakeWorker{
		waitOutcome: &workerclient.Outcome{
			Images: []workerclient.ImageRef{
				{Filename: "frame0.png"},
				{Filename: "frame1.png"},
			},
		},
	}
	store := newFakeStore()
	deps, root := newTestDeps(t, worker, store)

	sourcePath := writeSourceImage(t, root)
	job := newAnimateJob(sourcePath)
	store.jobs[job.ID] = job

	p := NewAnimationPipeline(deps)
	p.Run(context.Background(), job)

	if job.GetStatus() != repository.StatusCompleted {
		t.Fatalf("expected job completed, got %s (error: %s)", job.GetStatus(), job.Error)
	}
	if job.VideoPath == "" || job.ThumbnailPath == "" {
		t.Fatalf("expected both video and thumbnail paths set, got %+v", job)
	}
	if _, err := os.Stat(job.VideoPath); err != nil {
		t.Errorf("expected video file to exist: %v", err)
	}
	if _, err := os.Stat(job.ThumbnailPath); err != nil {
		t.Errorf("expected thumbnail file to exist: %v", err)
	}
	if _, err := os.Stat(deps.tempFramesDir(job.ID)); !os.IsNotExist(err) {
		t.Error("expected temp frames directory to be removed after completion")
	}
	if len(worker.deleted) != 2 {
		t.Errorf("expected both worker frames to be deleted, got %d calls", len(worker.deleted))
	}
}

func TestAnimationPipelineRunMarksFailedWhenNoFrames(t *testing.T) {
	worker := &fakeWorker{
		waitOutcome: &workerclient.Outcome{Images: nil},
	}
	store := newFakeStore()
	deps, root := newTestDeps(t, worker, store)

	sourcePath := writeSourceImage(t, root)
	job := newAnimateJob(sourcePath)
	store.jobs[job.ID] = job

	p := NewAnimationPipeline(deps)
	p.Run(context.Background(), job)

	if job.GetStatus() != repository.StatusFailed {
		t.Fatalf("expected job failed, got %s", job.GetStatus())
	}
}

func TestAnimationPipelineFallsBackToPlaceholderWhenEncoderUnavailable(t *testing.T) {
	worker := &fakeWorker{
		waitOutcome: &workerclient.Outcome{
			Images: []workerclient.ImageRef{{Filename: "frame0.png"}},
		},
	}
	store := newFakeStore()
	deps, root := newTestDeps(t, worker, store)
	deps.Encoder = &fakeEncoder{available: false}

	sourcePath := writeSourceImage(t, root)
	job := newAnimateJob(sourcePath)
	store.jobs[job.ID] = job

	p := NewAnimationPipeline(deps)
	p.Run(context.Background(), job)

	if job.GetStatus() != repository.StatusCompleted {
		t.Fatalf("expected job completed, got %s (error: %s)", job.GetStatus(), job.Error)
	}
	if _, err := os.Stat(job.ThumbnailPath); err != nil {
		t.Errorf("expected placeholder thumbnail file to exist: %v", err)
	}
}

func TestAnimationPipelineRunMarksFailedOnEncodeError(t *testing.T) {
	worker := &fakeWorker{
		waitOutcome: &workerclient.Outcome{
			Images: []workerclient.ImageRef{{Filename: "frame0.png"}},
		},
	}
	store := newFakeStore()
	deps, root := newTestDeps(t, worker, store)
	deps.Encoder = &fakeEncoder{err: context.DeadlineExceeded}

	sourcePath := writeSourceImage(t, root)
	job := newAnimateJob(sourcePath)
	store.jobs[job.ID] = job

	p := NewAnimationPipeline(deps)
	p.Run(context.Background(), job)

	if job.GetStatus() != repository.StatusFailed {
		t.Fatalf("expected job failed, got %s", job.GetStatus())
	}
}
