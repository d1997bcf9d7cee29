package pipeline

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/zombar/folio/imageproc"
	"github.com/zombar/folio/repository"
)

// ImagePipeline runs the ten-step still-image job flow from section 4.6.
type ImagePipeline struct {
	deps Deps
}

// NewImagePipeline constructs an ImagePipeline.
func NewImagePipeline(deps Deps) *ImagePipeline {
	return &ImagePipeline{deps: deps}
}

// Run drives job through every step. It never returns an error to the
// caller: failures are recorded on the job record itself (section 4.8's
// exception containment), so the scheduler loop can unconditionally call
// queue.Complete afterward.
func (p *ImagePipeline) Run(ctx context.Context, job *repository.Job) {
	d := p.deps
	start := time.Now()

	if err := job.TransitionTo(repository.StatusProcessing); err != nil {
		markFailed(ctx, d, job, fmt.Errorf("pipeline: cannot start processing: %w", err))
		return
	}
	if err := d.Store.Update(ctx, job); err != nil {
		markFailed(ctx, d, job, fmt.Errorf("pipeline: failed to persist processing state: %w", err))
		return
	}
	publish(d.Bus, "generation.processing", job)

	sourceImageName, maskImageName, err := uploadDerivedInputs(ctx, d, job)
	if err != nil {
		markFailed(ctx, d, job, err)
		return
	}

	graph, err := d.Composer.Compose(
		defaultTemplateFor(job.Kind),
		workflowKindFor(job.Kind),
		workflowParamsFor(job, sourceImageName, maskImageName),
	)
	if err != nil {
		markFailed(ctx, d, job, fmt.Errorf("pipeline: failed to compose workflow: %w", err))
		return
	}

	prompt, err := graphToPrompt(graph)
	if err != nil {
		markFailed(ctx, d, job, err)
		return
	}
	outcome, err := submitAndWaitWithRetry(ctx, d, job, prompt, d.StillTimeout)
	if err != nil {
		markFailed(ctx, d, job, err)
		return
	}
	if outcome.Error != "" {
		markFailed(ctx, d, job, fmt.Errorf("pipeline: worker reported failure: %s", outcome.Error))
		return
	}
	if len(outcome.Images) == 0 {
		markFailed(ctx, d, job, fmt.Errorf("pipeline: worker returned no images"))
		return
	}

	first := outcome.Images[0]
	data, err := d.Worker.Fetch(ctx, first.Filename, first.Subfolder, first.Type)
	if err != nil {
		markFailed(ctx, d, job, fmt.Errorf("pipeline: failed to fetch output image: %w", err))
		return
	}

	img, err := imageproc.Decode(data)
	if err != nil {
		markFailed(ctx, d, job, fmt.Errorf("pipeline: failed to decode output image: %w", err))
		return
	}

	fullBytes, err := imageproc.EncodeWebP(img)
	if err != nil {
		markFailed(ctx, d, job, fmt.Errorf("pipeline: failed to encode output image: %w", err))
		return
	}
	imagePath := d.imagesDir() + "/" + job.ID + ".webp"
	if err := os.MkdirAll(d.imagesDir(), 0o755); err != nil {
		markFailed(ctx, d, job, fmt.Errorf("pipeline: failed to create images directory: %w", err))
		return
	}
	if err := os.WriteFile(imagePath, fullBytes, 0o644); err != nil {
		markFailed(ctx, d, job, fmt.Errorf("pipeline: failed to write output image: %w", err))
		return
	}

	thumb := imageproc.Thumbnail(img)
	thumbBytes, err := imageproc.EncodeWebP(thumb)
	if err != nil {
		markFailed(ctx, d, job, fmt.Errorf("pipeline: failed to encode thumbnail: %w", err))
		return
	}
	thumbPath := d.imagesDir() + "/" + job.ID + "_thumb.webp"
	if err := os.WriteFile(thumbPath, thumbBytes, 0o644); err != nil {
		markFailed(ctx, d, job, fmt.Errorf("pipeline: failed to write thumbnail: %w", err))
		return
	}

	_ = d.Worker.DeleteOutput(ctx, first.Filename, first.Subfolder, first.Type)

	job.SetOutputs(imagePath, thumbPath, "")
	if err := job.TransitionTo(repository.StatusCompleted); err != nil {
		markFailed(ctx, d, job, fmt.Errorf("pipeline: cannot mark completed: %w", err))
		return
	}
	if err := d.Store.Update(ctx, job); err != nil {
		markFailed(ctx, d, job, fmt.Errorf("pipeline: failed to persist completion: %w", err))
		return
	}
	d.Metrics.RecordJobCompleted(time.Since(start))
	publish(d.Bus, "generation.completed", job)

	archive(ctx, d, imagePath, "images/"+job.ID+".webp")
	archive(ctx, d, thumbPath, "images/"+job.ID+"_thumb.webp")

	if job.Kind == repository.KindStillTxt && d.Derive != nil {
		_ = d.Derive(ctx, job.CollectionID)
	}
}
