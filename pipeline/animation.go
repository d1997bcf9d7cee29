package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zombar/folio/imageproc"
	"github.com/zombar/folio/repository"
	"github.com/zombar/folio/videoenc"
	"github.com/zombar/folio/workerclient"
)

// maxFrameFetchConcurrency bounds how many frames are fetched from the
// worker at once, so a long animation run doesn't open one connection per
// frame.
const maxFrameFetchConcurrency = 4

// AnimationPipeline runs the eleven-step animate job flow from section 4.7.
type AnimationPipeline struct {
	deps Deps
}

// NewAnimationPipeline constructs an AnimationPipeline.
func NewAnimationPipeline(deps Deps) *AnimationPipeline {
	return &AnimationPipeline{deps: deps}
}

// Run drives job through every step, recording failure on the job itself
// rather than returning an error, matching ImagePipeline's contract.
func (p *AnimationPipeline) Run(ctx context.Context, job *repository.Job) {
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

	sourceImageName, _, err := uploadDerivedInputs(ctx, d, job)
	if err != nil {
		markFailed(ctx, d, job, err)
		return
	}

	graph, err := d.Composer.Compose(
		defaultTemplateFor(job.Kind),
		workflowKindFor(job.Kind),
		workflowParamsFor(job, sourceImageName, ""),
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
	outcome, err := submitAndWaitWithRetry(ctx, d, job, prompt, d.AnimTimeout)
	if err != nil {
		markFailed(ctx, d, job, err)
		return
	}
	if outcome.Error != "" {
		markFailed(ctx, d, job, fmt.Errorf("pipeline: worker reported failure: %s", outcome.Error))
		return
	}
	if len(outcome.Images) == 0 {
		markFailed(ctx, d, job, fmt.Errorf("pipeline: worker returned no frames"))
		return
	}

	framesDir := d.tempFramesDir(job.ID)
	if err := fetchFramesConcurrently(ctx, d, framesDir, outcome.Images); err != nil {
		markFailed(ctx, d, job, err)
		return
	}
	for _, ref := range outcome.Images {
		_ = d.Worker.DeleteOutput(ctx, ref.Filename, ref.Subfolder, ref.Type)
	}

	now := time.Now().UTC()
	videoDir := filepath.Join(d.animationsDir(), fmt.Sprintf("%04d", now.Year()), fmt.Sprintf("%02d", int(now.Month())))
	videoPath := filepath.Join(videoDir, job.ID+".mp4")
	if err := d.Encoder.EncodeFrames(ctx, framesDir, job.Params.FPS, videoPath); err != nil {
		markFailed(ctx, d, job, fmt.Errorf("pipeline: video encode failed: %w", err))
		_ = os.RemoveAll(framesDir)
		return
	}

	thumbPath := filepath.Join(d.imagesDir(), job.ID+"_thumb.webp")
	if err := writeFirstFrameThumbnail(framesDir, thumbPath, d.Encoder.Available(ctx)); err != nil {
		markFailed(ctx, d, job, fmt.Errorf("pipeline: thumbnail extraction failed: %w", err))
		_ = os.RemoveAll(framesDir)
		return
	}

	_ = os.RemoveAll(framesDir)

	job.SetOutputs("", thumbPath, videoPath)
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

	archive(ctx, d, videoPath, filepath.ToSlash(filepath.Join("animations", fmt.Sprintf("%04d", now.Year()), fmt.Sprintf("%02d", int(now.Month())), job.ID+".mp4")))
	archive(ctx, d, thumbPath, "images/"+job.ID+"_thumb.webp")
}

// fetchFramesConcurrently fetches every output frame from the worker and
// writes it into framesDir, bounded to maxFrameFetchConcurrency in-flight
// requests at a time. Each frame is written under its own index, so
// ordering within the bounded group does not matter.
func fetchFramesConcurrently(ctx context.Context, d Deps, framesDir string, images []workerclient.ImageRef) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxFrameFetchConcurrency)

	for i, ref := range images {
		i, ref := i, ref
		g.Go(func() error {
			data, err := d.Worker.Fetch(gctx, ref.Filename, ref.Subfolder, ref.Type)
			if err != nil {
				return fmt.Errorf("pipeline: failed to fetch frame %d: %w", i, err)
			}
			if err := videoenc.WriteFrame(framesDir, i, data); err != nil {
				return fmt.Errorf("pipeline: failed to write frame %d: %w", i, err)
			}
			return nil
		})
	}

	return g.Wait()
}

// writeFirstFrameThumbnail writes the animation's WebP thumbnail. When the
// encoder is available it decodes frame_00000.png in-process and fits it
// within 256x256 with imageproc.Thumbnail; the video encoder itself is not
// invoked for the thumbnail. When the encoder is absent (encoderAvailable is
// false) it writes a uniform 256x256 gray placeholder instead. A missing
// first frame is an error, not a trigger for the placeholder.
func writeFirstFrameThumbnail(framesDir, thumbPath string, encoderAvailable bool) error {
	if err := os.MkdirAll(filepath.Dir(thumbPath), 0o755); err != nil {
		return fmt.Errorf("failed to create images directory: %w", err)
	}

	if !encoderAvailable {
		return writePlaceholderThumbnail(thumbPath)
	}

	firstFrame := filepath.Join(framesDir, "frame_00000.png")
	data, err := os.ReadFile(firstFrame)
	if err != nil {
		return fmt.Errorf("failed to read first frame: %w", err)
	}

	img, err := imageproc.Decode(data)
	if err != nil {
		return fmt.Errorf("failed to decode first frame: %w", err)
	}
	thumb := imageproc.Thumbnail(img)
	thumbBytes, err := imageproc.EncodeWebP(thumb)
	if err != nil {
		return fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	return os.WriteFile(thumbPath, thumbBytes, 0o644)
}

func writePlaceholderThumbnail(thumbPath string) error {
	placeholder := imageproc.GrayPlaceholder(256, 256)
	thumbBytes, err := imageproc.EncodeWebP(placeholder)
	if err != nil {
		return fmt.Errorf("failed to encode placeholder thumbnail: %w", err)
	}
	return os.WriteFile(thumbPath, thumbBytes, 0o644)
}
