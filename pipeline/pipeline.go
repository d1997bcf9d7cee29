// Package pipeline implements the multi-step, suspension-point job
// processors that turn a queued job into a finished artifact: ImagePipeline
// for still jobs (section 4.6) and AnimationPipeline for animate jobs
// (section 4.7). Each step mirrors the sequential, numbered, per-step-wrapped
// structure of the restore worker's hot path, trading DynamoDB batches for
// node-graph worker round trips.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"

	"github.com/zombar/folio/archival"
	"github.com/zombar/folio/eventbus"
	"github.com/zombar/folio/imageproc"
	"github.com/zombar/folio/metrics"
	"github.com/zombar/folio/repository"
	"github.com/zombar/folio/workerclient"
	"github.com/zombar/folio/workflow"
)

const (
	maxWaitAttempts  = 3
	retryBackoff     = 2 * time.Second
	outputFolderKind = "output"
)

// Store is the subset of repository.Store the pipelines need.
type Store interface {
	Update(ctx context.Context, job *repository.Job) error
	Get(ctx context.Context, id string) (*repository.Job, error)
}

// DeriverFunc is invoked after a still-txt job completes successfully.
type DeriverFunc func(ctx context.Context, collectionID string) error

// VideoEncoder is the subset of videoenc.Encoder the animation pipeline
// needs, kept as an interface so tests can substitute a fake rather than
// shell out to a real ffmpeg binary.
type VideoEncoder interface {
	EncodeFrames(ctx context.Context, framesDir string, fps int, outputPath string) error
	Available(ctx context.Context) bool
}

// Deps bundles every dependency both pipelines share.
type Deps struct {
	Worker       workerclient.Client
	Composer     *workflow.Composer
	Store        Store
	Bus          *eventbus.Bus
	Metrics      *metrics.Metrics
	StorageRoot  string
	StillTimeout time.Duration
	AnimTimeout  time.Duration
	PollInterval time.Duration
	Encoder      VideoEncoder
	Archiver     archival.Archiver // nil disables archival
	Derive       DeriverFunc       // nil disables auto-derivation
}

func (d Deps) imagesDir() string      { return filepath.Join(d.StorageRoot, "images") }
func (d Deps) animationsDir() string  { return filepath.Join(d.StorageRoot, "animations") }
func (d Deps) tempFramesDir(jobID string) string {
	return filepath.Join(d.StorageRoot, "temp_frames", jobID)
}

func publish(bus *eventbus.Bus, eventType string, job *repository.Job) {
	bus.Publish(eventType, map[string]any{
		"job_id":        job.ID,
		"collection_id": job.CollectionID,
		"status":        string(job.Status),
	})
}

// markFailed records a pipeline failure on job, persists it, and publishes
// generation.failed. It never itself returns an error: a failure recording
// failure is logged-worthy but must not prevent the scheduler from moving on.
//
// If ctx was already canceled, the cause is almost certainly the scheduler
// preempting this run rather than a genuine failure: the scheduler owns the
// processing-to-pending rewind for that case, so markFailed leaves the job
// record untouched and returns.
func markFailed(ctx context.Context, d Deps, job *repository.Job, cause error) {
	if ctx.Err() != nil {
		return
	}
	_ = job.TransitionTo(repository.StatusFailed)
	job.SetError(cause.Error())
	_ = d.Store.Update(ctx, job)
	d.Metrics.RecordJobFailed()
	publish(d.Bus, "generation.failed", job)
}

// submitAndWaitWithRetry wraps Submit+Wait with section 4.4's retry policy:
// a transient model-load error is retried up to maxWaitAttempts total
// attempts with a fixed backoff, and each attempt issues a fresh Submit
// (scenario S5 counts submits, not polls — the worker's history for an
// already-errored correlation id is terminal, so re-polling it can never
// turn a transient failure into a completion). Anything else is returned
// as-is on the first attempt. job's correlation id is persisted after every
// submission, so the stored record always names the latest attempt; a
// restarted run submits afresh rather than reattaching to that id.
func submitAndWaitWithRetry(ctx context.Context, d Deps, job *repository.Job, prompt map[string]any, timeout time.Duration) (*workerclient.Outcome, error) {
	var outcome *workerclient.Outcome

	for attempt := 1; attempt <= maxWaitAttempts; attempt++ {
		correlationID, err := d.Worker.Submit(ctx, prompt)
		if err != nil {
			return nil, fmt.Errorf("pipeline: failed to submit to worker: %w", err)
		}
		job.SetCorrelationID(correlationID)
		if err := d.Store.Update(ctx, job); err != nil {
			return nil, fmt.Errorf("pipeline: failed to persist correlation id: %w", err)
		}

		outcome, err = d.Worker.Wait(ctx, correlationID, timeout, d.PollInterval)
		if err != nil {
			return nil, fmt.Errorf("pipeline: wait failed: %w", err)
		}
		if outcome.Error == "" || !workerclient.IsTransientFailure(outcome.Error) {
			return outcome, nil
		}
		if attempt == maxWaitAttempts {
			break
		}
		d.Metrics.RecordWorkerRetry()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryBackoff):
		}
	}
	return outcome, nil
}

func workflowKindFor(kind repository.Kind) workflow.Kind {
	switch kind {
	case repository.KindStillInpaint:
		return workflow.KindStillInpaint
	case repository.KindStillOutpaint:
		return workflow.KindStillOutpaint
	case repository.KindStillUpscale:
		return workflow.KindStillUpscale
	case repository.KindAnimate:
		return workflow.KindAnimate
	default:
		return workflow.KindStillTxt
	}
}

func defaultTemplateFor(kind repository.Kind) string {
	switch kind {
	case repository.KindStillInpaint:
		return workflow.TemplateInpaint
	case repository.KindStillOutpaint:
		return workflow.TemplateOutpaint
	case repository.KindStillUpscale:
		return workflow.TemplateUpscale
	case repository.KindAnimate:
		return workflow.TemplateAnimate
	default:
		return workflow.TemplateTxt2ImgSDXL
	}
}

func workflowParamsFor(job *repository.Job, sourceImageName, maskImageName string) workflow.Params {
	p := job.Params
	return workflow.Params{
		Prompt:          p.Prompt,
		NegativePrompt:  p.NegativePrompt,
		Width:           p.Width,
		Height:          p.Height,
		Seed:            p.Seed,
		Steps:           p.Steps,
		CFG:             p.CFG,
		Sampler:         p.Sampler,
		Scheduler:       p.Scheduler,
		Model:           p.Model,
		LoRA:            p.LoRA,
		SourceImageName: sourceImageName,
		MaskImageName:   maskImageName,
		GrowMaskBy:      p.GrowMaskBy,
		Denoise:         p.Denoise,
		UpscaleFactor:   p.UpscaleFactor,
		UpscaleModel:    p.UpscaleModel,
		SharpenAmount:   p.SharpenAmount,
		OutpaintLeft:    p.OutpaintLeft,
		OutpaintRight:   p.OutpaintRight,
		OutpaintTop:     p.OutpaintTop,
		OutpaintBottom:  p.OutpaintBottom,
		OutpaintFeather: p.OutpaintFeather,
		MotionBucket:    p.MotionBucket,
		FPS:             p.FPS,
		DurationSeconds: p.DurationSeconds,
	}
}

// uploadDerivedInputs uploads the source image (and, for inpaint, the mask)
// to the worker ahead of composing the node-graph, returning the worker-side
// filenames to bind into the graph.
func uploadDerivedInputs(ctx context.Context, d Deps, job *repository.Job) (sourceImageName, maskImageName string, err error) {
	isDerived := job.Kind == repository.KindStillInpaint ||
		job.Kind == repository.KindStillOutpaint ||
		job.Kind == repository.KindStillUpscale ||
		job.Kind == repository.KindAnimate
	if !isDerived || job.Params.SourceImagePath == "" {
		return "", "", nil
	}

	data, err := os.ReadFile(job.Params.SourceImagePath)
	if err != nil {
		return "", "", fmt.Errorf("pipeline: failed to read source image: %w", err)
	}
	sourceImageName, err = d.Worker.Upload(ctx, data, filepath.Base(job.Params.SourceImagePath))
	if err != nil {
		return "", "", fmt.Errorf("pipeline: failed to upload source image: %w", err)
	}

	if job.Kind == repository.KindStillInpaint && job.Params.MaskPath != "" {
		maskData, err := os.ReadFile(job.Params.MaskPath)
		if err != nil {
			return "", "", fmt.Errorf("pipeline: failed to read mask image: %w", err)
		}
		maskImageName, err = d.Worker.Upload(ctx, maskData, filepath.Base(job.Params.MaskPath))
		if err != nil {
			return "", "", fmt.Errorf("pipeline: failed to upload mask image: %w", err)
		}
	}

	return sourceImageName, maskImageName, nil
}

// graphToPrompt converts a composed node-graph into the plain
// map[string]any shape workerclient.Client.Submit sends over the wire, via
// a JSON round trip, mirroring the template deep-copy idiom workflow.Compose
// itself uses.
func graphToPrompt(g workflow.Graph) (map[string]any, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("pipeline: failed to encode composed graph: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("pipeline: failed to decode composed graph: %w", err)
	}
	return out, nil
}

func archive(ctx context.Context, d Deps, localPath, key string) {
	if d.Archiver == nil {
		return
	}
	_ = d.Archiver.Archive(ctx, localPath, key)
}
