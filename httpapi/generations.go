package httpapi

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/zombar/folio/imageproc"
	"github.com/zombar/folio/queue"
	"github.com/zombar/folio/repository"
)

// createRequest is the POST /generations request body. Fields validated by
// the `validate` tag reject malformed input with a 400 before anything is
// persisted, per section 7's "Input invalid" taxonomy entry.
type createRequest struct {
	Kind           string  `json:"kind" validate:"required,oneof=still-txt still-inpaint still-upscale still-outpaint animate"`
	CollectionID   string  `json:"collection_id" validate:"required"`
	Priority       string  `json:"priority" validate:"omitempty,oneof=CRITICAL HIGH LOW"`
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	Seed           *int64  `json:"seed"`
	Steps          int     `json:"steps"`
	CFG            float64 `json:"cfg"`
	Sampler        string  `json:"sampler"`
	Scheduler      string  `json:"scheduler"`
	Model          string  `json:"model"`
	LoRA           string  `json:"lora"`
	WorkflowID     string  `json:"workflow_id"`

	SourceJobID     string  `json:"source_job_id"`
	MaskPNGBase64   string  `json:"mask_png_base64"`
	Denoise         float64 `json:"denoise"`
	GrowMaskBy      int     `json:"grow_mask_by"`
	UpscaleFactor   float64 `json:"upscale_factor"`
	UpscaleModel    string  `json:"upscale_model"`
	SharpenAmount   float64 `json:"sharpen_amount"`
	OutpaintLeft    int     `json:"outpaint_left"`
	OutpaintRight   int     `json:"outpaint_right"`
	OutpaintTop     int     `json:"outpaint_top"`
	OutpaintBottom  int     `json:"outpaint_bottom"`
	OutpaintFeather int     `json:"outpaint_feather"`
	MotionBucket    int     `json:"motion_bucket"`
	FPS             int     `json:"fps"`
	DurationSeconds float64 `json:"duration_seconds"`
}

var derivedKinds = map[repository.Kind]bool{
	repository.KindStillInpaint:  true,
	repository.KindStillUpscale:  true,
	repository.KindStillOutpaint: true,
	repository.KindAnimate:       true,
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (rt *Router) createGeneration(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := rt.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	kind := repository.Kind(req.Kind)
	ctx := r.Context()

	var sourceImagePath string
	if derivedKinds[kind] {
		if req.SourceJobID == "" {
			writeError(w, http.StatusBadRequest, "source_job_id is required for derived kinds")
			return
		}
		source, err := rt.deps.Store.Get(ctx, req.SourceJobID)
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusBadRequest, "source job not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load source job")
			return
		}
		if source.Status != repository.StatusCompleted || source.ImagePath == "" {
			writeError(w, http.StatusBadRequest, "source job has no completed image output")
			return
		}
		sourceImagePath = source.ImagePath
	}

	seed := randomSeed()
	if req.Seed != nil {
		seed = *req.Seed
	}

	params := repository.Params{
		Prompt:          req.Prompt,
		NegativePrompt:  req.NegativePrompt,
		Width:           req.Width,
		Height:          req.Height,
		Seed:            seed,
		Steps:           req.Steps,
		CFG:             req.CFG,
		Sampler:         req.Sampler,
		Scheduler:       req.Scheduler,
		Model:           req.Model,
		LoRA:            req.LoRA,
		WorkflowID:      req.WorkflowID,
		SourceImagePath: sourceImagePath,
		Denoise:         req.Denoise,
		GrowMaskBy:      req.GrowMaskBy,
		UpscaleFactor:   req.UpscaleFactor,
		UpscaleModel:    req.UpscaleModel,
		SharpenAmount:   req.SharpenAmount,
		OutpaintLeft:    req.OutpaintLeft,
		OutpaintRight:   req.OutpaintRight,
		OutpaintTop:     req.OutpaintTop,
		OutpaintBottom:  req.OutpaintBottom,
		OutpaintFeather: req.OutpaintFeather,
		MotionBucket:    req.MotionBucket,
		FPS:             req.FPS,
		DurationSeconds: req.DurationSeconds,
	}

	job := repository.New(kind, req.CollectionID, params)
	job.SourceJobID = req.SourceJobID

	if req.MaskPNGBase64 != "" {
		maskPath, err := rt.saveMask(job.ID, req.MaskPNGBase64)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		job.Params.MaskPath = maskPath
	}

	if err := rt.deps.Store.Insert(ctx, job); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to persist job")
		return
	}

	priority := queue.High
	if req.Priority != "" {
		priority = queue.Priority(req.Priority)
	}
	entry := queue.Entry{JobID: job.ID, KindCategory: kindCategoryFor(kind), Priority: priority}
	if err := rt.deps.Queue.Enqueue(entry); err != nil {
		rt.deps.Log.Error("failed to enqueue job", zap.String("job_id", job.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}

	writeJSON(w, http.StatusCreated, job)
}

func (rt *Router) listGenerations(w http.ResponseWriter, r *http.Request) {
	collectionID := r.URL.Query().Get("collection_id")
	if collectionID == "" {
		writeError(w, http.StatusBadRequest, "collection_id is required")
		return
	}
	jobs, err := rt.deps.Store.ListByCollection(r.Context(), collectionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (rt *Router) getGeneration(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := rt.deps.Store.Get(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "generation not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	w.Header().Set("ETag", strconv.Itoa(job.Version))
	writeJSON(w, http.StatusOK, job)
}

func (rt *Router) deleteGeneration(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	job, err := rt.deps.Store.Get(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "generation not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}

	// Best-effort pre-dispatch cancel (section 5): if the entry is still
	// queued, Remove drops it before the scheduler ever picks it up. A job
	// already dispatched runs to completion regardless.
	_ = rt.deps.Queue.Remove(id)

	if err := rt.deps.Store.Delete(ctx, id); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete job")
		return
	}
	removeArtifacts(job)

	w.WriteHeader(http.StatusNoContent)
}

func (rt *Router) iterateGeneration(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	parent, err := rt.deps.Store.Get(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "generation not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}

	params := parent.Params
	params.Seed = randomSeed()

	job := repository.New(parent.Kind, parent.CollectionID, params)
	job.ParentJobID = parent.ID
	job.SourceJobID = parent.SourceJobID

	if err := rt.deps.Store.Insert(ctx, job); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to persist job")
		return
	}

	entry := queue.Entry{JobID: job.ID, KindCategory: kindCategoryFor(job.Kind), Priority: queue.High}
	if err := rt.deps.Queue.Enqueue(entry); err != nil {
		rt.deps.Log.Error("failed to enqueue iterated job", zap.String("job_id", job.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}

	writeJSON(w, http.StatusCreated, job)
}

func (rt *Router) listAnimations(w http.ResponseWriter, r *http.Request) {
	collectionID := chi.URLParam(r, "id")
	jobs, err := rt.deps.Store.ListAnimationsByCollection(r.Context(), collectionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list animations")
		return
	}
	var completed []*repository.Job
	for _, j := range jobs {
		if j.Status == repository.StatusCompleted {
			completed = append(completed, j)
		}
	}
	writeJSON(w, http.StatusOK, completed)
}

func kindCategoryFor(kind repository.Kind) queue.KindCategory {
	if kind == repository.KindAnimate {
		return queue.Animation
	}
	return queue.Generation
}

func randomSeed() int64 {
	return int64(rand.Uint32())
}

// saveMask decodes base64-encoded PNG mask bytes, normalizes them per
// section 6's alpha-inversion rule, writes the result under masks/, and
// returns the path for the job record's MaskPath field.
func (rt *Router) saveMask(jobID, b64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", fmt.Errorf("mask is not valid base64: %w", err)
	}
	normalized, err := imageproc.NormalizeMask(raw)
	if err != nil {
		if errors.Is(err, imageproc.ErrUnsupportedMaskFormat) {
			return "", fmt.Errorf("unsupported mask image format")
		}
		return "", fmt.Errorf("failed to process mask: %w", err)
	}

	dir := filepath.Join(rt.deps.StorageRoot, "masks")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create masks directory: %w", err)
	}
	path := filepath.Join(dir, jobID+"_mask.png")
	if err := os.WriteFile(path, normalized, 0o644); err != nil {
		return "", fmt.Errorf("failed to write mask: %w", err)
	}
	return path, nil
}

func removeArtifacts(job *repository.Job) {
	for _, p := range []string{job.ImagePath, job.ThumbnailPath, job.VideoPath, job.Params.MaskPath} {
		if p != "" {
			_ = os.Remove(p)
		}
	}
}
