// Package repository owns the persisted Job record and its state machine.
// The entity itself mirrors the mutex-guarded, clonable aggregate pattern
// used for video-processing jobs in the broader example corpus; the store
// underneath it is backed by Postgres via sqlx.
package repository

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind is a job's generation kind.
type Kind string

const (
	KindStillTxt      Kind = "still-txt"
	KindStillInpaint  Kind = "still-inpaint"
	KindStillUpscale  Kind = "still-upscale"
	KindStillOutpaint Kind = "still-outpaint"
	KindAnimate       Kind = "animate"
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// ErrInvalidTransition is returned when an illegal state transition is attempted.
var ErrInvalidTransition = errors.New("repository: invalid state transition")

// validTransitions is the adjacency map for the state machine in section 4.10.
// processing -> pending is the explicit preemption rewind; it is driven by
// the scheduler, not by an HTTP-facing trigger, but is a legal edge all the
// same.
var validTransitions = map[Status][]Status{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusPending},
	StatusCompleted:  {},
	StatusFailed:     {},
}

func canTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Params carries every generation parameter named in section 3's Job record.
type Params struct {
	Prompt          string  `json:"prompt,omitempty"`
	NegativePrompt  string  `json:"negative_prompt,omitempty"`
	Width           int     `json:"width,omitempty"`
	Height          int     `json:"height,omitempty"`
	Seed            int64   `json:"seed"`
	Steps           int     `json:"steps,omitempty"`
	CFG             float64 `json:"cfg,omitempty"`
	Sampler         string  `json:"sampler,omitempty"`
	Scheduler       string  `json:"scheduler,omitempty"`
	Model           string  `json:"model,omitempty"`
	LoRA            string  `json:"lora,omitempty"`
	WorkflowID      string  `json:"workflow_id,omitempty"`
	SourceImagePath string  `json:"source_image_path,omitempty"`
	MaskPath        string  `json:"mask_path,omitempty"`
	Denoise         float64 `json:"denoise,omitempty"`
	GrowMaskBy      int     `json:"grow_mask_by,omitempty"`
	UpscaleFactor   float64 `json:"upscale_factor,omitempty"`
	UpscaleModel    string  `json:"upscale_model,omitempty"`
	SharpenAmount   float64 `json:"sharpen_amount,omitempty"`
	OutpaintLeft    int     `json:"outpaint_left,omitempty"`
	OutpaintRight   int     `json:"outpaint_right,omitempty"`
	OutpaintTop     int     `json:"outpaint_top,omitempty"`
	OutpaintBottom  int     `json:"outpaint_bottom,omitempty"`
	OutpaintFeather int     `json:"outpaint_feather,omitempty"`
	MotionBucket    int     `json:"motion_bucket,omitempty"`
	FPS             int     `json:"fps,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
}

// Job is the persisted generation job aggregate.
type Job struct {
	mu sync.RWMutex `json:"-"`

	ID           string `json:"id"`
	Kind         Kind   `json:"kind"`
	CollectionID string `json:"collection_id"`
	Status       Status `json:"status"`
	Progress     int    `json:"progress"`
	Error        string `json:"error,omitempty"`

	ImagePath     string `json:"image_path,omitempty"`
	ThumbnailPath string `json:"thumbnail_path,omitempty"`
	VideoPath     string `json:"video_path,omitempty"`

	ParentJobID string `json:"parent_job_id,omitempty"` // set for iterate()-spawned variations
	SourceJobID string `json:"source_job_id,omitempty"` // set for derived kinds (inpaint/upscale/outpaint/animate)

	Params Params `json:"params"`

	CorrelationID string `json:"correlation_id,omitempty"` // the worker's prompt id for the in-flight attempt

	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`

	// Version increments on every persisted mutation. It plays no part in
	// the state machine; httpapi surfaces it as an ETag so a polling reader
	// can tell two GETs apart without comparing every field.
	Version int `json:"version"`
}

// New creates a pending Job with a generated id.
func New(kind Kind, collectionID string, params Params) *Job {
	return &Job{
		ID:           uuid.NewString(),
		Kind:         kind,
		CollectionID: collectionID,
		Status:       StatusPending,
		Params:       params,
		CreatedAt:    time.Now().UTC(),
	}
}

// TransitionTo attempts to change the job's status, returning
// ErrInvalidTransition if the edge is not legal.
func (j *Job) TransitionTo(status Status) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !canTransition(j.Status, status) {
		return ErrInvalidTransition
	}
	j.Status = status
	if status == StatusCompleted || status == StatusFailed {
		j.CompletedAt = time.Now().UTC()
	}
	return nil
}

// SetProgress clamps and sets the job's progress percentage.
func (j *Job) SetProgress(progress int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	j.Progress = progress
}

// SetOutputs records the produced artifact paths.
func (j *Job) SetOutputs(imagePath, thumbnailPath, videoPath string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ImagePath = imagePath
	j.ThumbnailPath = thumbnailPath
	j.VideoPath = videoPath
}

// SetError records the failure text for a failed job.
func (j *Job) SetError(message string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Error = message
}

// SetCorrelationID records the worker's prompt id for the in-flight attempt.
func (j *Job) SetCorrelationID(id string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.CorrelationID = id
}

// GetStatus returns the current status (thread-safe read).
func (j *Job) GetStatus() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status
}

// IsTerminal reports whether the job is in a terminal state.
func (j *Job) IsTerminal() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// Clone returns a deep copy for safe concurrent reads by the HTTP layer
// while the scheduler mutates the live record.
func (j *Job) Clone() *Job {
	j.mu.RLock()
	defer j.mu.RUnlock()

	return &Job{
		ID:            j.ID,
		Kind:          j.Kind,
		CollectionID:  j.CollectionID,
		Status:        j.Status,
		Progress:      j.Progress,
		Error:         j.Error,
		ImagePath:     j.ImagePath,
		ThumbnailPath: j.ThumbnailPath,
		VideoPath:     j.VideoPath,
		ParentJobID:   j.ParentJobID,
		SourceJobID:   j.SourceJobID,
		Params:        j.Params,
		CorrelationID: j.CorrelationID,
		CreatedAt:     j.CreatedAt,
		CompletedAt:   j.CompletedAt,
		Version:       j.Version,
	}
}
