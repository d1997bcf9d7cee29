// Package workflow composes node-graphs for submission to the node-graph
// worker. Templates are shared across jobs and must never be mutated in
// place; every composition deep-copies its template via a JSON round trip
// before binding per-job parameters, which is by construction correct for
// a graph whose nodes are themselves JSON-shaped.
package workflow

import (
	"fmt"
	"math"

	json "github.com/goccy/go-json"
)

// Node is a single node-graph node: a class name plus its bound inputs.
type Node struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
}

// Graph is a node-graph keyed by node id.
type Graph map[string]Node

// Kind mirrors the job kinds this composer knows how to bind.
type Kind string

const (
	KindStillTxt      Kind = "still-txt"
	KindStillInpaint  Kind = "still-inpaint"
	KindStillUpscale  Kind = "still-upscale"
	KindStillOutpaint Kind = "still-outpaint"
	KindAnimate       Kind = "animate"
)

// Params carries every generation parameter a composition might bind,
// mirroring the Job record's parameter set from section 3. Unused fields
// for a given kind are simply ignored.
type Params struct {
	Prompt         string
	NegativePrompt string
	Width          int
	Height         int
	Seed           int64
	Steps          int
	CFG            float64
	Sampler        string
	Scheduler      string
	Model          string
	LoRA           string

	SourceImageName string // filename on the worker, from a prior Upload
	MaskImageName   string
	GrowMaskBy      int
	Denoise         float64

	UpscaleFactor  float64
	UpscaleModel   string
	SharpenAmount  float64

	OutpaintLeft   int
	OutpaintRight  int
	OutpaintTop    int
	OutpaintBottom int
	OutpaintFeather int

	MotionBucket     int
	FPS              int
	DurationSeconds  float64
	SourceWidth      int
	SourceHeight     int
}

// Composer holds named node-graph templates.
type Composer struct {
	templates map[string]Graph
}

// NewComposer creates a Composer with the builtin templates registered.
func NewComposer() *Composer {
	c := &Composer{templates: make(map[string]Graph)}
	registerBuiltins(c)
	return c
}

// Register adds or replaces a named template.
func (c *Composer) Register(id string, graph Graph) {
	c.templates[id] = graph
}

// ErrUnknownTemplate is returned by Compose for an unregistered template id.
type ErrUnknownTemplate struct{ ID string }

func (e *ErrUnknownTemplate) Error() string {
	return fmt.Sprintf("workflow: unknown template %q", e.ID)
}

// deepCopy clones a Graph via JSON round trip so template mutation never
// leaks across jobs.
func deepCopy(g Graph) (Graph, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("workflow: failed to encode template: %w", err)
	}
	var out Graph
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("workflow: failed to decode template copy: %w", err)
	}
	return out, nil
}

// Compose deep-copies the named template and binds p's fields onto the
// node ids named in section 4.5's table, according to kind.
func (c *Composer) Compose(templateID string, kind Kind, p Params) (Graph, error) {
	tmpl, ok := c.templates[templateID]
	if !ok {
		return nil, &ErrUnknownTemplate{ID: templateID}
	}
	g, err := deepCopy(tmpl)
	if err != nil {
		return nil, err
	}

	bindCommon(g, p)

	switch kind {
	case KindStillTxt:
		bindTxt(g, p)
	case KindStillInpaint:
		bindInpaint(g, p)
	case KindStillOutpaint:
		bindOutpaint(g, p)
	case KindStillUpscale:
		bindUpscale(g, p)
	case KindAnimate:
		bindAnimate(g, p)
	default:
		return nil, fmt.Errorf("workflow: unsupported kind %q", kind)
	}

	return g, nil
}

func setInput(g Graph, nodeID, key string, value any) {
	n, ok := g[nodeID]
	if !ok {
		return
	}
	if n.Inputs == nil {
		n.Inputs = make(map[string]any)
	}
	n.Inputs[key] = value
	g[nodeID] = n
}

// bindCommon binds the fields present on nearly every template: sampler
// settings, prompts, checkpoint, and optional LoRA.
func bindCommon(g Graph, p Params) {
	setInput(g, "3", "seed", p.Seed)
	setInput(g, "3", "steps", p.Steps)
	setInput(g, "3", "cfg", p.CFG)
	setInput(g, "3", "sampler_name", p.Sampler)
	setInput(g, "3", "scheduler", p.Scheduler)

	setInput(g, "6", "text", p.Prompt)
	setInput(g, "7", "text", p.NegativePrompt)

	if p.Model != "" {
		setInput(g, "4", "ckpt_name", p.Model)
	}
	if p.LoRA != "" {
		for id, n := range g {
			if n.ClassType == "LoraLoader" {
				setInput(g, id, "lora_name", p.LoRA)
			}
		}
	}
}

func bindTxt(g Graph, p Params) {
	setInput(g, "5", "width", p.Width)
	setInput(g, "5", "height", p.Height)
}

func bindInpaint(g Graph, p Params) {
	setInput(g, "1", "image", p.SourceImageName)
	setInput(g, "2", "image", p.MaskImageName)
	setInput(g, "10", "grow_mask_by", p.GrowMaskBy)
	setInput(g, "3", "denoise", p.Denoise)
}

func bindOutpaint(g Graph, p Params) {
	setInput(g, "1", "image", p.SourceImageName)
	setInput(g, "2", "left", p.OutpaintLeft)
	setInput(g, "2", "right", p.OutpaintRight)
	setInput(g, "2", "top", p.OutpaintTop)
	setInput(g, "2", "bottom", p.OutpaintBottom)
	setInput(g, "2", "feathering", p.OutpaintFeather)
	setInput(g, "3", "denoise", p.Denoise)
}

func bindUpscale(g Graph, p Params) {
	setInput(g, "1", "image", p.SourceImageName)
	setInput(g, "2", "model_name", p.UpscaleModel)
	setInput(g, "4", "alpha", p.SharpenAmount)
}

func bindAnimate(g Graph, p Params) {
	setInput(g, "1", "image", p.SourceImageName)

	width, height := AnimationDimensions(p.SourceWidth, p.SourceHeight)
	frameCount := FrameCount(p.DurationSeconds, p.FPS)

	setInput(g, "3", "width", width)
	setInput(g, "3", "height", height)
	setInput(g, "3", "video_frames", frameCount)
	setInput(g, "3", "fps", p.FPS)
	setInput(g, "3", "motion_bucket_id", p.MotionBucket)
	setInput(g, "3", "augmentation_level", 0)
}

// AnimationDimensions implements the dimension computation from section 4.5:
// the long side is fixed at 1024 and the short side is scaled to preserve
// aspect ratio, rounded down to a multiple of 64, and clamped to [320, 576].
func AnimationDimensions(sourceWidth, sourceHeight int) (width, height int) {
	if sourceHeight == 0 {
		return 1024, 576
	}
	aspect := float64(sourceWidth) / float64(sourceHeight)
	if aspect >= 1 {
		h := clampMultipleOf64(1024/aspect, 320, 576)
		return 1024, h
	}
	w := clampMultipleOf64(1024*aspect, 320, 576)
	return w, 1024
}

func clampMultipleOf64(v float64, min, max int) int {
	rounded := int(math.Floor(v/64)) * 64
	if rounded < min {
		return min
	}
	if rounded > max {
		return max
	}
	return rounded
}

// FrameCount implements the frame-count formula from section 4.5: capped at
// 25 frames regardless of requested duration.
func FrameCount(durationSeconds float64, fps int) int {
	n := int(math.Floor(durationSeconds * float64(fps)))
	if n > 25 {
		return 25
	}
	return n
}
