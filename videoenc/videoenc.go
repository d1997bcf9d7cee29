// Package videoenc wraps the ffmpeg binary to assemble the still frames a
// node-graph worker animation run produces into a single video container.
// It shells out rather than binding a codec library directly, the same
// tradeoff the broader transcoding examples in the corpus make.
package videoenc

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// Encoder runs ffmpeg against a directory of sequentially numbered frames.
type Encoder struct {
	ffmpegPath string
}

// New creates an Encoder that invokes the ffmpeg binary at path.
func New(path string) *Encoder {
	if path == "" {
		path = "ffmpeg"
	}
	return &Encoder{ffmpegPath: path}
}

// Probe verifies the configured ffmpeg binary is reachable and runnable.
// Callers treat a Probe failure as a degraded-mode warning rather than a
// startup failure: a scheduler with no animate jobs queued can run fine
// without ever encoding video.
func (e *Encoder) Probe(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, e.ffmpegPath, "-version")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("videoenc: ffmpeg not usable at %q: %w", e.ffmpegPath, err)
	}
	return nil
}

// Available reports whether the configured ffmpeg binary is currently
// usable, swallowing the underlying error. Callers use this to decide
// between a thumbnail built from the first frame and a degraded-mode
// placeholder (section 4.7 step 9), rather than treating a missing output
// file as the trigger.
func (e *Encoder) Available(ctx context.Context) bool {
	return e.Probe(ctx) == nil
}

// EncodeFrames assembles the PNG frames in framesDir (named frame_%05d.png)
// into an H.264 MP4 (CRF 18, yuv420p) at outputPath, played at the given
// frames-per-second rate.
func (e *Encoder) EncodeFrames(ctx context.Context, framesDir string, fps int, outputPath string) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return fmt.Errorf("videoenc: failed to create output directory: %w", err)
	}

	pattern := filepath.Join(framesDir, "frame_%05d.png")
	args := []string{
		"-y",
		"-framerate", fmt.Sprintf("%d", fps),
		"-i", pattern,
		"-c:v", "libx264",
		"-crf", "18",
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		outputPath,
	}

	cmd := exec.CommandContext(ctx, e.ffmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("videoenc: ffmpeg encode failed: %w: %s", err, stderr.String())
	}
	return nil
}

// WriteFrame persists a single decoded frame's bytes to framesDir under the
// naming convention EncodeFrames expects.
func WriteFrame(framesDir string, index int, data []byte) error {
	if err := os.MkdirAll(framesDir, 0o755); err != nil {
		return fmt.Errorf("videoenc: failed to create frames directory: %w", err)
	}
	path := filepath.Join(framesDir, fmt.Sprintf("frame_%05d.png", index))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("videoenc: failed to write frame %d: %w", index, err)
	}
	return nil
}
