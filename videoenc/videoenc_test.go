package videoenc

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestProbeMissingBinaryFails(t *testing.T) {
	e := New("/no/such/ffmpeg-binary")
	if err := e.Probe(context.Background()); err == nil {
		t.Error("expected Probe to fail for a nonexistent binary")
	}
}

func TestAvailableReflectsProbe(t *testing.T) {
	e := New("/no/such/ffmpeg-binary")
	if e.Available(context.Background()) {
		t.Error("expected Available to be false for a nonexistent binary")
	}
}

func TestWriteFrameNamingConvention(t *testing.T) {
	dir := t.TempDir()
	if err := WriteFrame(dir, 3, []byte("fake-png-bytes")); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	expected := filepath.Join(dir, "frame_00003.png")
	if _, err := os.Stat(expected); err != nil {
		t.Errorf("expected frame file at %s: %v", expected, err)
	}
}

func TestEncodeFramesMissingBinaryFails(t *testing.T) {
	dir := t.TempDir()
	_ = WriteFrame(dir, 0, []byte("x"))
	e := New("/no/such/ffmpeg-binary")
	out := filepath.Join(t.TempDir(), "out.mp4")
	if err := e.EncodeFrames(context.Background(), dir, 8, out); err == nil {
		t.Error("expected EncodeFrames to fail for a nonexistent binary")
	}
}
