// Package imageproc provides the decode/resize/thumbnail/encode helpers the
// still and animation pipelines use to turn worker output bytes into the
// artifacts a job persists.
package imageproc

import (
	"bytes"
	"fmt"
	"image"
	"image/color"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
)

const (
	// ThumbnailMaxSide bounds the long side of a generated thumbnail.
	ThumbnailMaxSide = 256
	webpQuality      = 80
)

// Decode reads an encoded image (PNG, JPEG, or WebP, whichever the worker
// produced) into an image.Image.
func Decode(data []byte) (image.Image, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("imageproc: failed to decode image: %w", err)
	}
	return img, nil
}

// Thumbnail fits img within ThumbnailMaxSide on its long side, preserving
// aspect ratio, using Lanczos resampling.
func Thumbnail(img image.Image) image.Image {
	return imaging.Fit(img, ThumbnailMaxSide, ThumbnailMaxSide, imaging.Lanczos)
}

// Resize scales img to the given width and height exactly, without
// preserving aspect ratio.
func Resize(img image.Image, width, height int) image.Image {
	return imaging.Resize(img, width, height, imaging.Lanczos)
}

// EncodePNG encodes img as PNG, the format used for normalized inpaint
// masks.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("imageproc: failed to encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeWebP encodes img as a lossy WebP at quality 80, the format of both
// a still job's full-size output image and every thumbnail.
func EncodeWebP(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, &webp.Options{Lossless: false, Quality: webpQuality}); err != nil {
		return nil, fmt.Errorf("imageproc: failed to encode webp: %w", err)
	}
	return buf.Bytes(), nil
}

// GrayPlaceholder returns a uniform mid-gray image, used as an animation's
// thumbnail when the video encoder is unavailable.
func GrayPlaceholder(width, height int) image.Image {
	return imaging.New(width, height, color.Gray{Y: 128})
}

// Dimensions returns an image's width and height.
func Dimensions(img image.Image) (width, height int) {
	b := img.Bounds()
	return b.Dx(), b.Dy()
}
