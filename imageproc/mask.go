package imageproc

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/png"
)

// ErrUnsupportedMaskFormat is returned by NormalizeMask for any decoded mode
// other than grayscale (L), grayscale+alpha (LA), or RGBA — per section 6's
// resolution that unrecognized modes are an Input invalid error rather than
// a silent degrade.
var ErrUnsupportedMaskFormat = fmt.Errorf("imageproc: unsupported mask format")

// NormalizeMask decodes a client-uploaded mask PNG and produces the
// pipeline's canonical mask: RGB filled white, alpha=0 wherever the client
// painted for regeneration and alpha=255 everywhere else (the inversion
// section 6 specifies). The client signals "paint here" as:
//   - RGBA/NRGBA: alpha > 0
//   - LA: alpha > 0
//   - L (no alpha channel at all): gray value > 0, since a grayscale-only
//     mask has nothing else to encode the painted region with
//
// Any other decoded color model is rejected.
func NormalizeMask(data []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("imageproc: failed to decode mask: %w", err)
	}

	painted, err := paintedFunc(img)
	if err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	out := image.NewNRGBA(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			a := uint8(255)
			if painted(x, y) {
				a = 0
			}
			out.Set(x, y, color.NRGBA{R: 255, G: 255, B: 255, A: a})
		}
	}

	data, err = EncodePNG(out)
	if err != nil {
		return nil, fmt.Errorf("imageproc: failed to encode normalized mask: %w", err)
	}
	return data, nil
}

// paintedFunc returns a function reporting whether (x, y) falls in the
// client-painted region, dispatching on img's underlying color model.
func paintedFunc(img image.Image) (func(x, y int) bool, error) {
	switch m := img.(type) {
	case *image.NRGBA:
		return func(x, y int) bool { return m.NRGBAAt(x, y).A > 0 }, nil
	case *image.RGBA:
		return func(x, y int) bool { return m.RGBAAt(x, y).A > 0 }, nil
	case *image.Gray16:
		return func(x, y int) bool { return m.Gray16At(x, y).Y > 0 }, nil
	case *image.Gray:
		return func(x, y int) bool { return m.GrayAt(x, y).Y > 0 }, nil
	default:
		return nil, ErrUnsupportedMaskFormat
	}
}
