// Package rotation rotates captured JPEG photos so they appear upright on the
// controller. The capture pipeline leaves every photo skewed a quarter turn
// counter-clockwise, so the applied rotation is the device orientation plus a
// constant 90 degree clockwise correction.
package rotation

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"github.com/cyberinferno/photoremote/orientation"
)

// DefaultQuality is the JPEG quality used when re-encoding rotated photos.
const DefaultQuality = 90

var (
	// ErrDecode is returned (wrapped) when the source bytes are not a decodable image.
	ErrDecode = errors.New("rotation: decode failed")
	// ErrEncode is returned (wrapped) when the rotated image cannot be encoded.
	ErrEncode = errors.New("rotation: encode failed")
)

// Corrector applies the per-orientation compensating rotation. It holds no
// mutable state and is safe for concurrent use.
type Corrector struct {
	quality int
}

// NewCorrector returns a Corrector encoding at the given JPEG quality.
// Values outside 1..100 select DefaultQuality.
func NewCorrector(quality int) *Corrector {
	if quality < 1 || quality > 100 {
		quality = DefaultQuality
	}

	return &Corrector{quality: quality}
}

// ClockwiseDegrees returns the rotation Correct applies for an orientation.
//
//	Upright      -> 90
//	RotatedLeft  -> 180
//	UpsideDown   -> 270
//	RotatedRight -> 0
func ClockwiseDegrees(o orientation.State) int {
	return (o.Degrees() + 90) % 360
}

// Correct returns raw rotated for orientation o and re-encoded as JPEG.
// RotatedRight needs no rotation and returns raw itself without re-encoding.
// On failure the original bytes are returned together with an error wrapping
// ErrDecode or ErrEncode, so callers can still deliver the uncorrected photo.
//
// Parameters:
//   - raw: The captured JPEG bytes
//   - o: The device orientation at transfer time
//
// Returns:
//   - The corrected bytes, or raw on the identity path or on failure
//   - An error if decoding or encoding failed
func (c *Corrector) Correct(raw []byte, o orientation.State) ([]byte, error) {
	turns := ClockwiseDegrees(o) / 90
	if turns == 0 {
		return raw, nil
	}

	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return raw, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	rotated := Rotate(src, turns)

	var out bytes.Buffer
	out.Grow(len(raw))
	if err := jpeg.Encode(&out, rotated, &jpeg.Options{Quality: c.quality}); err != nil {
		return raw, fmt.Errorf("%w: %v", ErrEncode, err)
	}

	return out.Bytes(), nil
}

// Rotate returns src rotated clockwise by quarterTurns * 90 degrees.
func Rotate(src image.Image, quarterTurns int) *image.RGBA {
	b := src.Bounds()
	w, h := float64(b.Dx()), float64(b.Dy())

	var (
		size image.Point
		s2d  f64.Aff3
	)

	// s2d maps source coordinates (relative to b.Min) onto the destination.
	switch ((quarterTurns % 4) + 4) % 4 {
	case 1:
		size = image.Pt(b.Dy(), b.Dx())
		s2d = f64.Aff3{0, -1, h, 1, 0, 0}
	case 2:
		size = image.Pt(b.Dx(), b.Dy())
		s2d = f64.Aff3{-1, 0, w, 0, -1, h}
	case 3:
		size = image.Pt(b.Dy(), b.Dx())
		s2d = f64.Aff3{0, 1, 0, -1, 0, w}
	default:
		size = image.Pt(b.Dx(), b.Dy())
		s2d = f64.Aff3{1, 0, 0, 0, 1, 0}
	}

	// Shift so b.Min lands on the origin before the rotation.
	s2d[2] -= s2d[0]*float64(b.Min.X) + s2d[1]*float64(b.Min.Y)
	s2d[5] -= s2d[3]*float64(b.Min.X) + s2d[4]*float64(b.Min.Y)

	dst := image.NewRGBA(image.Rectangle{Max: size})
	draw.NearestNeighbor.Transform(dst, s2d, src, b, draw.Src, nil)
	return dst
}
