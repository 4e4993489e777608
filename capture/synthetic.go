package capture

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"time"

	"golang.org/x/image/draw"

	"github.com/cyberinferno/photoremote/idgenerator"
	"github.com/cyberinferno/photoremote/orientation"
)

// SyntheticCamera renders a JPEG test card: four colored quadrants, so a
// rotation is visible, and a band whose shade changes with the capture time.
type SyntheticCamera struct {
	width   int
	height  int
	quality int
	refs    *idgenerator.RefGenerator
	now     func() time.Time

	mu       sync.Mutex
	rotation orientation.State
}

// NewSyntheticCamera returns a SyntheticCamera rendering width x height
// images. Non-positive sizes fall back to 640x480.
func NewSyntheticCamera(width, height, quality int, refs *idgenerator.RefGenerator) *SyntheticCamera {
	if width <= 0 || height <= 0 {
		width, height = 640, 480
	}
	if quality <= 0 || quality > 100 {
		quality = 90
	}
	if refs == nil {
		refs = idgenerator.NewRefGenerator("")
	}

	return &SyntheticCamera{width: width, height: height, quality: quality, refs: refs, now: time.Now}
}

// SetTargetRotation implements OrientationAware.
func (c *SyntheticCamera) SetTargetRotation(state orientation.State) {
	c.mu.Lock()
	c.rotation = state
	c.mu.Unlock()
}

// TargetRotation returns the last hint received.
func (c *SyntheticCamera) TargetRotation() orientation.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rotation
}

// Capture implements Camera.
func (c *SyntheticCamera) Capture(ctx context.Context) (Photo, error) {
	if err := ctx.Err(); err != nil {
		return Photo{}, err
	}

	img := image.NewRGBA(image.Rect(0, 0, c.width, c.height))
	halfW, halfH := c.width/2, c.height/2
	quadrants := []struct {
		r image.Rectangle
		c color.RGBA
	}{
		{image.Rect(0, 0, halfW, halfH), color.RGBA{R: 220, A: 255}},
		{image.Rect(halfW, 0, c.width, halfH), color.RGBA{G: 200, A: 255}},
		{image.Rect(0, halfH, halfW, c.height), color.RGBA{B: 220, A: 255}},
		{image.Rect(halfW, halfH, c.width, c.height), color.RGBA{R: 230, G: 230, A: 255}},
	}
	for _, q := range quadrants {
		draw.Draw(img, q.r, &image.Uniform{C: q.c}, image.Point{}, draw.Src)
	}

	shade := uint8(c.now().UnixMilli() % 256)
	band := image.Rect(0, c.height-c.height/10, c.width, c.height)
	draw.Draw(img, band, &image.Uniform{C: color.Gray{Y: shade}}, image.Point{}, draw.Src)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: c.quality}); err != nil {
		return Photo{}, fmt.Errorf("jpeg encode error: %w", err)
	}

	return Photo{Ref: c.refs.Next(), Data: buf.Bytes()}, nil
}
