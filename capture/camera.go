// Package capture produces the photos the device sends. A Camera yields one
// JPEG per trigger, tagged with a capture reference.
package capture

import (
	"context"
	"errors"

	"github.com/cyberinferno/photoremote/orientation"
)

// ErrEmptyCapture is returned when a backend produced no bytes.
var ErrEmptyCapture = errors.New("capture: empty photo")

// Photo is one captured image. Ref identifies it in the photo store and in
// the PHOTO_TAKEN notice.
type Photo struct {
	Ref  string
	Data []byte
}

// Camera captures a single still image.
type Camera interface {
	// Capture blocks until the photo is available or ctx is done.
	Capture(ctx context.Context) (Photo, error)
}

// OrientationAware is implemented by cameras that accept the current device
// orientation as a capture target-rotation hint.
type OrientationAware interface {
	SetTargetRotation(state orientation.State)
}

// CameraFunc adapts a function to Camera.
type CameraFunc func(ctx context.Context) (Photo, error)

// Capture implements Camera.
func (f CameraFunc) Capture(ctx context.Context) (Photo, error) {
	return f(ctx)
}
