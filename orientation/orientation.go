// Package orientation turns raw accelerometer samples into one of four
// discrete device orientations, with a dead band around the axis boundaries
// so a device held at an angle does not flicker between states.
package orientation

import (
	"fmt"
	"sync"
)

// State is a discrete device orientation. Its value is the rotation angle in degrees.
type State int

const (
	Upright      State = 0   // Portrait, top edge up
	RotatedLeft  State = 90  // Landscape, rotated to the left
	UpsideDown   State = 180 // Portrait, top edge down
	RotatedRight State = 270 // Landscape, rotated to the right
)

// DefaultThreshold is the axis magnitude a sample must exceed to change state.
const DefaultThreshold = 5.0

// Degrees returns the rotation angle of the state.
func (s State) Degrees() int {
	return int(s)
}

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case Upright:
		return "upright"
	case RotatedLeft:
		return "rotated-left"
	case UpsideDown:
		return "upside-down"
	case RotatedRight:
		return "rotated-right"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Valid reports whether s is one of the four defined states.
func (s State) Valid() bool {
	switch s {
	case Upright, RotatedLeft, UpsideDown, RotatedRight:
		return true
	}
	return false
}

// ChangeHandler is called with the new state after every orientation change.
// Handlers run on the goroutine that called Update and must not block.
type ChangeHandler func(State)

// Tracker holds the current orientation and updates it from samples.
// It is safe for concurrent use: the sensor goroutine calls Update while
// transfer workers call Current.
type Tracker struct {
	threshold float64

	mu       sync.RWMutex
	current  State
	handlers []ChangeHandler
}

// NewTracker returns a Tracker starting in Upright. A non-positive threshold
// selects DefaultThreshold.
func NewTracker(threshold float64) *Tracker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	return &Tracker{threshold: threshold, current: Upright}
}

// OnChange registers a handler for orientation changes.
func (t *Tracker) OnChange(handler ChangeHandler) {
	if handler == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = append(t.handlers, handler)
}

// Current returns the current orientation.
func (t *Tracker) Current() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

// Update consumes one accelerometer sample and returns the resulting state.
// The first matching rule wins:
//
//	y >  T -> Upright
//	x >  T -> RotatedRight
//	y < -T -> UpsideDown
//	x < -T -> RotatedLeft
//
// A sample matching no rule leaves the state untouched. z is accepted for
// completeness and ignored.
//
// Parameters:
//   - x, y, z: Gravity-projected axis magnitudes
//
// Returns:
//   - The current state after applying the sample
func (t *Tracker) Update(x, y, z float64) State {
	next, ok := classify(x, y, t.threshold)

	t.mu.Lock()
	if !ok || next == t.current {
		current := t.current
		t.mu.Unlock()
		return current
	}

	t.current = next
	handlers := append([]ChangeHandler(nil), t.handlers...)
	t.mu.Unlock()

	for _, h := range handlers {
		h(next)
	}

	return next
}

func classify(x, y, threshold float64) (State, bool) {
	switch {
	case y > threshold:
		return Upright, true
	case x > threshold:
		return RotatedRight, true
	case y < -threshold:
		return UpsideDown, true
	case x < -threshold:
		return RotatedLeft, true
	default:
		return 0, false
	}
}
