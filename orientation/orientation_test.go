package orientation

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTracker_Update(t *testing.T) {
	tests := []struct {
		name    string
		x, y, z float64
		want    State
	}{
		{name: "y above threshold is upright", x: 0, y: 9.8, want: Upright},
		{name: "x above threshold is rotated right", x: 9.8, y: 0, want: RotatedRight},
		{name: "y below negative threshold is upside down", x: 0, y: -9.8, want: UpsideDown},
		{name: "x below negative threshold is rotated left", x: -9.8, y: 0, want: RotatedLeft},
		{name: "y wins over x when both exceed", x: 9.8, y: 6, want: Upright},
		{name: "x wins over negative y", x: 6, y: -9.8, want: RotatedRight},
		{name: "negative y wins over negative x", x: -9.8, y: -6, want: UpsideDown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTracker(DefaultThreshold)
			tr.Update(0, 0, 9.8) // dead band, stays upright
			got := tr.Update(tt.x, tt.y, tt.z)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want, tr.Current())
		})
	}
}

func TestTracker_UprightRegardlessOfPriorState(t *testing.T) {
	for _, prior := range []State{Upright, RotatedLeft, UpsideDown, RotatedRight} {
		t.Run(prior.String(), func(t *testing.T) {
			tr := NewTracker(DefaultThreshold)
			tr.current = prior
			assert.Equal(t, Upright, tr.Update(-20, 5.01, 0))
		})
	}
}

func TestTracker_Hysteresis(t *testing.T) {
	t.Run("threshold is exclusive", func(t *testing.T) {
		tr := NewTracker(DefaultThreshold)
		tr.Update(9.8, 0, 0)
		assert.Equal(t, RotatedRight, tr.Update(0, 5.0, 0))
		assert.Equal(t, RotatedRight, tr.Update(-5.0, -5.0, 0))
	})

	t.Run("samples inside the dead band keep the last state", func(t *testing.T) {
		tr := NewTracker(DefaultThreshold)
		tr.Update(-9.8, 0, 0)
		for i := 0; i < 50; i++ {
			assert.Equal(t, RotatedLeft, tr.Update(3.5, 4.9, 7))
		}
	})

	t.Run("identical samples never change a stable state", func(t *testing.T) {
		tr := NewTracker(DefaultThreshold)
		changes := 0
		tr.OnChange(func(State) { changes++ })

		tr.Update(0, -9.8, 0)
		for i := 0; i < 20; i++ {
			tr.Update(0, -9.8, 0)
		}
		assert.Equal(t, 1, changes)
		assert.Equal(t, UpsideDown, tr.Current())
	})
}

func TestTracker_OnChange(t *testing.T) {
	tr := NewTracker(0)
	var got []State
	tr.OnChange(func(s State) { got = append(got, s) })
	tr.OnChange(nil)

	tr.Update(0, 9.8, 0) // already upright, no event
	tr.Update(9.8, 0, 0)
	tr.Update(9.8, 0, 0)
	tr.Update(0, -9.8, 0)
	tr.Update(1, 1, 1)
	tr.Update(-9.8, 0, 0)

	assert.Equal(t, []State{RotatedRight, UpsideDown, RotatedLeft}, got)
}

func TestTracker_CustomThreshold(t *testing.T) {
	tr := NewTracker(2)
	assert.Equal(t, RotatedRight, tr.Update(2.5, 0, 0))

	def := NewTracker(-1)
	assert.Equal(t, Upright, def.Update(2.5, 0, 0))
}

func TestTracker_Concurrent(t *testing.T) {
	tr := NewTracker(DefaultThreshold)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			if i%2 == 0 {
				tr.Update(9.8, 0, 0)
			} else {
				tr.Update(0, 9.8, 0)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			assert.True(t, tr.Current().Valid())
		}
	}()
	wg.Wait()
}

func TestState(t *testing.T) {
	assert.Equal(t, 0, Upright.Degrees())
	assert.Equal(t, 90, RotatedLeft.Degrees())
	assert.Equal(t, 180, UpsideDown.Degrees())
	assert.Equal(t, 270, RotatedRight.Degrees())
	assert.Equal(t, "rotated-right", RotatedRight.String())
	assert.Equal(t, "unknown(45)", State(45).String())
	assert.False(t, State(45).Valid())
}
