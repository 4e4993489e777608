package idgenerator

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequence(t *testing.T) {
	t.Run("first id is start plus one", func(t *testing.T) {
		assert.Equal(t, uint32(1), NewSequence(0).Next())
		assert.Equal(t, uint32(101), NewSequence(100).Next())
	})

	t.Run("wraps at max uint32", func(t *testing.T) {
		assert.Equal(t, uint32(0), NewSequence(^uint32(0)).Next())
	})

	t.Run("concurrent ids are unique", func(t *testing.T) {
		s := NewSequence(0)
		const n = 500
		ids := make([]uint32, n)
		var wg sync.WaitGroup
		wg.Add(n)
		for i := 0; i < n; i++ {
			go func(idx int) {
				defer wg.Done()
				ids[idx] = s.Next()
			}(i)
		}
		wg.Wait()

		seen := make(map[uint32]bool, n)
		for _, id := range ids {
			assert.False(t, seen[id], "duplicate id %d", id)
			seen[id] = true
		}
		assert.Len(t, seen, n)
	})
}

func TestRefGenerator(t *testing.T) {
	t.Run("formats timestamp sequence and suffix", func(t *testing.T) {
		g := NewRefGenerator("cap-")
		g.now = func() time.Time { return time.Date(2026, 10, 14, 16, 5, 9, 123_000_000, time.UTC) }
		g.random = func() string { return "abcdef12" }

		assert.Equal(t, "cap-2026-10-14-16-05-09-123-1-abcdef12", g.Next())
		assert.Equal(t, "cap-2026-10-14-16-05-09-123-2-abcdef12", g.Next())
	})

	t.Run("default suffix comes from a uuid", func(t *testing.T) {
		ref := NewRefGenerator("").Next()
		parts := strings.Split(ref, "-")
		require.Len(t, parts, 9)
		assert.Len(t, parts[8], 8)
	})

	t.Run("references are unique", func(t *testing.T) {
		g := NewRefGenerator("")
		seen := make(map[string]bool)
		for i := 0; i < 100; i++ {
			ref := g.Next()
			assert.False(t, seen[ref])
			seen[ref] = true
		}
	})
}
