package photostore

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseStore runs the behavior every Store must share.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Save(ctx, "ref-1", []byte("one")))
	require.NoError(t, s.Save(ctx, "ref-2", []byte("two")))

	data, err := s.Load(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), data)

	require.NoError(t, s.Save(ctx, "ref-1", []byte("uno")))
	data, err = s.Load(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("uno"), data)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, s.Delete(ctx, "ref-1"))
	require.NoError(t, s.Delete(ctx, "ref-1"))
	_, err = s.Load(ctx, "ref-1")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.Save(ctx, "", []byte("x")), ErrInvalidRef)
}

func TestStores_OpaqueReferences(t *testing.T) {
	refs := []string{
		"content://media/external/images/1",
		`C:\DCIM\IMG_0001.jpg`,
		"../escape",
		"..",
		"100%",
		"photo 1?x=y#z",
	}

	stores := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore(time.Minute, time.Minute) },
		"dir": func(t *testing.T) Store {
			s, err := NewDirStore(t.TempDir())
			require.NoError(t, err)
			return s
		},
		"cached memory": func(t *testing.T) Store {
			return NewCachedStore(NewMemoryStore(time.Minute, time.Minute), time.Minute)
		},
		"cached dir": func(t *testing.T) Store {
			s, err := NewDirStore(t.TempDir())
			require.NoError(t, err)
			return NewCachedStore(s, time.Minute)
		},
	}

	for name, build := range stores {
		t.Run(name, func(t *testing.T) {
			s := build(t)
			ctx := context.Background()

			for i, ref := range refs {
				require.NoError(t, s.Save(ctx, ref, []byte{byte(i)}), ref)
			}

			n, err := s.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, len(refs), n)

			for i, ref := range refs {
				data, err := s.Load(ctx, ref)
				require.NoError(t, err, ref)
				assert.Equal(t, []byte{byte(i)}, data, ref)
			}

			for _, ref := range refs {
				require.NoError(t, s.Delete(ctx, ref), ref)
				_, err := s.Load(ctx, ref)
				assert.ErrorIs(t, err, ErrNotFound, ref)
			}
		})
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore(cache.NoExpiration, time.Minute))

	t.Run("expires photos", func(t *testing.T) {
		s := NewMemoryStore(20*time.Millisecond, time.Minute)
		require.NoError(t, s.Save(context.Background(), "r", []byte("x")))
		require.Eventually(t, func() bool {
			_, err := s.Load(context.Background(), "r")
			return err == ErrNotFound
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		s := NewMemoryStore(cache.NoExpiration, time.Minute)
		assert.ErrorIs(t, s.Save(ctx, "r", nil), context.Canceled)
		_, err := s.Count(ctx)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestDirStore(t *testing.T) {
	dir := t.TempDir()
	s, err := NewDirStore(dir)
	require.NoError(t, err)

	exerciseStore(t, s)

	t.Run("files are named after the reference", func(t *testing.T) {
		require.NoError(t, s.Save(context.Background(), "2026-01-02-03-04-05-006-1-abcd", []byte("jpeg")))
		data, err := os.ReadFile(s.Path("2026-01-02-03-04-05-006-1-abcd"))
		require.NoError(t, err)
		assert.Equal(t, "jpeg", string(data))

		assert.Equal(t, filepath.Join(dir, "content:%2F%2Fmedia%2Fexternal%2Fimages%2F1.jpg"), s.Path("content://media/external/images/1"))

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		for _, e := range entries {
			assert.NotContains(t, e.Name(), ".incoming-")
		}
	})
}

// countingStore counts backing loads.
type countingStore struct {
	Store
	loads atomic.Int32
	delay time.Duration
}

func (c *countingStore) Load(ctx context.Context, ref string) ([]byte, error) {
	c.loads.Add(1)
	time.Sleep(c.delay)
	return c.Store.Load(ctx, ref)
}

func TestCachedStore(t *testing.T) {
	exerciseStore(t, NewCachedStore(NewMemoryStore(cache.NoExpiration, time.Minute), time.Minute))

	t.Run("coalesces concurrent loads", func(t *testing.T) {
		backing := &countingStore{Store: NewMemoryStore(cache.NoExpiration, time.Minute), delay: 20 * time.Millisecond}
		require.NoError(t, backing.Save(context.Background(), "r", []byte("photo")))

		s := NewCachedStore(backing, time.Minute)

		var wg sync.WaitGroup
		for range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				data, err := s.Load(context.Background(), "r")
				assert.NoError(t, err)
				assert.Equal(t, []byte("photo"), data)
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), backing.loads.Load())

		_, err := s.Load(context.Background(), "r")
		require.NoError(t, err)
		assert.Equal(t, int32(1), backing.loads.Load())
	})

	t.Run("saved photos load from cache", func(t *testing.T) {
		backing := &countingStore{Store: NewMemoryStore(cache.NoExpiration, time.Minute)}
		s := NewCachedStore(backing, time.Minute)

		require.NoError(t, s.Save(context.Background(), "r", []byte("photo")))
		_, err := s.Load(context.Background(), "r")
		require.NoError(t, err)
		assert.Equal(t, int32(0), backing.loads.Load())
	})

	t.Run("backing errors are not cached", func(t *testing.T) {
		backing := &countingStore{Store: NewMemoryStore(cache.NoExpiration, time.Minute)}
		s := NewCachedStore(backing, time.Minute)

		_, err := s.Load(context.Background(), "r")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.Load(context.Background(), "r")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Equal(t, int32(2), backing.loads.Load())
	})
}

func TestRedisStore_Unreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	s := NewRedisStore(client, "test:", time.Minute)
	assert.Equal(t, "test:abc", s.key("abc"))

	ctx := context.Background()
	err := s.Save(ctx, "abc", []byte("x"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidRef)

	_, err = s.Load(ctx, "abc")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)

	_, err = s.Count(ctx)
	assert.Error(t, err)

	assert.Equal(t, "test:content://media/external/images/1", s.key("content://media/external/images/1"))
	err = s.Save(ctx, "content://media/external/images/1", []byte("x"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidRef)

	assert.ErrorIs(t, s.Save(ctx, "", nil), ErrInvalidRef)
}
