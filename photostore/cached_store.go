package photostore

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// CachedStore fronts a slower Store with an in-memory cache. Concurrent loads
// of the same ref that miss the cache share one backing load.
type CachedStore struct {
	backing Store
	cache   *cache.Cache
	group   singleflight.Group
}

// NewCachedStore wraps backing with a cache holding each photo for ttl.
func NewCachedStore(backing Store, ttl time.Duration) *CachedStore {
	return &CachedStore{
		backing: backing,
		cache:   cache.New(ttl, 2*ttl),
	}
}

// Save writes through to the backing store, then caches the photo.
func (s *CachedStore) Save(ctx context.Context, ref string, data []byte) error {
	if err := s.backing.Save(ctx, ref, data); err != nil {
		return err
	}

	s.cache.Set(ref, data, cache.DefaultExpiration)
	return nil
}

func (s *CachedStore) Load(ctx context.Context, ref string) ([]byte, error) {
	if val, found := s.cache.Get(ref); found {
		if data, ok := val.([]byte); ok {
			return data, nil
		}
	}

	val, err, _ := s.group.Do(ref, func() (any, error) {
		if cached, found := s.cache.Get(ref); found {
			return cached, nil
		}

		data, err := s.backing.Load(ctx, ref)
		if err != nil {
			return nil, err
		}

		s.cache.Set(ref, data, cache.DefaultExpiration)
		return data, nil
	})
	if err != nil {
		return nil, err
	}

	data, _ := val.([]byte)
	return data, nil
}

func (s *CachedStore) Delete(ctx context.Context, ref string) error {
	s.cache.Delete(ref)
	return s.backing.Delete(ctx, ref)
}

func (s *CachedStore) Count(ctx context.Context) (int, error) {
	return s.backing.Count(ctx)
}
