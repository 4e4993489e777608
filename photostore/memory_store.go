package photostore

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

// MemoryStore keeps photos in process memory, each for a fixed TTL.
type MemoryStore struct {
	cache *cache.Cache
}

// NewMemoryStore creates a MemoryStore.
//
// Parameters:
//   - ttl: How long a photo is kept; cache.NoExpiration (-1) keeps it until deleted
//   - cleanupInterval: How often expired photos are purged
//
// Returns:
//   - The store
func NewMemoryStore(ttl, cleanupInterval time.Duration) *MemoryStore {
	return &MemoryStore{cache: cache.New(ttl, cleanupInterval)}
}

func (s *MemoryStore) Save(ctx context.Context, ref string, data []byte) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	if err := validateRef(ref); err != nil {
		return err
	}

	s.cache.Set(ref, data, cache.DefaultExpiration)
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, ref string) ([]byte, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}

	val, found := s.cache.Get(ref)
	if !found {
		return nil, ErrNotFound
	}

	data, ok := val.([]byte)
	if !ok {
		return nil, ErrNotFound
	}

	return data, nil
}

func (s *MemoryStore) Delete(ctx context.Context, ref string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}

	s.cache.Delete(ref)
	return nil
}

func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	if err := ctxErr(ctx); err != nil {
		return 0, err
	}

	return s.cache.ItemCount(), nil
}
