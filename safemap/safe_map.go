// Package safemap provides a small generic map guarded by a read-write mutex.
// The dispatcher uses it to track captures that are still in flight.
package safemap

import "sync"

// SafeMap is a concurrent map that is safe for use by multiple goroutines.
// The zero value is ready to use. SafeMap must not be copied after first use.
type SafeMap[K comparable, V any] struct {
	mu sync.RWMutex
	m  map[K]V
}

// NewSafeMap returns an empty SafeMap.
func NewSafeMap[K comparable, V any]() *SafeMap[K, V] {
	return &SafeMap[K, V]{m: make(map[K]V)}
}

// Store sets the value for key k, overwriting any existing value.
func (s *SafeMap[K, V]) Store(k K, v V) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.m == nil {
		s.m = make(map[K]V)
	}
	s.m[k] = v
}

// Load returns the value for k and whether it was present.
func (s *SafeMap[K, V]) Load(k K) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.m[k]
	return v, ok
}

// LoadAndDelete removes k and returns the value it held, if any.
//
// Parameters:
//   - k: The key to remove
//
// Returns:
//   - The removed value, or the zero value of V
//   - true if the key was present
func (s *SafeMap[K, V]) LoadAndDelete(k K) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.m[k]
	if ok {
		delete(s.m, k)
	}
	return v, ok
}

// Delete removes k. Deleting a missing key is a no-op.
func (s *SafeMap[K, V]) Delete(k K) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.m, k)
}

// Len returns the number of entries.
func (s *SafeMap[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.m)
}

// Range calls f for each entry on a snapshot taken under the read lock, so f
// may modify the map. Iteration stops when f returns false.
func (s *SafeMap[K, V]) Range(f func(k K, v V) bool) {
	s.mu.RLock()
	keys := make([]K, 0, len(s.m))
	values := make([]V, 0, len(s.m))
	for k, v := range s.m {
		keys = append(keys, k)
		values = append(values, v)
	}
	s.mu.RUnlock()

	for i := range keys {
		if !f(keys[i], values[i]) {
			return
		}
	}
}
