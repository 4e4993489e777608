// Package idgenerator hands out connection ids and capture references.
package idgenerator

import "sync/atomic"

// Sequence generates monotonically increasing uint32 ids in a concurrency-safe
// manner. The first Next returns start+1, so 0 can mean "no id".
type Sequence struct {
	id atomic.Uint32
}

// NewSequence creates a Sequence whose first Next returns start+1.
//
// Parameters:
//   - start: The value to initialize the counter to
//
// Returns:
//   - A new Sequence
func NewSequence(start uint32) *Sequence {
	s := &Sequence{}
	s.id.Store(start)
	return s
}

// Next returns the next id.
func (s *Sequence) Next() uint32 {
	return s.id.Add(1)
}
