// Package photostore keeps captured photos by capture reference until they
// have been transferred.
package photostore

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by Load for an unknown reference.
	ErrNotFound = errors.New("photostore: photo not found")
	// ErrInvalidRef is returned for an empty reference.
	ErrInvalidRef = errors.New("photostore: invalid capture reference")
)

// Store persists photo bytes under their capture reference. References are
// opaque: any non-empty string, content URIs included, is a valid key.
type Store interface {
	// Save stores data under ref, replacing any previous photo.
	Save(ctx context.Context, ref string, data []byte) error

	// Load returns the photo stored under ref, or ErrNotFound.
	Load(ctx context.Context, ref string) ([]byte, error)

	// Delete removes the photo. Deleting an unknown ref is not an error.
	Delete(ctx context.Context, ref string) error

	// Count returns the number of stored photos.
	Count(ctx context.Context) (int, error)
}

func validateRef(ref string) error {
	if ref == "" {
		return fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}

	return nil
}

func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
