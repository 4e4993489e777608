package photostore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

const photoExt = ".jpg"

// DirStore writes one <ref>.jpg file per photo into a directory, the way a
// phone saves captures to its gallery. The reference is path-escaped, so
// "content://media/external/images/1" becomes
// "content:%2F%2Fmedia%2Fexternal%2Fimages%2F1.jpg".
type DirStore struct {
	dir string
}

// NewDirStore creates dir if needed and returns a DirStore over it.
func NewDirStore(dir string) (*DirStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create photo directory: %w", err)
	}

	return &DirStore{dir: dir}, nil
}

// Path returns the file a photo is stored in.
func (s *DirStore) Path(ref string) string {
	return filepath.Join(s.dir, url.PathEscape(ref)+photoExt)
}

// Save writes the photo through a temporary file so a reader never sees a
// partial image.
func (s *DirStore) Save(ctx context.Context, ref string, data []byte) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	if err := validateRef(ref); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, ".incoming-*")
	if err != nil {
		return fmt.Errorf("save photo %s: %w", ref, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("save photo %s: %w", ref, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save photo %s: %w", ref, err)
	}

	if err := os.Rename(tmp.Name(), s.Path(ref)); err != nil {
		return fmt.Errorf("save photo %s: %w", ref, err)
	}

	return nil
}

func (s *DirStore) Load(ctx context.Context, ref string) ([]byte, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	if err := validateRef(ref); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.Path(ref))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load photo %s: %w", ref, err)
	}

	return data, nil
}

func (s *DirStore) Delete(ctx context.Context, ref string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	if err := validateRef(ref); err != nil {
		return err
	}

	err := os.Remove(s.Path(ref))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete photo %s: %w", ref, err)
	}

	return nil
}

func (s *DirStore) Count(ctx context.Context) (int, error) {
	if err := ctxErr(ctx); err != nil {
		return 0, err
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("list photos: %w", err)
	}

	n := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), photoExt) {
			n++
		}
	}

	return n, nil
}
