package capture

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cyberinferno/photoremote/idgenerator"
)

// DirectoryCamera returns the JPEG files of a directory in name order,
// starting over after the last one. The listing is refreshed on every capture.
type DirectoryCamera struct {
	dir  string
	refs *idgenerator.RefGenerator

	mu   sync.Mutex
	next int
}

// NewDirectoryCamera returns a DirectoryCamera reading from dir.
func NewDirectoryCamera(dir string, refs *idgenerator.RefGenerator) *DirectoryCamera {
	if refs == nil {
		refs = idgenerator.NewRefGenerator("")
	}

	return &DirectoryCamera{dir: dir, refs: refs}
}

// Capture implements Camera.
func (c *DirectoryCamera) Capture(ctx context.Context) (Photo, error) {
	if err := ctx.Err(); err != nil {
		return Photo{}, err
	}

	files, err := c.list()
	if err != nil {
		return Photo{}, err
	}
	if len(files) == 0 {
		return Photo{}, fmt.Errorf("no jpeg files in %s", c.dir)
	}

	c.mu.Lock()
	name := files[c.next%len(files)]
	c.next++
	c.mu.Unlock()

	data, err := os.ReadFile(name)
	if err != nil {
		return Photo{}, fmt.Errorf("read %s: %w", filepath.Base(name), err)
	}
	if len(data) == 0 {
		return Photo{}, fmt.Errorf("%s: %w", filepath.Base(name), ErrEmptyCapture)
	}

	return Photo{Ref: c.refs.Next(), Data: data}, nil
}

func (c *DirectoryCamera) list() ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("read photo directory: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg":
			files = append(files, filepath.Join(c.dir, e.Name()))
		}
	}
	sort.Strings(files)

	return files, nil
}
