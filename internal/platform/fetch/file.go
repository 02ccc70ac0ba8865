package fetch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileFetcher reads artifacts from the local filesystem. Addresses take the
// form file:///absolute/path or file://relative/path; relative paths are
// resolved against root.
type FileFetcher struct {
	root string
}

// NewFileFetcher creates a FileFetcher rooted at root. An empty root means
// the process working directory.
func NewFileFetcher(root string) *FileFetcher {
	return &FileFetcher{root: root}
}

// Fetch reads the file named by address.
func (f *FileFetcher) Fetch(ctx context.Context, address string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, contextFailure(address, err)
	}

	path, ok := strings.CutPrefix(address, "file://")
	if !ok || path == "" {
		return nil, fmt.Errorf("fetch %s: %w: expected file:// address", address, ErrUnsupportedScheme)
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(f.root, path)
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("fetch %s: %w", address, ErrNotFound)
	case err != nil:
		return nil, fmt.Errorf("fetch %s: %w: %v", address, ErrNetwork, err)
	}
	return data, nil
}
