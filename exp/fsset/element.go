package fsset

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/chenyanchen/difftree"
	"golang.org/x/sync/singleflight"
)

// loader reads file content on demand. Concurrent loads of one path share a
// single read.
type loader struct {
	group singleflight.Group
}

func (l *loader) element(name string, f fileInfo) difftree.Element {
	if f.dir {
		return difftree.Folder(name)
	}
	return &fileElement{name: name, path: f.path, size: f.size, hash: f.hash, loader: l}
}

func (l *loader) load(ctx context.Context, p string) ([]byte, error) {
	ch := l.group.DoChan(p, func() (any, error) {
		return os.ReadFile(p)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return bytes.Clone(res.Val.([]byte)), nil
	}
}

// FileElement is implemented by the elements of regular files.
type FileElement interface {
	difftree.ContentElement
	Path() string
	Size() int64
	Hash() string
}

// fileElement is one regular file on one side of the comparison.
type fileElement struct {
	name   string
	path   string
	size   int64
	hash   string
	loader *loader
}

func (e *fileElement) Name() string { return e.name }

func (e *fileElement) Type() string {
	return strings.TrimPrefix(filepath.Ext(e.name), ".")
}

// Content reads the file as it is now, which may differ from the scanned
// version.
func (e *fileElement) Content(ctx context.Context) ([]byte, error) {
	return e.loader.load(ctx, e.path)
}

// Path returns the file's location on disk.
func (e *fileElement) Path() string { return e.path }

// Size returns the size seen by the last scan.
func (e *fileElement) Size() int64 { return e.size }

// Hash returns the hex sha256 seen by the last scan.
func (e *fileElement) Hash() string { return e.hash }
