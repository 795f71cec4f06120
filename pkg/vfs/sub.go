package vfs

import (
	"context"
	"io"
	"path"

	"github.com/abyss-io/abyss/pkg/errors"
)

// Sub returns a view of the backend rooted at the given relative path.
// All operations on the view are translated before they reach the inner
// backend, so callers like the sync engine can address a pane subtree with
// paths relative to that subtree. Sub of "." is the backend itself.
func Sub(backend Backend, root string) Backend {
	root = CleanPath(root)
	if root == "." {
		return backend
	}
	return &subBackend{inner: backend, root: root}
}

type subBackend struct {
	inner Backend
	root  string
}

func (s *subBackend) join(p string) string {
	p = CleanPath(p)
	if p == "." {
		return s.root
	}
	return path.Join(s.root, p)
}

func (s *subBackend) List(ctx context.Context, p string) ([]Entry, error) {
	return s.inner.List(ctx, s.join(p))
}

func (s *subBackend) Stat(ctx context.Context, p string) (Entry, error) {
	return s.inner.Stat(ctx, s.join(p))
}

func (s *subBackend) OpenRead(ctx context.Context, p string) (io.ReadCloser, error) {
	return s.inner.OpenRead(ctx, s.join(p))
}

func (s *subBackend) OpenWrite(ctx context.Context, p string, opts WriteOptions) (FileWriter, error) {
	return s.inner.OpenWrite(ctx, s.join(p), opts)
}

func (s *subBackend) Delete(ctx context.Context, p string, recursive bool) error {
	return s.inner.Delete(ctx, s.join(p), recursive)
}

func (s *subBackend) Mkdir(ctx context.Context, p string) error {
	return s.inner.Mkdir(ctx, s.join(p))
}

func (s *subBackend) Rename(ctx context.Context, old, new string) error {
	return s.inner.Rename(ctx, s.join(old), s.join(new))
}

func (s *subBackend) Capabilities() Capabilities {
	return s.inner.Capabilities()
}

// The tree operations are forwarded so a subtree view of a bulk-capable
// backend stays bulk-capable. The inner backend's BulkTransfer capability
// tells callers whether these are usable.
func (s *subBackend) ReadTree(ctx context.Context, p string) (io.ReadCloser, error) {
	reader, ok := s.inner.(TreeReader)
	if !ok {
		return nil, errors.Unsupported{Op: "read tree"}
	}
	return reader.ReadTree(ctx, s.join(p))
}

func (s *subBackend) WriteTree(ctx context.Context, p string, archive io.Reader, size int64) error {
	writer, ok := s.inner.(TreeWriter)
	if !ok {
		return errors.Unsupported{Op: "write tree"}
	}
	return writer.WriteTree(ctx, s.join(p), archive, size)
}

func (s *subBackend) String() string {
	return s.inner.String() + "/" + s.root
}

func (s *subBackend) Close() error {
	return s.inner.Close()
}
