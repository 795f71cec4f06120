// Package local implements the vfs.Backend contract on top of a local
// directory tree.
package local

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/abyss-io/abyss/pkg/errors"
	"github.com/abyss-io/abyss/pkg/vfs"
)

// Backend serves a subtree of the local filesystem rooted at a directory.
type Backend struct {
	fs   afero.Fs
	root string
}

// New returns a local backend rooted at the given directory.
func New(root string) (*Backend, error) {
	return NewWithFs(afero.NewOsFs(), root)
}

// NewWithFs returns a local backend on top of the given afero filesystem.
// Tests use this with an in-memory filesystem.
func NewWithFs(fs afero.Fs, root string) (*Backend, error) {
	fi, err := fs.Stat(root)
	if err != nil {
		return nil, mapErr(err, root)
	}
	if !fi.IsDir() {
		return nil, errors.New("local backend root must be a directory")
	}
	return &Backend{fs: fs, root: root}, nil
}

// Capabilities reports the full local filesystem capability set.
func (b *Backend) Capabilities() vfs.Capabilities {
	return vfs.Capabilities{
		Streaming:    true,
		Append:       true,
		Permissions:  true,
		Rename:       true,
		BulkTransfer: true,
	}
}

func (b *Backend) String() string {
	return "local:" + b.root
}

// Close is a no-op for the local backend.
func (b *Backend) Close() error {
	return nil
}

func (b *Backend) abs(rel string) string {
	return filepath.Join(b.root, filepath.FromSlash(vfs.CleanPath(rel)))
}

// List returns the entries directly under the given path.
func (b *Backend) List(ctx context.Context, rel string) ([]vfs.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.ErrCancelled
	}

	rel = vfs.CleanPath(rel)
	infos, err := afero.ReadDir(b.fs, b.abs(rel))
	if err != nil {
		return nil, mapErr(err, rel)
	}

	var entries []vfs.Entry
	for _, fi := range infos {
		entryPath := fi.Name()
		if rel != "." {
			entryPath = path.Join(rel, fi.Name())
		}
		entries = append(entries, toEntry(entryPath, fi))
	}
	return entries, nil
}

// Stat returns the metadata for a single path.
func (b *Backend) Stat(ctx context.Context, rel string) (vfs.Entry, error) {
	if err := ctx.Err(); err != nil {
		return vfs.Entry{}, errors.ErrCancelled
	}

	rel = vfs.CleanPath(rel)
	fi, err := b.fs.Stat(b.abs(rel))
	if err != nil {
		return vfs.Entry{}, mapErr(err, rel)
	}
	return toEntry(rel, fi), nil
}

// OpenRead returns a stream of the file contents.
func (b *Backend) OpenRead(ctx context.Context, rel string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.ErrCancelled
	}

	f, err := b.fs.Open(b.abs(rel))
	if err != nil {
		return nil, mapErr(err, rel)
	}
	return f, nil
}

// OpenWrite stages the contents in a temporary file next to the target, and
// renames it into place on Commit so that readers never observe a partial
// file.
func (b *Backend) OpenWrite(ctx context.Context, rel string, opts vfs.WriteOptions) (vfs.FileWriter, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.ErrCancelled
	}

	target := b.abs(rel)
	if err := b.fs.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return nil, mapErr(err, rel)
	}

	tmp, err := afero.TempFile(b.fs, filepath.Dir(target), ".abyss-staged-*")
	if err != nil {
		return nil, mapErr(err, rel)
	}

	if opts.Mode != 0 {
		if err := b.fs.Chmod(tmp.Name(), opts.Mode); err != nil {
			tmp.Close()
			b.fs.Remove(tmp.Name())
			return nil, mapErr(err, rel)
		}
	}
	return &stagedWriter{fs: b.fs, file: tmp, target: target, relPath: rel, modTime: opts.ModTime}, nil
}

// Delete removes a path. Deleting a non-empty directory requires recursive.
func (b *Backend) Delete(ctx context.Context, rel string, recursive bool) error {
	if err := ctx.Err(); err != nil {
		return errors.ErrCancelled
	}

	abs := b.abs(rel)
	fi, err := b.fs.Stat(abs)
	if err != nil {
		return mapErr(err, rel)
	}

	if recursive {
		return mapErr(b.fs.RemoveAll(abs), rel)
	}
	if fi.IsDir() {
		infos, err := afero.ReadDir(b.fs, abs)
		if err != nil {
			return mapErr(err, rel)
		}
		if len(infos) > 0 {
			return errors.Transport{Err: errors.New("directory not empty: " + rel)}
		}
	}
	return mapErr(b.fs.Remove(abs), rel)
}

// Mkdir creates a directory, including missing parents.
func (b *Backend) Mkdir(ctx context.Context, rel string) error {
	if err := ctx.Err(); err != nil {
		return errors.ErrCancelled
	}
	return mapErr(b.fs.MkdirAll(b.abs(rel), 0755), rel)
}

// Rename moves old to new within the backend root.
func (b *Backend) Rename(ctx context.Context, old, new string) error {
	if err := ctx.Err(); err != nil {
		return errors.ErrCancelled
	}
	return mapErr(b.fs.Rename(b.abs(old), b.abs(new)), old)
}

type stagedWriter struct {
	fs      afero.Fs
	file    afero.File
	target  string
	relPath string
	modTime time.Time
	done    bool
}

func (w *stagedWriter) Write(p []byte) (int, error) {
	n, err := w.file.Write(p)
	if err != nil {
		return n, mapErr(err, w.relPath)
	}
	return n, nil
}

func (w *stagedWriter) Commit() error {
	if w.done {
		return nil
	}
	w.done = true

	if err := w.file.Close(); err != nil {
		w.fs.Remove(w.file.Name())
		return mapErr(err, w.relPath)
	}
	if err := w.fs.Rename(w.file.Name(), w.target); err != nil {
		w.fs.Remove(w.file.Name())
		return mapErr(err, w.relPath)
	}
	if !w.modTime.IsZero() {
		if err := w.fs.Chtimes(w.target, w.modTime, w.modTime); err != nil {
			return mapErr(err, w.relPath)
		}
	}
	return nil
}

func (w *stagedWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true

	w.file.Close()
	return w.fs.Remove(w.file.Name())
}

func toEntry(rel string, fi os.FileInfo) vfs.Entry {
	kind := vfs.KindFile
	switch {
	case fi.IsDir():
		kind = vfs.KindDir
	case fi.Mode()&os.ModeSymlink != 0:
		kind = vfs.KindSymlink
	}

	return vfs.Entry{
		Path:    vfs.CleanPath(rel),
		Kind:    kind,
		Size:    fi.Size(),
		ModTime: fi.ModTime(),
		Mode:    fi.Mode() & os.ModePerm,
	}
}

func mapErr(err error, path string) error {
	switch {
	case err == nil:
		return nil
	case os.IsNotExist(err):
		return errors.NotFound{Path: path}
	case os.IsPermission(err):
		return errors.PermissionDenied{Path: path}
	case os.IsExist(err):
		return errors.AlreadyExists{Path: path}
	default:
		return errors.Transport{Err: err}
	}
}
