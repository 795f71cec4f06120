// Package vfs defines the storage backend contract shared by every pane.
// A Backend hides where the bytes live -- local disk, a volume mounted by a
// helper pod, or an object store -- behind one operation set, so that the
// scanner, the sync engine, and the CLI never special-case a storage system.
package vfs

import (
	"context"
	"io"
	"os"
	"path"
	"strings"
	"time"
)

// EntryKind is the type of a filesystem object.
type EntryKind string

const (
	KindFile    EntryKind = "file"
	KindDir     EntryKind = "dir"
	KindSymlink EntryKind = "symlink"
)

// Entry is the metadata for one filesystem object.
// Path is always relative to the backend root and slash-separated, no matter
// which backend produced it. Two entries with equal Path on the same backend
// refer to the same object.
type Entry struct {
	Path    string
	Kind    EntryKind
	Size    int64
	ModTime time.Time

	// Mode is only meaningful on backends whose Capabilities report
	// Permissions.
	Mode os.FileMode

	// ContentsHash is the base64 sha512 of the file contents. It's filled in
	// lazily, since computing it requires reading the whole file.
	ContentsHash string
}

// IsDir returns whether the entry is a directory.
func (e Entry) IsDir() bool {
	return e.Kind == KindDir
}

// Capabilities declares what a backend can do. Callers must consult these
// before choosing a strategy: for example, the sync engine falls back to
// copy+delete when Rename is false.
type Capabilities struct {
	Streaming   bool
	Append      bool
	Permissions bool
	Rename      bool

	// BulkTransfer means the backend also implements TreeReader and
	// TreeWriter, so a whole subtree can move as one archive instead of
	// one round trip per file.
	BulkTransfer bool
}

// WriteOptions are hints for OpenWrite.
type WriteOptions struct {
	// Mode is applied to the destination file if the backend supports
	// permissions. Zero means the backend default.
	Mode os.FileMode

	// ModTime, when non-zero, is stamped onto the destination after the
	// write commits. Sync relies on this to keep mtime comparisons stable
	// across runs.
	ModTime time.Time

	// Size is the expected number of bytes, or -1 if unknown. It's a hint
	// only: backends that frame the payload length on the wire measure the
	// staged data at commit time rather than trusting it.
	Size int64
}

// FileWriter is the sink returned by OpenWrite. Written data must not be
// visible at the destination path until Commit returns; Abort discards any
// partially written output.
type FileWriter interface {
	io.Writer

	// Commit finalizes the write, making the data visible atomically.
	Commit() error

	// Abort discards the write. Calling Abort after Commit is a no-op.
	Abort() error
}

// Backend is the uniform operation set each storage system implements.
// All paths are relative to the backend root and slash-separated. Every
// operation fails with an error from the pkg/errors taxonomy.
type Backend interface {
	// List returns the entries directly under path (one level).
	List(ctx context.Context, path string) ([]Entry, error)

	// Stat returns the metadata for a single path.
	Stat(ctx context.Context, path string) (Entry, error)

	// OpenRead returns a single-pass stream of the file contents.
	OpenRead(ctx context.Context, path string) (io.ReadCloser, error)

	// OpenWrite returns a sink for the file contents. See FileWriter for the
	// atomicity contract.
	OpenWrite(ctx context.Context, path string, opts WriteOptions) (FileWriter, error)

	// Delete removes a path. Non-empty directories require recursive.
	Delete(ctx context.Context, path string, recursive bool) error

	// Mkdir creates a directory, including missing parents.
	Mkdir(ctx context.Context, path string) error

	// Rename moves old to new within the backend. Backends whose
	// Capabilities report Rename false return Unsupported.
	Rename(ctx context.Context, old, new string) error

	// Capabilities returns the backend's declared capability flags.
	Capabilities() Capabilities

	// String identifies the backend for display and snapshot tagging.
	String() string

	// Close releases any resources held by the backend, including tearing
	// down remote helper workloads.
	Close() error
}

// TreeReader is the bulk read side of a backend: the subtree at path is
// serialized as a single tar stream. Backends advertise it with the
// BulkTransfer capability.
type TreeReader interface {
	ReadTree(ctx context.Context, path string) (io.ReadCloser, error)
}

// TreeWriter is the bulk write side: the tar stream is extracted into the
// directory at path. Size is the archive length for transports that frame
// the payload up front; extraction is not atomic per file, so callers only
// use it for fresh subtrees.
type TreeWriter interface {
	WriteTree(ctx context.Context, path string, archive io.Reader, size int64) error
}

// CleanPath normalizes a backend-relative path: slash-separated, no leading
// slash, "." for the root.
func CleanPath(p string) string {
	p = path.Clean("/" + strings.ReplaceAll(p, "\\", "/"))
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return "."
	}
	return p
}

// ParentDirs returns every ancestor directory of the given relative path,
// shallowest first. ParentDirs("a/b/c") returns ["a", "a/b"].
func ParentDirs(p string) []string {
	p = CleanPath(p)
	var parents []string
	for dir := path.Dir(p); dir != "." && dir != "/"; dir = path.Dir(dir) {
		parents = append([]string{dir}, parents...)
	}
	return parents
}
