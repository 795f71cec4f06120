package scan

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abyss-io/abyss/pkg/errors"
	"github.com/abyss-io/abyss/pkg/vfs"
	"github.com/abyss-io/abyss/pkg/vfs/local"
)

func testTree(t *testing.T) *local.Backend {
	t.Helper()

	memFs := afero.NewMemMapFs()
	require.NoError(t, memFs.MkdirAll("/root/docs/deep", 0755))
	require.NoError(t, memFs.MkdirAll("/root/empty", 0755))
	require.NoError(t, afero.WriteFile(memFs, "/root/top.txt", []byte("top"), 0644))
	require.NoError(t, afero.WriteFile(memFs, "/root/docs/a.txt", []byte("aa"), 0644))
	require.NoError(t, afero.WriteFile(memFs, "/root/docs/deep/b.txt", []byte("bbb"), 0644))

	backend, err := local.NewWithFs(memFs, "/root")
	require.NoError(t, err)
	return backend
}

func TestScan(t *testing.T) {
	backend := testTree(t)

	snapshot, err := Scan(context.Background(), backend, ".")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"docs",
		"docs/a.txt",
		"docs/deep",
		"docs/deep/b.txt",
		"empty",
		"top.txt",
	}, snapshot.Paths())
	assert.Empty(t, snapshot.Failed)

	assert.Equal(t, int64(2), snapshot.Files["docs/a.txt"].Size)
	assert.True(t, snapshot.Files["docs"].IsDir())
	assert.Equal(t, backend.String(), snapshot.Backend)
}

func TestScanSubtree(t *testing.T) {
	backend := testTree(t)

	snapshot, err := Scan(context.Background(), backend, "docs")
	require.NoError(t, err)

	// Keys are relative to the scan root, not the backend root.
	assert.Equal(t, []string{
		"a.txt",
		"deep",
		"deep/b.txt",
	}, snapshot.Paths())
}

func TestScanMissingRoot(t *testing.T) {
	backend := testTree(t)

	snapshot, err := Scan(context.Background(), backend, "nonexistent")
	require.NoError(t, err)
	assert.Empty(t, snapshot.Files)
	assert.Empty(t, snapshot.Failed)
}

func TestScanFileRoot(t *testing.T) {
	backend := testTree(t)

	snapshot, err := Scan(context.Background(), backend, "top.txt")
	require.NoError(t, err)
	require.Len(t, snapshot.Files, 1)
	assert.Equal(t, int64(3), snapshot.Files["."].Size)
}

// flakyBackend injects a failure for one directory's listing.
type flakyBackend struct {
	vfs.Backend
	failPath string
	failWith error
}

func (b *flakyBackend) List(ctx context.Context, path string) ([]vfs.Entry, error) {
	if path == b.failPath {
		return nil, b.failWith
	}
	return b.Backend.List(ctx, path)
}

func TestScanUnreadableSubtree(t *testing.T) {
	backend := &flakyBackend{
		Backend:  testTree(t),
		failPath: "docs/deep",
		failWith: errors.PermissionDenied{Path: "docs/deep"},
	}

	snapshot, err := Scan(context.Background(), backend, ".")
	require.NoError(t, err)

	// The unreadable subtree is marked, its siblings scanned normally.
	require.Contains(t, snapshot.Failed, "docs/deep")
	assert.True(t, errors.IsPermissionDenied(snapshot.Failed["docs/deep"]))
	assert.Contains(t, snapshot.Files, "docs/a.txt")
	assert.Contains(t, snapshot.Files, "top.txt")
	assert.NotContains(t, snapshot.Files, "docs/deep/b.txt")
}

func TestScanVanishedSubtree(t *testing.T) {
	backend := &flakyBackend{
		Backend:  testTree(t),
		failPath: "docs/deep",
		failWith: errors.NotFound{Path: "docs/deep"},
	}

	snapshot, err := Scan(context.Background(), backend, ".")
	require.NoError(t, err)
	assert.Empty(t, snapshot.Failed)
	assert.NotContains(t, snapshot.Files, "docs/deep/b.txt")
}

func TestScanAbortsOnTransportError(t *testing.T) {
	backend := &flakyBackend{
		Backend:  testTree(t),
		failPath: "docs",
		failWith: errors.Transport{Err: errors.New("stream lost")},
	}

	_, err := Scan(context.Background(), backend, ".")
	assert.Error(t, err)
}

func TestScanCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Scan(ctx, testTree(t), ".")
	assert.Error(t, err)
}
