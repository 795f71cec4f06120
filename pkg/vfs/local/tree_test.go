package local

import (
	"archive/tar"
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTreeRoundTrip(t *testing.T) {
	src, srcFs := newTestBackend(t)
	stamp := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, srcFs.Chtimes("/root/a.txt", stamp, stamp))
	require.NoError(t, srcFs.Chtimes("/root/sub/b.txt", stamp, stamp))

	archive, err := src.ReadTree(context.Background(), ".")
	require.NoError(t, err)
	defer archive.Close()

	dstFs := afero.NewMemMapFs()
	require.NoError(t, dstFs.MkdirAll("/dst", 0755))
	dst, err := NewWithFs(dstFs, "/dst")
	require.NoError(t, err)

	require.NoError(t, dst.WriteTree(context.Background(), ".", archive, -1))

	data, err := afero.ReadFile(dstFs, "/dst/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(data))
	data, err = afero.ReadFile(dstFs, "/dst/sub/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "beta", string(data))

	info, err := dstFs.Stat("/dst/a.txt")
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(stamp))
}

func TestWriteTreeRejectsEscapingNames(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name:     "../evil.txt",
		Typeflag: tar.TypeReg,
		Mode:     0644,
		Size:     4,
	}))
	_, err := tw.Write([]byte("boom"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	memFs := afero.NewMemMapFs()
	require.NoError(t, memFs.MkdirAll("/root/dst", 0755))
	backend, err := NewWithFs(memFs, "/root/dst")
	require.NoError(t, err)

	require.NoError(t, backend.WriteTree(context.Background(), ".", &buf, int64(buf.Len())))

	// The entry is clamped inside the tree rather than following the "..".
	exists, err := afero.Exists(memFs, "/root/evil.txt")
	require.NoError(t, err)
	assert.False(t, exists)
	exists, err = afero.Exists(memFs, "/root/dst/evil.txt")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestReadTreeMissingRoot(t *testing.T) {
	backend, _ := newTestBackend(t)
	_, err := backend.ReadTree(context.Background(), "nope")
	assert.Error(t, err)
}
