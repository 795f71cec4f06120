package sync

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abyss-io/abyss/pkg/errors"
	"github.com/abyss-io/abyss/pkg/scan"
	"github.com/abyss-io/abyss/pkg/vfs"
	"github.com/abyss-io/abyss/pkg/vfs/local"
)

func memBackend(t *testing.T, files map[string]string) (*local.Backend, afero.Fs) {
	t.Helper()

	memFs := afero.NewMemMapFs()
	require.NoError(t, memFs.MkdirAll("/root", 0755))
	for path, contents := range files {
		require.NoError(t, afero.WriteFile(memFs, "/root/"+path, []byte(contents), 0644))
		require.NoError(t, memFs.Chtimes("/root/"+path, t1, t1))
	}

	backend, err := local.NewWithFs(memFs, "/root")
	require.NoError(t, err)
	return backend, memFs
}

func runSync(t *testing.T, executor *Executor, opts Options) *Summary {
	t.Helper()
	ctx := context.Background()

	srcSnap, err := scan.Scan(ctx, executor.Source, ".")
	require.NoError(t, err)
	dstSnap, err := scan.Scan(ctx, executor.Dest, ".")
	require.NoError(t, err)

	return executor.Run(ctx, Diff(srcSnap, dstSnap, opts))
}

func readFile(t *testing.T, backend vfs.Backend, path string) string {
	t.Helper()
	r, err := backend.OpenRead(context.Background(), path)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(data)
}

func TestExecutorCopiesTree(t *testing.T) {
	src, _ := memBackend(t, map[string]string{
		"top.txt":         "top",
		"docs/a.txt":      "alpha",
		"docs/deep/b.txt": "beta",
	})
	dst, _ := memBackend(t, nil)

	executor := &Executor{Source: src, Dest: dst}
	summary := runSync(t, executor, Options{Mode: OneWay})

	assert.Equal(t, 5, summary.Copied) // 2 dirs + 3 files
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, "beta", readFile(t, dst, "docs/deep/b.txt"))

	// A second run finds nothing to do.
	summary = runSync(t, executor, Options{Mode: OneWay})
	assert.Equal(t, 0, summary.Copied)
	assert.Equal(t, 0, summary.Updated)
	assert.Equal(t, 3, summary.Skipped)
}

func TestExecutorMirrorIdempotent(t *testing.T) {
	src, _ := memBackend(t, map[string]string{
		"keep.txt":     "from source",
		"sub/also.txt": "kept",
	})
	dst, _ := memBackend(t, map[string]string{
		"keep.txt":       "stale",
		"extra/junk.txt": "delete me",
	})

	executor := &Executor{Source: src, Dest: dst}
	summary := runSync(t, executor, Options{Mode: Mirror, Strategy: SourceWins})

	assert.Equal(t, 2, summary.Deleted)
	assert.Equal(t, "from source", readFile(t, dst, "keep.txt"))
	assert.Equal(t, "kept", readFile(t, dst, "sub/also.txt"))
	_, err := dst.Stat(context.Background(), "extra")
	assert.True(t, errors.IsNotFound(err))

	// The mirrored tree diffs empty against its source.
	ctx := context.Background()
	srcSnap, err := scan.Scan(ctx, src, ".")
	require.NoError(t, err)
	dstSnap, err := scan.Scan(ctx, dst, ".")
	require.NoError(t, err)
	assert.Empty(t, Diff(srcSnap, dstSnap, Options{Mode: Mirror}).Actions)
}

func TestExecutorOneWayNeverDeletes(t *testing.T) {
	src, _ := memBackend(t, map[string]string{"a.txt": "a"})
	dst, _ := memBackend(t, map[string]string{"precious.txt": "mine"})

	executor := &Executor{Source: src, Dest: dst}
	runSync(t, executor, Options{Mode: OneWay})

	assert.Equal(t, "mine", readFile(t, dst, "precious.txt"))
}

func TestExecutorPullWritesSource(t *testing.T) {
	src, _ := memBackend(t, map[string]string{"a.txt": "old"})
	dst, dstFs := memBackend(t, map[string]string{"a.txt": "new"})
	require.NoError(t, dstFs.Chtimes("/root/a.txt", t2, t2))

	executor := &Executor{Source: src, Dest: dst}
	summary := runSync(t, executor, Options{Mode: Bidirectional, Strategy: NewestWins})

	assert.Equal(t, 1, summary.Updated)
	assert.Equal(t, "new", readFile(t, src, "a.txt"))
}

func TestExecutorCompressAndThrottle(t *testing.T) {
	payload := bytes.Repeat([]byte("compressible payload "), 4096)
	src, _ := memBackend(t, map[string]string{"big.bin": string(payload)})
	dst, _ := memBackend(t, nil)

	executor := &Executor{
		Source:   src,
		Dest:     dst,
		Compress: true,
		Limit:    NewLimiter(64 * 1024 * 1024),
		Verify:   true,
	}
	summary := runSync(t, executor, Options{Mode: OneWay})

	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, string(payload), readFile(t, dst, "big.bin"))
}

// corruptingBackend flips the destination's bytes so read-back
// verification must fail.
type corruptingBackend struct {
	vfs.Backend
}

type corruptingWriter struct {
	vfs.FileWriter
}

func (b *corruptingBackend) OpenWrite(ctx context.Context, path string, opts vfs.WriteOptions) (vfs.FileWriter, error) {
	w, err := b.Backend.OpenWrite(ctx, path, opts)
	if err != nil {
		return nil, err
	}
	return &corruptingWriter{FileWriter: w}, nil
}

func (w *corruptingWriter) Write(p []byte) (int, error) {
	mangled := make([]byte, len(p))
	for i, b := range p {
		mangled[i] = b ^ 0xff
	}
	if _, err := w.FileWriter.Write(mangled); err != nil {
		return 0, err
	}
	return len(p), nil
}

func TestExecutorVerificationFailure(t *testing.T) {
	src, _ := memBackend(t, map[string]string{"a.txt": "honest bytes"})
	dstLocal, _ := memBackend(t, nil)
	dst := &corruptingBackend{Backend: dstLocal}

	executor := &Executor{Source: src, Dest: dst, Verify: true}
	summary := runSync(t, executor, Options{Mode: OneWay})

	assert.Equal(t, 1, summary.Failed)
	groups := summary.ErrorGroups()
	require.Len(t, groups, 1)
	assert.Equal(t, "VerificationFailed", groups[0].Kind)
	assert.Equal(t, "a.txt", groups[0].Path)
}

// cancellingBackend cancels the run after the first chunk of a file has
// been read.
type cancellingBackend struct {
	vfs.Backend
	cancel context.CancelFunc
}

type cancellingReader struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancellingBackend) OpenRead(ctx context.Context, path string) (io.ReadCloser, error) {
	r, err := b.Backend.OpenRead(ctx, path)
	if err != nil {
		return nil, err
	}
	return &cancellingReader{ReadCloser: r, cancel: b.cancel}, nil
}

func (r *cancellingReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	r.cancel()
	return n, err
}

func TestExecutorCancellationLeavesNoPartialFile(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 4*copyChunkSize)
	srcLocal, _ := memBackend(t, map[string]string{"big.bin": string(payload)})
	dst, dstFs := memBackend(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	src := &cancellingBackend{Backend: srcLocal, cancel: cancel}

	srcSnap, err := scan.Scan(context.Background(), srcLocal, ".")
	require.NoError(t, err)
	dstSnap, err := scan.Scan(context.Background(), dst, ".")
	require.NoError(t, err)

	executor := &Executor{Source: src, Dest: dst, Workers: 1}
	summary := executor.Run(ctx, Diff(srcSnap, dstSnap, Options{Mode: OneWay}))

	assert.NotZero(t, summary.Failed)
	_, err = dst.Stat(context.Background(), "big.bin")
	assert.True(t, errors.IsNotFound(err))

	// No staging leftovers either.
	infos, err := afero.ReadDir(dstFs, "/root")
	require.NoError(t, err)
	assert.Empty(t, infos)
}

// bulkBackend makes a local backend look like a transport that pays a
// round trip per file but can move whole subtrees as one archive, and
// counts the tree operations it serves.
type bulkBackend struct {
	*local.Backend
	treeReads, treeWrites int
}

func (b *bulkBackend) Capabilities() vfs.Capabilities {
	return vfs.Capabilities{
		Append:       true,
		Permissions:  true,
		Rename:       true,
		BulkTransfer: true,
	}
}

func (b *bulkBackend) ReadTree(ctx context.Context, path string) (io.ReadCloser, error) {
	b.treeReads++
	return b.Backend.ReadTree(ctx, path)
}

func (b *bulkBackend) WriteTree(ctx context.Context, path string, archive io.Reader, size int64) error {
	b.treeWrites++
	return b.Backend.WriteTree(ctx, path, archive, size)
}

func TestExecutorBulkTransferFreshTree(t *testing.T) {
	fs = afero.NewMemMapFs()

	srcLocal, _ := memBackend(t, map[string]string{
		"tree/a.txt":     "alpha",
		"tree/sub/b.txt": "beta",
	})
	src := vfs.Sub(srcLocal, "tree")
	dstLocal, _ := memBackend(t, nil)
	dst := &bulkBackend{Backend: dstLocal}

	executor := &Executor{Source: src, Dest: dst}
	summary := runSync(t, executor, Options{Mode: OneWay})

	// One archive replaced the per-file round trips.
	assert.Equal(t, 1, dst.treeWrites)
	assert.Equal(t, 3, summary.Copied)
	assert.Zero(t, summary.Failed)
	assert.Equal(t, "alpha", readFile(t, dst, "a.txt"))
	assert.Equal(t, "beta", readFile(t, dst, "sub/b.txt"))

	// The archive carried the timestamps, so a second diff is empty.
	srcSnap, err := scan.Scan(context.Background(), src, ".")
	require.NoError(t, err)
	dstSnap, err := scan.Scan(context.Background(), dst, ".")
	require.NoError(t, err)
	assert.Empty(t, Diff(srcSnap, dstSnap, Options{Mode: OneWay}).Actions)
}

func TestExecutorBulkTransferThrottled(t *testing.T) {
	fs = afero.NewMemMapFs()

	srcLocal, _ := memBackend(t, map[string]string{"a.txt": "alpha"})
	dstLocal, _ := memBackend(t, nil)
	dst := &bulkBackend{Backend: dstLocal}

	executor := &Executor{
		Source: srcLocal,
		Dest:   dst,
		Limit:  NewLimiter(1 << 30),
	}
	summary := runSync(t, executor, Options{Mode: OneWay})

	assert.Equal(t, 1, dst.treeWrites)
	assert.Zero(t, summary.Failed)
	assert.Equal(t, "alpha", readFile(t, dst, "a.txt"))
}

func TestExecutorBulkRequiresFreshDestination(t *testing.T) {
	fs = afero.NewMemMapFs()

	srcLocal, _ := memBackend(t, map[string]string{"a.txt": "alpha", "b.txt": "beta"})
	dstLocal, _ := memBackend(t, map[string]string{"a.txt": "alpha"})
	dst := &bulkBackend{Backend: dstLocal}

	executor := &Executor{Source: srcLocal, Dest: dst}
	summary := runSync(t, executor, Options{Mode: OneWay})

	// a.txt is already in place, so the destination isn't fresh and the
	// run stays on the per-file path.
	assert.Zero(t, dst.treeWrites)
	assert.Equal(t, 1, summary.Copied)
	assert.Equal(t, "beta", readFile(t, dst, "b.txt"))
}

func TestExecutorBulkSkippedWhenVerifying(t *testing.T) {
	fs = afero.NewMemMapFs()

	srcLocal, _ := memBackend(t, map[string]string{"a.txt": "alpha"})
	dstLocal, _ := memBackend(t, nil)
	dst := &bulkBackend{Backend: dstLocal}

	executor := &Executor{Source: srcLocal, Dest: dst, Verify: true}
	summary := runSync(t, executor, Options{Mode: OneWay})

	assert.Zero(t, dst.treeWrites)
	assert.Equal(t, 1, summary.Copied)
	assert.Zero(t, summary.Failed)
}

func TestExecutorCancellationAccountsForQueuedWork(t *testing.T) {
	srcLocal, _ := memBackend(t, map[string]string{
		"a.txt": "aa", "b.txt": "bb", "c.txt": "cc",
	})
	dst, _ := memBackend(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	src := &cancellingBackend{Backend: srcLocal, cancel: cancel}

	srcSnap, err := scan.Scan(context.Background(), srcLocal, ".")
	require.NoError(t, err)
	dstSnap, err := scan.Scan(context.Background(), dst, ".")
	require.NoError(t, err)
	plan := Diff(srcSnap, dstSnap, Options{Mode: OneWay})
	require.Len(t, plan.Actions, 3)

	executor := &Executor{Source: src, Dest: dst, Workers: 1}
	summary := executor.Run(ctx, plan)

	// The single worker is mid-transfer when the run is cancelled; the
	// transfers still sitting in the queue must not vanish from the
	// summary.
	assert.Equal(t, 3, summary.Failed)
	assert.Equal(t, len(plan.Actions),
		summary.Copied+summary.Updated+summary.Deleted+summary.Failed)
}

func TestExecutorEvents(t *testing.T) {
	src, _ := memBackend(t, map[string]string{"a.txt": "aa", "b.txt": "bb"})
	dst, _ := memBackend(t, nil)

	events := make(chan Event, 64)
	executor := &Executor{Source: src, Dest: dst, Events: events}
	runSync(t, executor, Options{Mode: OneWay})
	close(events)

	done := map[string]bool{}
	for ev := range events {
		if ev.Done {
			done[ev.Path] = true
			assert.NoError(t, ev.Err)
		}
	}
	assert.True(t, done["a.txt"])
	assert.True(t, done["b.txt"])
}

func TestExecutorIsolatesFailures(t *testing.T) {
	src, _ := memBackend(t, map[string]string{
		"good.txt": "fine",
		"bad.txt":  "doomed",
	})
	dst, _ := memBackend(t, nil)

	failing := &failingReadBackend{Backend: src, failPath: "bad.txt"}
	executor := &Executor{Source: failing, Dest: dst}

	summary := runSync(t, executor, Options{Mode: OneWay})
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Copied)
	assert.Equal(t, "fine", readFile(t, dst, "good.txt"))
}

type failingReadBackend struct {
	vfs.Backend
	failPath string
}

func (b *failingReadBackend) OpenRead(ctx context.Context, path string) (io.ReadCloser, error) {
	if path == b.failPath {
		return nil, errors.Transport{Err: errors.New("stream lost")}
	}
	return b.Backend.OpenRead(ctx, path)
}
