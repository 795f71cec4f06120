package sync

import (
	"context"
	"io"
	gosync "sync"

	"github.com/jonboulle/clockwork"
	"github.com/klauspost/compress/gzip"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/time/rate"

	"github.com/abyss-io/abyss/pkg/errors"
	"github.com/abyss-io/abyss/pkg/vfs"
)

// fs spools bulk archives. It will be overridden by afero.NewMemMapFs() in
// the tests.
var fs = afero.NewOsFs()

// copyChunkSize is the transfer granularity: cancellation, throttling, and
// progress all tick at chunk boundaries.
const copyChunkSize = 32 * 1024

const defaultWorkers = 4

// NewLimiter builds the shared token bucket for one destination. The burst
// is one bucket capacity: a full second of quota, but never less than one
// chunk so a single read can always pass.
func NewLimiter(bytesPerSec int) *rate.Limiter {
	if bytesPerSec <= 0 {
		return nil
	}
	burst := bytesPerSec
	if burst < copyChunkSize {
		burst = copyChunkSize
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

// Executor applies a plan. Directory creates run first in plan order, file
// transfers run on a bounded worker pool, deletes run last in plan order.
// Every action failure is isolated: the run always finishes and reports a
// summary.
type Executor struct {
	Source vfs.Backend
	Dest   vfs.Backend

	// Workers bounds concurrent transfers. Zero means the default.
	Workers int

	// Limit is the shared per-destination token bucket; nil is unlimited.
	Limit *rate.Limiter

	// Compress runs gzip across the throttled hop, so the limiter meters
	// compressed bytes.
	Compress bool

	// Verify re-reads the destination after commit and compares
	// fingerprints.
	Verify bool

	// Events receives progress records; nil disables reporting. The
	// executor never blocks on this channel.
	Events chan<- Event

	// Clock is swapped out in tests.
	Clock clockwork.Clock
}

// Run executes the plan and always returns a summary, even when cancelled
// partway.
func (e *Executor) Run(ctx context.Context, plan *Plan) *Summary {
	workers := e.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	clock := e.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	sink := newProgressSink(e.Events, clock)
	summary := &Summary{Skipped: plan.Skipped}

	if e.bulkTransfer(ctx, plan, sink, summary) {
		return summary
	}

	var transfers, deletes []Action
	for _, action := range plan.Actions {
		switch action.Type {
		case Mkdir:
			if ctx.Err() != nil {
				summary.recordError(action.Path, errors.ErrCancelled)
				continue
			}
			_, dst := e.backends(action.Direction)
			if err := dst.Mkdir(ctx, action.Path); err != nil {
				summary.recordError(action.Path, err)
			} else {
				summary.Copied++
			}
		case Conflict:
			summary.Conflicts++
		case Delete:
			deletes = append(deletes, action)
		default:
			transfers = append(transfers, action)
		}
	}

	jobs := make(chan Action)
	var wg gosync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for action := range jobs {
				err := e.transfer(ctx, action, sink)
				sink.publish(Event{
					Path:   action.Path,
					Action: action.Type,
					Done:   true,
					Err:    err,
				})
				if err != nil {
					log.WithError(err).WithField("path", action.Path).
						Debug("Transfer failed")
					summary.recordError(action.Path, err)
					continue
				}
				if action.Type == Copy {
					summary.mu.Lock()
					summary.Copied++
					summary.mu.Unlock()
				} else {
					summary.mu.Lock()
					summary.Updated++
					summary.mu.Unlock()
				}
			}
		}()
	}

feed:
	for i, action := range transfers {
		select {
		case jobs <- action:
		case <-ctx.Done():
			// Everything not yet queued is cancelled too, so the summary
			// still accounts for every action in the plan.
			for _, rest := range transfers[i:] {
				summary.recordError(rest.Path, errors.ErrCancelled)
			}
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	for _, action := range deletes {
		if ctx.Err() != nil {
			summary.recordError(action.Path, errors.ErrCancelled)
			continue
		}
		_, dst := e.backends(action.Direction)
		if err := dst.Delete(ctx, action.Path, false); err != nil {
			summary.recordError(action.Path, err)
		} else {
			summary.mu.Lock()
			summary.Deleted++
			summary.mu.Unlock()
		}
	}
	return summary
}

// bulkTransfer ships the whole plan as one tar archive when it can: a
// fresh push of an entire subtree, both ends bulk-capable, and at least
// one end paying a round trip per file. One TARC/TARX exchange then
// replaces a WRIT per file. Compression, verification, and partial
// updates stay on the per-file path; tar extraction is not atomic per
// file, which is why only fresh destinations qualify. Returns whether the
// plan was handled.
func (e *Executor) bulkTransfer(ctx context.Context, plan *Plan,
	sink *progressSink, summary *Summary) bool {

	if e.Compress || e.Verify {
		return false
	}
	source, sourceOK := e.Source.(vfs.TreeReader)
	dest, destOK := e.Dest.(vfs.TreeWriter)
	if !sourceOK || !destOK {
		return false
	}
	srcCaps, dstCaps := e.Source.Capabilities(), e.Dest.Capabilities()
	if !srcCaps.BulkTransfer || !dstCaps.BulkTransfer {
		return false
	}
	if srcCaps.Streaming && dstCaps.Streaming {
		// Per-file round trips are cheap on both ends, and they keep the
		// per-file atomic commit.
		return false
	}
	if !freshPush(plan) {
		return false
	}

	archive, err := source.ReadTree(ctx, ".")
	if err != nil {
		log.WithError(err).Debug("Bulk transfer unavailable, copying per file")
		return false
	}
	defer archive.Close()

	// The archive is spooled so its length is known before it's shipped;
	// the throttle meters the spooled bytes on the way out.
	spool, err := afero.TempFile(fs, "", "abyss-bulk-*")
	if err != nil {
		log.WithError(err).Debug("Bulk spool unavailable, copying per file")
		return false
	}
	defer func() {
		spool.Close()
		fs.Remove(spool.Name())
	}()

	size, err := io.Copy(spool, archive)
	if err != nil {
		log.WithError(err).Debug("Bulk archive read failed, copying per file")
		return false
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		log.WithError(err).Debug("Bulk spool rewind failed, copying per file")
		return false
	}

	var reader io.Reader = spool
	if e.Limit != nil {
		reader = e.throttled(ctx, reader)
	}
	if err := dest.WriteTree(ctx, ".", reader, size); err != nil {
		summary.recordError(".", errors.WithContext(err, "bulk transfer"))
		return true
	}

	for _, action := range plan.Actions {
		summary.Copied++
		sink.publish(Event{Path: action.Path, Action: action.Type, Done: true})
	}
	return true
}

// freshPush reports whether the plan only creates paths that don't exist
// on the destination at all. Excluded or otherwise skipped paths disqualify
// it: the archive would carry them anyway.
func freshPush(plan *Plan) bool {
	if len(plan.Actions) == 0 || plan.Skipped != 0 {
		return false
	}
	for _, a := range plan.Actions {
		if a.Type != Copy && a.Type != Mkdir {
			return false
		}
		if a.Direction != Push || a.Dst != nil || a.Replace {
			return false
		}
	}
	return true
}

// backends resolves the flow of one action to a (from, to) backend pair.
func (e *Executor) backends(dir Direction) (vfs.Backend, vfs.Backend) {
	if dir == Pull {
		return e.Dest, e.Source
	}
	return e.Source, e.Dest
}

// transfer moves one file. On any failure (including cancellation) the
// partially written destination is aborted, so no truncated file is ever
// visible at the final path.
func (e *Executor) transfer(ctx context.Context, action Action, sink *progressSink) error {
	from, to := e.backends(action.Direction)
	entry := action.Src
	if action.Direction == Pull {
		entry = action.Dst
	}

	if action.Replace {
		if err := to.Delete(ctx, action.Path, true); err != nil && !errors.IsNotFound(err) {
			return errors.WithContext(err, "replace destination")
		}
	}

	reader, err := from.OpenRead(ctx, action.Path)
	if err != nil {
		return errors.WithContext(err, "open source")
	}
	defer reader.Close()

	writer, err := to.OpenWrite(ctx, action.Path, vfs.WriteOptions{
		Mode:    entry.Mode,
		ModTime: entry.ModTime,
		Size:    entry.Size,
	})
	if err != nil {
		return errors.WithContext(err, "open destination")
	}

	hasher := newHasher()
	stream, cleanup, err := e.pipeline(ctx, io.TeeReader(reader, hasher))
	if err != nil {
		writer.Abort()
		return err
	}
	defer cleanup()

	buf := make([]byte, copyChunkSize)
	var written int64
	for {
		if ctx.Err() != nil {
			writer.Abort()
			return errors.ErrCancelled
		}

		n, readErr := stream.Read(buf)
		if n > 0 {
			if _, writeErr := writer.Write(buf[:n]); writeErr != nil {
				writer.Abort()
				return errors.WithContext(writeErr, "write destination")
			}
			written += int64(n)
			sink.publish(Event{
				Path:   action.Path,
				Action: action.Type,
				Bytes:  written,
				Total:  entry.Size,
			})
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			writer.Abort()
			return errors.WithContext(readErr, "read source")
		}
	}

	if err := writer.Commit(); err != nil {
		return errors.WithContext(err, "commit")
	}

	if e.Verify {
		destHash, err := HashFile(ctx, to, action.Path)
		if err != nil {
			return errors.WithContext(err, "verify read-back")
		}
		if destHash != encodeDigest(hasher) {
			return errors.VerificationFailed{Path: action.Path}
		}
	}
	return nil
}

// pipeline assembles the reader chain: optional gzip around the throttled
// hop, so the token bucket meters compressed bytes when compression is on.
func (e *Executor) pipeline(ctx context.Context, source io.Reader) (io.Reader, func(), error) {
	if !e.Compress {
		return e.throttled(ctx, source), func() {}, nil
	}

	pr, pw := io.Pipe()
	go func() {
		gz := gzip.NewWriter(pw)
		_, err := io.Copy(gz, source)
		if closeErr := gz.Close(); err == nil {
			err = closeErr
		}
		pw.CloseWithError(err)
	}()

	unzip, err := gzip.NewReader(e.throttled(ctx, pr))
	if err != nil {
		pr.Close()
		return nil, nil, errors.WithContext(err, "start decompression")
	}
	cleanup := func() {
		unzip.Close()
		pr.Close()
	}
	return unzip, cleanup, nil
}

func (e *Executor) throttled(ctx context.Context, r io.Reader) io.Reader {
	if e.Limit == nil {
		return r
	}
	return &throttledReader{ctx: ctx, r: r, limiter: e.Limit}
}

// throttledReader charges the shared token bucket for every chunk that
// crosses it. Reads never exceed the bucket's burst, so WaitN can always
// succeed.
type throttledReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func (t *throttledReader) Read(p []byte) (int, error) {
	if burst := t.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}
	n, err := t.r.Read(p)
	if n > 0 {
		if waitErr := t.limiter.WaitN(t.ctx, n); waitErr != nil {
			return n, errors.ErrCancelled
		}
	}
	return n, err
}
