// Package remote implements the vfs.Backend contract against a volume that
// is only reachable through a helper pod. The single exec stream to the
// pod's agent carries a line-oriented control protocol with a tar sub-mode
// for bulk transfer; see agent.go for the wire format.
package remote

import (
	"context"
	"io"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/spf13/afero"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/abyss-io/abyss/pkg/errors"
	"github.com/abyss-io/abyss/pkg/kube"
	"github.com/abyss-io/abyss/pkg/vfs"
)

// Spool space for staged writes. Mocked out for unit testing.
var fs = afero.NewOsFs()

// Backend is a vfs.Backend for a PVC-mounted volume, served through the
// session to its helper pod. The backend owns both: Close tears down the
// session and deletes the pod.
type Backend struct {
	session *Session
	helper  *kube.Helper
	name    string
}

// NewBackend spawns a helper pod for the given PVC and establishes an agent
// session on it.
func NewBackend(ctx context.Context, kubeClient kubernetes.Interface,
	restConfig *rest.Config, namespace, pvc, image string) (*Backend, error) {

	helper, err := kube.SpawnHelper(ctx, kubeClient, restConfig, namespace, pvc, image)
	if err != nil {
		return nil, errors.WithContext(err, "spawn helper")
	}

	backend, err := newBackendOnHelper(ctx, helper, namespace, pvc)
	if err != nil {
		helper.Teardown()
		return nil, err
	}
	return backend, nil
}

func newBackendOnHelper(ctx context.Context, helper *kube.Helper, namespace, pvc string) (*Backend, error) {
	stdin, stdout, err := helper.Exec(ctx, AgentCommand(kube.MountPath))
	if err != nil {
		return nil, errors.WithContext(err, "start agent")
	}

	session, err := NewSession(ctx, stdin, stdout)
	if err != nil {
		return nil, errors.WithContext(err, "establish session")
	}

	return &Backend{
		session: session,
		helper:  helper,
		name:    "k8s:" + namespace + "/" + pvc,
	}, nil
}

// newSessionBackend wires a backend directly to an existing session.
// Tests use this to run the protocol against a scripted agent.
func newSessionBackend(session *Session, name string) *Backend {
	return &Backend{session: session, name: name}
}

// Capabilities reports the helper-pod capability set: full filesystem
// semantics, but no true streaming (bulk transfer goes through the tar
// sub-mode).
func (b *Backend) Capabilities() vfs.Capabilities {
	return vfs.Capabilities{
		Streaming:    false,
		Append:       true,
		Permissions:  true,
		Rename:       true,
		BulkTransfer: true,
	}
}

func (b *Backend) String() string {
	return b.name
}

// Close tears down the session and deletes the helper pod. It must be
// called on every exit path so the cluster isn't left with orphaned pods.
func (b *Backend) Close() error {
	b.session.Close()
	if b.helper != nil {
		b.helper.Teardown()
	}
	return nil
}

// List returns the entries directly under the given path.
func (b *Backend) List(ctx context.Context, rel string) ([]vfs.Entry, error) {
	rel = vfs.CleanPath(rel)
	if err := validatePath(rel); err != nil {
		return nil, err
	}

	result, err := b.session.call(ctx, "LIST", []string{rel}, nil, 0)
	if err != nil {
		return nil, err
	}

	var entries []vfs.Entry
	for _, e := range result.entries {
		entryPath := e.Name
		if rel != "." {
			entryPath = path.Join(rel, e.Name)
		}
		entries = append(entries, vfs.Entry{
			Path:    entryPath,
			Kind:    wireKind(e.Kind),
			Size:    e.Size,
			ModTime: time.Unix(e.MTime, 0).UTC(),
			Mode:    os.FileMode(e.Mode),
		})
	}
	return entries, nil
}

// Stat returns the metadata for a single path.
func (b *Backend) Stat(ctx context.Context, rel string) (vfs.Entry, error) {
	rel = vfs.CleanPath(rel)
	if err := validatePath(rel); err != nil {
		return vfs.Entry{}, err
	}

	result, err := b.session.call(ctx, "STAT", []string{rel}, nil, 0)
	if err != nil {
		return vfs.Entry{}, err
	}
	if len(result.fields) != 4 {
		return vfs.Entry{}, errors.ProtocolViolation{Line: "STAT payload"}
	}

	size, sizeErr := strconv.ParseInt(result.fields[1], 10, 64)
	mtime, mtimeErr := strconv.ParseInt(result.fields[2], 10, 64)
	mode, modeErr := strconv.ParseUint(result.fields[3], 8, 32)
	if sizeErr != nil || mtimeErr != nil || modeErr != nil {
		return vfs.Entry{}, errors.ProtocolViolation{Line: "STAT payload"}
	}

	return vfs.Entry{
		Path:    rel,
		Kind:    wireKind(result.fields[0]),
		Size:    size,
		ModTime: time.Unix(mtime, 0).UTC(),
		Mode:    os.FileMode(mode),
	}, nil
}

// OpenRead streams the file contents through the session's archive
// sub-mode. The returned reader must be closed even on early abandonment:
// closing is what returns the session to the control state.
func (b *Backend) OpenRead(ctx context.Context, rel string) (io.ReadCloser, error) {
	rel = vfs.CleanPath(rel)
	if err := validatePath(rel); err != nil {
		return nil, err
	}

	result, err := b.session.call(ctx, "READ", []string{rel}, nil, 0)
	if err != nil {
		return nil, err
	}
	return result.body, nil
}

// OpenWrite spools the contents to local scratch space, then ships them in
// a single WRIT exchange on Commit. The agent stages the bytes next to the
// target and renames into place, so the write is atomic remotely too.
func (b *Backend) OpenWrite(ctx context.Context, rel string, opts vfs.WriteOptions) (vfs.FileWriter, error) {
	rel = vfs.CleanPath(rel)
	if err := validatePath(rel); err != nil {
		return nil, err
	}

	spool, err := afero.TempFile(fs, "", "abyss-spool-*")
	if err != nil {
		return nil, errors.Transport{Err: errors.WithContext(err, "create spool file")}
	}

	return &spoolWriter{
		ctx:     ctx,
		backend: b,
		relPath: rel,
		opts:    opts,
		spool:   spool,
	}, nil
}

// Delete removes a path. Non-recursive deletes of non-empty directories
// fail on the agent side.
func (b *Backend) Delete(ctx context.Context, rel string, recursive bool) error {
	rel = vfs.CleanPath(rel)
	if err := validatePath(rel); err != nil {
		return err
	}

	flag := "F"
	if recursive {
		flag = "R"
	}
	_, err := b.session.call(ctx, "DELE", []string{flag, rel}, nil, 0)
	return err
}

// Mkdir creates a directory, including missing parents.
func (b *Backend) Mkdir(ctx context.Context, rel string) error {
	rel = vfs.CleanPath(rel)
	if err := validatePath(rel); err != nil {
		return err
	}

	_, err := b.session.call(ctx, "MKDR", []string{rel}, nil, 0)
	return err
}

// Rename moves old to new on the remote volume.
func (b *Backend) Rename(ctx context.Context, old, new string) error {
	old, new = vfs.CleanPath(old), vfs.CleanPath(new)
	if err := validatePath(old); err != nil {
		return err
	}
	if err := validatePath(new); err != nil {
		return err
	}

	_, err := b.session.call(ctx, "MOVE", []string{old, new}, nil, 0)
	return err
}

// ReadTree returns the subtree at the given path as a tar stream. This is
// the bulk-transfer fast path: one round trip for an entire directory.
func (b *Backend) ReadTree(ctx context.Context, rel string) (io.ReadCloser, error) {
	rel = vfs.CleanPath(rel)
	if err := validatePath(rel); err != nil {
		return nil, err
	}

	result, err := b.session.call(ctx, "TARC", []string{rel}, nil, 0)
	if err != nil {
		return nil, err
	}
	return result.body, nil
}

// WriteTree extracts the given tar stream into the directory at the given
// path, creating it if necessary.
func (b *Backend) WriteTree(ctx context.Context, rel string, archive io.Reader, size int64) error {
	rel = vfs.CleanPath(rel)
	if err := validatePath(rel); err != nil {
		return err
	}

	_, err := b.session.call(ctx, "TARX",
		[]string{strconv.FormatInt(size, 10), rel}, archive, size)
	return err
}

type spoolWriter struct {
	ctx     context.Context
	backend *Backend
	relPath string
	opts    vfs.WriteOptions
	spool   afero.File
	done    bool
}

func (w *spoolWriter) Write(p []byte) (int, error) {
	return w.spool.Write(p)
}

func (w *spoolWriter) Commit() error {
	if w.done {
		return nil
	}
	w.done = true
	defer w.cleanup()

	size, err := w.spool.Seek(0, io.SeekEnd)
	if err != nil {
		return errors.Transport{Err: errors.WithContext(err, "measure spool")}
	}
	if _, err := w.spool.Seek(0, io.SeekStart); err != nil {
		return errors.Transport{Err: errors.WithContext(err, "rewind spool")}
	}

	mode := w.opts.Mode
	if mode == 0 {
		mode = 0644
	}
	mtime := time.Now().Unix()
	if !w.opts.ModTime.IsZero() {
		mtime = w.opts.ModTime.Unix()
	}

	_, err = w.backend.session.call(w.ctx, "WRIT", []string{
		strconv.FormatUint(uint64(mode), 8),
		strconv.FormatInt(mtime, 10),
		strconv.FormatInt(size, 10),
		w.relPath,
	}, w.spool, size)
	return err
}

func (w *spoolWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	w.cleanup()
	return nil
}

func (w *spoolWriter) cleanup() {
	w.spool.Close()
	fs.Remove(w.spool.Name())
}

func wireKind(kind string) vfs.EntryKind {
	switch kind {
	case "d":
		return vfs.KindDir
	case "l":
		return vfs.KindSymlink
	default:
		return vfs.KindFile
	}
}
