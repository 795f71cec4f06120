package local

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/abyss-io/abyss/pkg/errors"
	"github.com/abyss-io/abyss/pkg/vfs"
)

// ReadTree serializes the subtree at rel as a tar stream. The archive is
// produced on the fly, so the returned reader must be drained or closed.
func (b *Backend) ReadTree(ctx context.Context, rel string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.ErrCancelled
	}

	root := b.abs(rel)
	if _, err := b.fs.Stat(root); err != nil {
		return nil, mapErr(err, rel)
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(b.packTree(ctx, root, pw))
	}()
	return pr, nil
}

func (b *Backend) packTree(ctx context.Context, root string, w io.Writer) error {
	tw := tar.NewWriter(w)
	err := afero.Walk(b.fs, root, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return errors.ErrCancelled
		}

		rel, err := filepath.Rel(root, p)
		if err != nil || rel == "." {
			return err
		}

		hdr := &tar.Header{
			Name:    filepath.ToSlash(rel),
			Mode:    int64(fi.Mode() & os.ModePerm),
			ModTime: fi.ModTime(),
		}
		if fi.IsDir() {
			hdr.Typeflag = tar.TypeDir
			hdr.Name += "/"
		} else {
			hdr.Typeflag = tar.TypeReg
			hdr.Size = fi.Size()
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if fi.IsDir() {
			return nil
		}

		f, err := b.fs.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return err
	}
	return tw.Close()
}

// WriteTree extracts a tar stream into the directory at rel. Entry names
// are normalized before use, so an archive can't write outside the target
// directory. The size argument is only meaningful to transports that frame
// the payload; here the stream's own framing is authoritative.
func (b *Backend) WriteTree(ctx context.Context, rel string, archive io.Reader, size int64) error {
	root := b.abs(rel)
	if err := b.fs.MkdirAll(root, 0755); err != nil {
		return mapErr(err, rel)
	}

	tr := tar.NewReader(archive)
	for {
		if err := ctx.Err(); err != nil {
			return errors.ErrCancelled
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Transport{Err: err}
		}

		name := vfs.CleanPath(hdr.Name)
		if name == "." {
			continue
		}
		target := filepath.Join(root, filepath.FromSlash(name))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := b.fs.MkdirAll(target, 0755); err != nil {
				return mapErr(err, name)
			}
		case tar.TypeReg:
			if err := b.extractFile(target, name, hdr, tr); err != nil {
				return err
			}
		}
	}
}

func (b *Backend) extractFile(target, name string, hdr *tar.Header, contents io.Reader) error {
	if err := b.fs.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return mapErr(err, name)
	}

	mode := os.FileMode(hdr.Mode) & os.ModePerm
	if mode == 0 {
		mode = 0644
	}
	f, err := b.fs.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return mapErr(err, name)
	}
	if _, err := io.Copy(f, contents); err != nil {
		f.Close()
		return errors.Transport{Err: err}
	}
	if err := f.Close(); err != nil {
		return mapErr(err, name)
	}
	if !hdr.ModTime.IsZero() {
		if err := b.fs.Chtimes(target, hdr.ModTime, hdr.ModTime); err != nil {
			return mapErr(err, name)
		}
	}
	return nil
}
