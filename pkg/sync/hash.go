package sync

import (
	"context"
	"crypto/sha512"
	"encoding/base64"
	"hash"
	"io"

	"github.com/abyss-io/abyss/pkg/errors"
	"github.com/abyss-io/abyss/pkg/vfs"
)

// newHasher returns the fingerprint hash used throughout: sha512, encoded
// base64 so it can travel as a string.
func newHasher() hash.Hash {
	return sha512.New()
}

func encodeDigest(h hash.Hash) string {
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// HashFile returns the fingerprint of the file at the given path on any
// backend.
func HashFile(ctx context.Context, backend vfs.Backend, path string) (string, error) {
	f, err := backend.OpenRead(ctx, path)
	if err != nil {
		return "", errors.WithContext(err, "open")
	}
	defer f.Close()

	hasher := newHasher()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", errors.WithContext(err, "read")
	}
	return encodeDigest(hasher), nil
}
