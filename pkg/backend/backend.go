// Package backend turns configuration records and CLI target strings into
// live vfs backends. It owns the helper-pod lifecycle for Kubernetes
// panes: closing the returned backend tears the pod down.
package backend

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/abyss-io/abyss/pkg/config"
	"github.com/abyss-io/abyss/pkg/errors"
	"github.com/abyss-io/abyss/pkg/kube"
	"github.com/abyss-io/abyss/pkg/vfs"
	"github.com/abyss-io/abyss/pkg/vfs/local"
	"github.com/abyss-io/abyss/pkg/vfs/remote"
	"github.com/abyss-io/abyss/pkg/vfs/s3"
)

// FromPane builds the backend for one configured pane.
func FromPane(ctx context.Context, pane config.Pane) (vfs.Backend, error) {
	switch {
	case pane.Local != nil:
		return local.New(pane.Local.Root)

	case pane.Kubernetes != nil:
		kubeClient, restConfig, err := kube.GetClient(pane.Kubernetes.Context)
		if err != nil {
			return nil, errors.WithContext(err, "connect to cluster")
		}
		return remote.NewBackend(ctx, kubeClient, restConfig,
			pane.Kubernetes.Namespace, pane.Kubernetes.PVC, pane.Kubernetes.Image)

	case pane.S3 != nil:
		return s3.New(ctx, s3.Config{
			Bucket:    pane.S3.Bucket,
			Region:    pane.S3.Region,
			Endpoint:  pane.S3.Endpoint,
			AccessKey: pane.S3.AccessKey,
			SecretKey: pane.S3.SecretKey,
			Prefix:    pane.S3.Prefix,
		})
	}
	return nil, errors.New("pane has no backend configured")
}

// Target is a resolved CLI argument: a backend plus a path within it. The
// caller must Close the backend.
type Target struct {
	Backend vfs.Backend
	Path    string

	// Raw is the argument as the user typed it, for messages.
	Raw string

	// LocalPath is the absolute filesystem path when the target is on local
	// disk, and empty otherwise. The watch loop needs it, since only local
	// trees can be watched.
	LocalPath string
}

func (t Target) Close() {
	t.Backend.Close()
}

// Resolve parses an argument of the form "pane:path" against the config.
// An argument without a configured pane prefix is a plain local path, so
// the tool works on bare directories with no config file at all.
func Resolve(ctx context.Context, cfg config.Config, arg string) (Target, error) {
	if name, rest, found := strings.Cut(arg, ":"); found {
		if pane, ok := cfg.Panes[name]; ok {
			b, err := FromPane(ctx, pane)
			if err != nil {
				return Target{}, errors.WithContext(err, "open pane "+name)
			}
			target := Target{Backend: b, Path: vfs.CleanPath(rest), Raw: arg}
			if pane.Local != nil {
				target.LocalPath = filepath.Join(
					pane.Local.Root, filepath.FromSlash(target.Path))
			}
			return target, nil
		}
	}

	abs, err := filepath.Abs(arg)
	if err != nil {
		return Target{}, errors.WithContext(err, "resolve path")
	}
	b, err := local.New(string(filepath.Separator))
	if err != nil {
		return Target{}, err
	}
	return Target{Backend: b, Path: vfs.CleanPath(abs), Raw: arg, LocalPath: abs}, nil
}
