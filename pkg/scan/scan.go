// Package scan builds point-in-time snapshots of a directory tree on any
// backend. The sync engine diffs two snapshots; the CLI renders one.
package scan

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/abyss-io/abyss/pkg/errors"
	"github.com/abyss-io/abyss/pkg/vfs"
)

// localWorkers bounds concurrent List calls against backends that permit
// true concurrent I/O. Backends without Streaming serialize their requests
// anyway, so they walk with a single worker.
const localWorkers = 8

// Snapshot is a normalized view of one subtree at one instant. Keys in
// Files are relative to Root, so snapshots of different roots (or
// different backends) compare directly.
//
// A snapshot is complete-or-invalid with one carve-out: subtrees that
// could not be read are listed in Failed instead of aborting the scan, and
// nothing below them appears in Files. Entries that vanish between being
// listed and being descended into are simply absent.
type Snapshot struct {
	Backend string
	Root    string
	Taken   time.Time

	Files  map[string]vfs.Entry
	Failed map[string]error
}

// Paths returns the snapshot's paths in sorted order, parents before
// children.
func (s *Snapshot) Paths() []string {
	paths := make([]string, 0, len(s.Files))
	for p := range s.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Scan walks the subtree at root. A missing root yields an empty snapshot
// rather than an error: syncing into a destination that doesn't exist yet
// is the normal first-run case.
func Scan(ctx context.Context, backend vfs.Backend, root string) (*Snapshot, error) {
	root = vfs.CleanPath(root)
	snapshot := &Snapshot{
		Backend: backend.String(),
		Root:    root,
		Taken:   time.Now(),
		Files:   map[string]vfs.Entry{},
		Failed:  map[string]error{},
	}

	rootEntry, err := backend.Stat(ctx, root)
	if errors.IsNotFound(err) {
		return snapshot, nil
	} else if err != nil {
		return nil, errors.WithContext(err, "stat scan root")
	}
	if !rootEntry.IsDir() {
		snapshot.Files["."] = relative(rootEntry, ".")
		return snapshot, nil
	}

	workers := 1
	if backend.Capabilities().Streaming {
		workers = localWorkers
	}

	w := &walker{
		backend:  backend,
		root:     root,
		snapshot: snapshot,
		sem:      make(chan struct{}, workers),
	}
	w.group, w.ctx = errgroup.WithContext(ctx)
	w.walk(root)
	if err := w.group.Wait(); err != nil {
		return nil, err
	}
	return snapshot, nil
}

type walker struct {
	backend  vfs.Backend
	root     string
	snapshot *Snapshot
	sem      chan struct{}

	group *errgroup.Group
	ctx   context.Context

	mu sync.Mutex
}

func (w *walker) walk(dir string) {
	w.group.Go(func() error {
		select {
		case w.sem <- struct{}{}:
		case <-w.ctx.Done():
			return errors.ErrCancelled
		}
		entries, err := w.backend.List(w.ctx, dir)
		<-w.sem

		switch {
		case errors.IsNotFound(err):
			// Vanished mid-scan.
			return nil
		case errors.IsPermissionDenied(err):
			w.mu.Lock()
			w.snapshot.Failed[w.rel(dir)] = err
			w.mu.Unlock()
			return nil
		case err != nil:
			return errors.WithContext(err, "list "+dir)
		}

		for _, entry := range entries {
			key := w.rel(entry.Path)
			w.mu.Lock()
			w.snapshot.Files[key] = relative(entry, key)
			w.mu.Unlock()

			if entry.IsDir() {
				w.walk(entry.Path)
			}
		}
		return nil
	})
}

// rel maps a backend-relative path to a snapshot key.
func (w *walker) rel(path string) string {
	if w.root == "." {
		return path
	}
	return vfs.CleanPath(strings.TrimPrefix(path, w.root))
}

func relative(entry vfs.Entry, key string) vfs.Entry {
	entry.Path = key
	return entry
}
