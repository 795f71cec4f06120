// Package fswatch triggers re-syncs when files under the source root
// change.
package fswatch

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/abyss-io/abyss/pkg/errors"
)

var fs = afero.NewOsFs()

// Watch watches the given roots recursively. It sends on the returned
// channel whenever anything beneath them changes; bursts of events are
// coalesced into a single pending trigger, since the consumer rescans the
// whole tree anyway. The stop function releases the underlying file
// handles.
func Watch(roots []string, exclude func(string) bool) (chan struct{}, func(), error) {
	paths, err := getPathsToWatch(roots, exclude)
	if err != nil {
		return nil, nil, errors.WithContext(err, "get paths")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, errors.WithContext(err, "create watcher")
	}

	for _, path := range paths {
		if err := watcher.Add(path); err != nil {
			// Close the watcher so that we release the file handles for the
			// previously added paths.
			if err := watcher.Close(); err != nil {
				log.WithError(err).Warn("Failed to close file watcher")
			}

			return nil, nil, errors.WithContext(err, fmt.Sprintf("watch %q", path))
		}
	}

	stop := func() {
		if err := watcher.Close(); err != nil {
			log.WithError(err).Warn("Failed to close file watcher")
		}
	}
	return combineUpdates(watcher.Events), stop, nil
}

func combineUpdates(updates <-chan fsnotify.Event) chan struct{} {
	combined := make(chan struct{}, 1)
	go func() {
		for range updates {
			select {
			case combined <- struct{}{}:
			default:
			}
		}
	}()
	return combined
}

// getPathsToWatch expands each root into itself plus every directory
// beneath it, because fsnotify doesn't watch recursively. Excluded
// subtrees stay unwatched so churn in build output or caches doesn't
// trigger pointless syncs.
func getPathsToWatch(roots []string, exclude func(string) bool) (paths []string, err error) {
	if exclude == nil {
		exclude = func(string) bool { return false }
	}

	for _, root := range roots {
		fi, err := fs.Stat(root)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, errors.NotFound{Path: root}
			}
			return nil, errors.WithContext(err, "stat")
		}

		paths = append(paths, root)
		if !fi.IsDir() {
			// Watch the parent as well, so a remove-and-recreate of the
			// file is still noticed.
			paths = append(paths, filepath.Dir(root))
			continue
		}

		err = afero.Walk(fs, root, func(path string, fi os.FileInfo, err error) error {
			if err != nil {
				return errors.WithContext(err, "walk error")
			}
			if path == root || !fi.IsDir() {
				return nil
			}

			relativePath, err := filepath.Rel(root, path)
			if err != nil {
				return errors.WithContext(err, "normalized path")
			}
			if exclude(filepath.ToSlash(relativePath)) {
				return filepath.SkipDir
			}
			paths = append(paths, path)
			return nil
		})
		if err != nil {
			return nil, errors.WithContext(err, "walk")
		}
	}
	return paths, nil
}
