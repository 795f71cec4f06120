package fswatch

import (
	"sort"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
)

func TestGetPathsToWatch(t *testing.T) {
	tests := []struct {
		name     string
		dirs     []string
		files    []string
		roots    []string
		exclude  func(string) bool
		expPaths []string
	}{
		{
			name: "Directory tree",
			dirs: []string{"/src", "/src/app", "/src/app/controllers", "/tests"},
			files: []string{"/src/package.json", "/tests/test.js",
				"/src/app/controllers/index.js"},
			roots:    []string{"/src"},
			expPaths: []string{"/src", "/src/app", "/src/app/controllers"},
		},
		{
			name:  "Single file watches its parent too",
			dirs:  []string{"/home/kevin"},
			files: []string{"/home/kevin/.npmrc"},
			roots: []string{"/home/kevin/.npmrc"},
			expPaths: []string{
				"/home/kevin", "/home/kevin/.npmrc"},
		},
		{
			name: "Excluded subtrees stay unwatched",
			dirs: []string{"/src", "/src/app", "/src/node_modules",
				"/src/node_modules/express"},
			files:    []string{"/src/app/index.js", "/src/node_modules/express/index.js"},
			roots:    []string{"/src"},
			exclude:  func(path string) bool { return path == "node_modules" },
			expPaths: []string{"/src", "/src/app"},
		},
	}

	for _, test := range tests {
		fs = afero.NewMemMapFs()
		for _, dir := range test.dirs {
			assert.NoError(t, fs.MkdirAll(dir, 0755))
		}
		for _, file := range test.files {
			assert.NoError(t, afero.WriteFile(fs, file, []byte("testfile"), 0644))
		}

		paths, err := getPathsToWatch(test.roots, test.exclude)
		assert.NoError(t, err)

		// Sort for consistency.
		sort.Strings(test.expPaths)
		sort.Strings(paths)
		assert.Equal(t, test.expPaths, paths, test.name)
	}
}

func TestGetPathsToWatchMissingRoot(t *testing.T) {
	fs = afero.NewMemMapFs()
	_, err := getPathsToWatch([]string{"/nonexistent"}, nil)
	assert.Error(t, err)
}

func TestCombineUpdates(t *testing.T) {
	t.Parallel()

	updates := make(chan fsnotify.Event, 1024)
	addEvents := func(num int) {
		for i := 0; i < num; i++ {
			updates <- fsnotify.Event{}
		}
	}

	// Seed with events.
	numUpdates := 100
	addEvents(numUpdates)
	combined := combineUpdates(updates)

	// Assert that the events are being combined: after a burst drains,
	// exactly one trigger is pending.
	assertReceive := func() {
		select {
		case <-combined:
		case <-time.After(5 * time.Second):
			t.Fatal("expected a combined update")
		}
	}

	assertReceiveNothing := func() {
		select {
		case update := <-combined:
			t.Fatalf("expected no update, but got %v", update)
		case <-time.After(100 * time.Millisecond):
		}
	}

	assertReceive()
	assertReceiveNothing()

	// A new burst produces exactly one more trigger.
	addEvents(numUpdates)
	assertReceive()
	assertReceiveNothing()
}
