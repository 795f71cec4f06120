package sync

import (
	"fmt"
	"sort"
	"sync"

	"github.com/abyss-io/abyss/pkg/errors"
)

// Summary is the terminal record of one sync run. A run always completes
// with a summary, even when actions failed.
type Summary struct {
	Copied    int
	Updated   int
	Deleted   int
	Skipped   int
	Failed    int
	Conflicts int

	mu     sync.Mutex
	groups map[string]*ErrorGroup
}

// ErrorGroup surfaces the first error of one kind; further occurrences
// only bump the suppressed count so a large failed batch doesn't flood the
// output.
type ErrorGroup struct {
	Kind       string
	Path       string
	First      error
	Suppressed int
}

func (s *Summary) recordError(path string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Failed++
	if s.groups == nil {
		s.groups = map[string]*ErrorGroup{}
	}
	kind := errors.Kind(err)
	if group, seen := s.groups[kind]; seen {
		group.Suppressed++
		return
	}
	s.groups[kind] = &ErrorGroup{Kind: kind, Path: path, First: err}
}

// ErrorGroups returns the recorded error groups in a stable order.
func (s *Summary) ErrorGroups() []ErrorGroup {
	s.mu.Lock()
	defer s.mu.Unlock()

	var groups []ErrorGroup
	for _, g := range s.groups {
		groups = append(groups, *g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Kind < groups[j].Kind })
	return groups
}

func (s *Summary) String() string {
	return fmt.Sprintf("%d copied, %d updated, %d deleted, %d skipped, %d failed, %d conflicts",
		s.Copied, s.Updated, s.Deleted, s.Skipped, s.Failed, s.Conflicts)
}
