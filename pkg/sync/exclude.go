package sync

import "path"

// excludeList matches snapshot paths against glob patterns. A pattern
// matches a path if it matches the full relative path, the base name, or
// any ancestor directory, so "node_modules" excludes every node_modules
// subtree at any depth.
type excludeList []string

// Excluded adapts an exclude pattern list to the predicate form the
// filesystem watcher takes.
func Excluded(patterns []string) func(string) bool {
	return excludeList(patterns).Match
}

func (e excludeList) Match(p string) bool {
	if len(e) == 0 {
		return false
	}
	for q := p; q != "." && q != "/"; q = path.Dir(q) {
		for _, pattern := range e {
			if matched, _ := path.Match(pattern, q); matched {
				return true
			}
			if matched, _ := path.Match(pattern, path.Base(q)); matched {
				return true
			}
		}
	}
	return false
}
