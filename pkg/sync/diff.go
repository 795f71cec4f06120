// Package sync compares two directory snapshots, classifies every path
// into an action, and executes the resulting plan through a bounded worker
// pool with optional hashing, compression, throttling, and verification.
package sync

import (
	"sort"
	"strings"
	"time"

	"github.com/abyss-io/abyss/pkg/errors"
	"github.com/abyss-io/abyss/pkg/scan"
	"github.com/abyss-io/abyss/pkg/vfs"
)

// Mode selects which directions a sync may flow and whether the
// destination is pruned.
type Mode string

const (
	// OneWay pushes source changes to the destination. Destination-only
	// paths are left alone.
	OneWay Mode = "oneway"

	// Bidirectional propagates the newer side to the older in both
	// directions.
	Bidirectional Mode = "bidirectional"

	// Mirror makes the destination an exact copy of the source, deleting
	// destination-only paths.
	Mirror Mode = "mirror"
)

// Strategy decides who wins when both sides changed.
type Strategy string

const (
	NewestWins      Strategy = "newest-wins"
	SourceWins      Strategy = "source-wins"
	DestinationWins Strategy = "destination-wins"

	// Manual defers every conflict to the caller: the plan carries Conflict
	// actions, and Resolve applies the choices in a second pass.
	Manual Strategy = "manual"
)

// ParseMode validates a mode name from the CLI.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case OneWay, Bidirectional, Mirror:
		return Mode(s), nil
	}
	return "", errors.NewFriendlyError("Unknown sync mode %q.\n"+
		"Valid modes are oneway, bidirectional, and mirror.", s)
}

// ParseStrategy validates a conflict strategy name from the CLI.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case NewestWins, SourceWins, DestinationWins, Manual:
		return Strategy(s), nil
	}
	return "", errors.NewFriendlyError("Unknown conflict strategy %q.\n"+
		"Valid strategies are newest-wins, source-wins, destination-wins, and manual.", s)
}

// ActionType classifies one unit of sync work.
type ActionType string

const (
	Copy     ActionType = "copy"
	Update   ActionType = "update"
	Delete   ActionType = "delete"
	Mkdir    ActionType = "mkdir"
	Conflict ActionType = "conflict"
)

// Direction is the flow of one action. Pull only occurs in Bidirectional
// mode.
type Direction string

const (
	Push Direction = "push"
	Pull Direction = "pull"
)

// Action is one unit of work against a path. Src and Dst are the snapshot
// entries for the path on each side; nil means absent.
type Action struct {
	Type      ActionType
	Direction Direction
	Path      string

	Src *vfs.Entry
	Dst *vfs.Entry

	// Replace marks an update where the destination holds a different kind
	// of object (file over directory or vice versa) and must be removed
	// before the copy.
	Replace bool
}

// Plan is an ordered action list: directory creates come before anything
// inside them, deletes come last in post-order. A path both sides agree on
// produces no action at all, which is what makes a repeated sync of an
// already-synced tree an empty plan.
type Plan struct {
	Mode     Mode
	Strategy Strategy
	Actions  []Action

	// Skipped counts paths the diff dismissed without an action: equal on
	// both sides, excluded, or suppressed by the mode.
	Skipped int
}

// Conflicts returns the plan's unresolved conflict actions.
func (p *Plan) Conflicts() []Action {
	var conflicts []Action
	for _, a := range p.Actions {
		if a.Type == Conflict {
			conflicts = append(conflicts, a)
		}
	}
	return conflicts
}

// Resolve re-classifies a conflict as an update flowing in the chosen
// direction. It is the second pass backing the Manual strategy; the diff
// itself never blocks waiting for a decision.
func (p *Plan) Resolve(path string, winner Direction) error {
	for i := range p.Actions {
		a := &p.Actions[i]
		if a.Path != path || a.Type != Conflict {
			continue
		}
		a.Type = Update
		a.Direction = winner
		if (winner == Push && a.Dst == nil) || (winner == Pull && a.Src == nil) {
			a.Type = Copy
		}
		return nil
	}
	return errors.NotFound{Path: path}
}

// Options configure a diff.
type Options struct {
	Mode     Mode
	Strategy Strategy

	// Exclude is a list of glob patterns. A matching path is never
	// transferred and never deleted, and a directory match covers its whole
	// subtree.
	Exclude []string
}

// mtimeWindow absorbs the second-granularity timestamps of the pod
// transport and of object stores: two mtimes within it count as equal.
const mtimeWindow = time.Second

// Diff classifies the union of both snapshots' paths.
func Diff(src, dst *scan.Snapshot, opts Options) *Plan {
	if opts.Mode == "" {
		opts.Mode = OneWay
	}
	if opts.Strategy == "" {
		opts.Strategy = NewestWins
	}

	d := &differ{
		plan:    &Plan{Mode: opts.Mode, Strategy: opts.Strategy},
		mode:    opts.Mode,
		exclude: excludeList(opts.Exclude),
	}

	paths := map[string]bool{}
	for p := range src.Files {
		paths[p] = true
	}
	for p := range dst.Files {
		paths[p] = true
	}
	sorted := make([]string, 0, len(paths))
	for p := range paths {
		sorted = append(sorted, p)
	}
	sort.Strings(sorted)

	var deletes []Action
	for _, p := range sorted {
		if d.exclude.Match(p) {
			d.plan.Skipped++
			continue
		}
		srcEntry := entryAt(src, p)
		dstEntry := entryAt(dst, p)
		if del, ok := d.classify(p, srcEntry, dstEntry, opts.Strategy); ok {
			deletes = append(deletes, del)
		}
	}

	// Deletes run last, children before parents. A directory whose subtree
	// shelters an excluded path survives: deleting it would take the
	// excluded path with it.
	sort.Slice(deletes, func(i, j int) bool { return deletes[i].Path > deletes[j].Path })
	for _, del := range deletes {
		if del.Dst.IsDir() && d.shelters(del.Path, dst) {
			d.plan.Skipped++
			continue
		}
		d.plan.Actions = append(d.plan.Actions, del)
	}
	return d.plan
}

type differ struct {
	plan    *Plan
	mode    Mode
	exclude excludeList
}

func entryAt(snapshot *scan.Snapshot, path string) *vfs.Entry {
	if entry, ok := snapshot.Files[path]; ok {
		return &entry
	}
	return nil
}

// classify appends the action for one path, or returns a delete to be
// ordered later.
func (d *differ) classify(path string, src, dst *vfs.Entry, strategy Strategy) (Action, bool) {
	switch {
	case src != nil && dst == nil:
		d.add(d.create(path, src, Push))

	case src == nil && dst != nil:
		switch d.mode {
		case OneWay:
			d.plan.Skipped++
		case Bidirectional:
			d.add(d.create(path, dst, Pull))
		case Mirror:
			return Action{Type: Delete, Direction: Push, Path: path, Dst: dst}, true
		}

	case src.IsDir() && dst.IsDir():
		// Nothing to transfer for a directory both sides have.

	case src.IsDir() != dst.IsDir():
		d.kindMismatch(path, src, dst, strategy)

	default:
		d.compareFiles(path, src, dst, strategy)
	}
	return Action{}, false
}

func (d *differ) create(path string, entry *vfs.Entry, dir Direction) Action {
	action := Action{Type: Copy, Direction: dir, Path: path}
	if dir == Push {
		action.Src = entry
	} else {
		action.Dst = entry
	}
	if entry.IsDir() {
		action.Type = Mkdir
	}
	return action
}

// kindMismatch handles a file on one side and a directory on the other.
// There is no merge to attempt, so the source (or the strategy's winner)
// replaces the destination outright.
func (d *differ) kindMismatch(path string, src, dst *vfs.Entry, strategy Strategy) {
	action := Action{Type: Update, Direction: Push, Path: path, Src: src, Dst: dst, Replace: true}
	if d.mode == Bidirectional {
		switch strategy {
		case DestinationWins:
			action.Direction = Pull
		case NewestWins:
			if dst.ModTime.After(src.ModTime) {
				action.Direction = Pull
			}
		case Manual:
			action.Type = Conflict
		}
	} else if strategy == Manual {
		action.Type = Conflict
	}
	d.add(action)
}

func (d *differ) compareFiles(path string, src, dst *vfs.Entry, strategy Strategy) {
	delta := src.ModTime.Sub(dst.ModTime)
	if delta < 0 {
		delta = -delta
	}

	if delta <= mtimeWindow {
		if sameContents(src, dst) {
			d.plan.Skipped++
			return
		}
		// Timestamps tie but the contents differ. No winner can be picked
		// from metadata alone, so this is a conflict no matter the mode;
		// the one-sided strategies resolve it, NewestWins cannot.
		action := Action{Type: Conflict, Direction: Push, Path: path, Src: src, Dst: dst}
		switch strategy {
		case SourceWins:
			action.Type = Update
		case DestinationWins:
			if d.mode == Bidirectional {
				action.Type = Update
				action.Direction = Pull
			} else {
				d.plan.Skipped++
				return
			}
		}
		d.add(action)
		return
	}

	srcNewer := src.ModTime.After(dst.ModTime)
	switch {
	case srcNewer:
		d.add(Action{Type: Update, Direction: Push, Path: path, Src: src, Dst: dst})

	case d.mode == OneWay:
		d.plan.Skipped++

	case d.mode == Mirror:
		// The destination is newer, but mirror means the destination ends
		// up equal to the source regardless.
		d.add(Action{Type: Update, Direction: Push, Path: path, Src: src, Dst: dst})

	default: // Bidirectional, destination newer.
		action := Action{Type: Update, Direction: Pull, Path: path, Src: src, Dst: dst}
		switch strategy {
		case SourceWins:
			action.Direction = Push
		case Manual:
			action.Type = Conflict
		}
		d.add(action)
	}
}

func (d *differ) add(a Action) {
	d.plan.Actions = append(d.plan.Actions, a)
}

// sameContents reports whether two entries can be considered identical:
// sizes agree, and when both sides carry a fingerprint, the fingerprints
// agree too.
func sameContents(src, dst *vfs.Entry) bool {
	if src.Size != dst.Size {
		return false
	}
	if src.ContentsHash != "" && dst.ContentsHash != "" {
		return src.ContentsHash == dst.ContentsHash
	}
	return true
}

// shelters reports whether any excluded destination path lives under dir.
func (d *differ) shelters(dir string, dst *scan.Snapshot) bool {
	prefix := dir + "/"
	for p := range dst.Files {
		if strings.HasPrefix(p, prefix) && d.exclude.Match(p) {
			return true
		}
	}
	return false
}
