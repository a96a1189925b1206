package syncer

import (
	"sort"
	"time"

	"github.com/jcbsnclr/ksync/internal/objects"
)

// FileState is one side's view of a file.
type FileState struct {
	Hash    objects.Hash
	Size    int64
	ModTime time.Time
}

// Listing maps store paths to file states.
type Listing map[string]FileState

// ActionKind says how a path is propagated.
type ActionKind int

const (
	ActionUpload ActionKind = iota
	ActionDownload
	ActionDeleteLocal
	ActionDeleteRemote
)

func (k ActionKind) String() string {
	switch k {
	case ActionUpload:
		return "upload"
	case ActionDownload:
		return "download"
	case ActionDeleteLocal:
		return "delete_local"
	case ActionDeleteRemote:
		return "delete_remote"
	default:
		return "unknown"
	}
}

// Action is one path-level step of a round.
type Action struct {
	Path string
	Kind ActionKind
	// Conflict is set when both sides changed and last-write-wins chose
	// the direction.
	Conflict bool
	Local    *FileState
	Remote   *FileState
}

// change classifies one side of a path against the base.
type change int

const (
	unchanged change = iota
	modified         // present with a hash differing from the base, or new
	removed          // present in the base, gone now
	absent           // in neither the base nor this side
)

func classify(base, side *FileState) change {
	switch {
	case side == nil && base == nil:
		return absent
	case side == nil:
		return removed
	case base == nil || base.Hash != side.Hash:
		return modified
	default:
		return unchanged
	}
}

func ptr(l Listing, p string) *FileState {
	if f, ok := l[p]; ok {
		return &f
	}
	return nil
}

// Plan runs the three-way diff of local and remote against base, the
// listing both sides agreed on after the last successful round. Paths
// changed on one side are propagated to the other. Paths changed on both
// sides to different content go to the side with the later modification
// time; ties go to the remote. A deletion racing a modification loses, so
// no edit is ever dropped by a delete. Actions come back sorted by path.
func Plan(base, local, remote Listing) []Action {
	paths := make(map[string]struct{}, len(local)+len(remote))
	for _, l := range []Listing{base, local, remote} {
		for p := range l {
			paths[p] = struct{}{}
		}
	}

	var actions []Action
	for p := range paths {
		b, l, r := ptr(base, p), ptr(local, p), ptr(remote, p)
		if a, ok := planPath(p, b, l, r); ok {
			actions = append(actions, a)
		}
	}
	sort.Slice(actions, func(i, j int) bool { return actions[i].Path < actions[j].Path })
	return actions
}

func planPath(p string, b, l, r *FileState) (Action, bool) {
	a := Action{Path: p, Local: l, Remote: r}
	lc, rc := classify(b, l), classify(b, r)

	switch {
	case lc == unchanged && rc == unchanged:
		return a, false
	case lc == absent || rc == absent:
		// New on one side only.
		if l != nil {
			a.Kind = ActionUpload
		} else {
			a.Kind = ActionDownload
		}
		return a, true
	case lc == removed && rc == removed:
		return a, false
	case lc == removed && rc == unchanged:
		a.Kind = ActionDeleteRemote
		return a, true
	case rc == removed && lc == unchanged:
		a.Kind = ActionDeleteLocal
		return a, true
	case lc == removed: // remote modified
		a.Kind = ActionDownload
		a.Conflict = true
		return a, true
	case rc == removed: // local modified
		a.Kind = ActionUpload
		a.Conflict = true
		return a, true
	case lc == unchanged:
		a.Kind = ActionDownload
		return a, true
	case rc == unchanged:
		a.Kind = ActionUpload
		return a, true
	}

	// Modified on both sides.
	if l.Hash == r.Hash {
		return a, false
	}
	a.Conflict = true
	if l.ModTime.After(r.ModTime) {
		a.Kind = ActionUpload
	} else {
		a.Kind = ActionDownload
	}
	return a, true
}
