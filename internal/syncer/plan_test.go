package syncer

import (
	"testing"
	"time"

	"github.com/jcbsnclr/ksync/internal/objects"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func state(content string, sec int) FileState {
	return FileState{Hash: objects.Sum([]byte(content)), Size: int64(len(content)), ModTime: t0.Add(time.Duration(sec) * time.Second)}
}

func TestPlan(t *testing.T) {
	tests := []struct {
		name     string
		base     Listing
		local    Listing
		remote   Listing
		kind     ActionKind
		conflict bool
		none     bool
	}{
		{name: "in sync", base: Listing{"/a": state("x", 0)}, local: Listing{"/a": state("x", 0)}, remote: Listing{"/a": state("x", 0)}, none: true},
		{name: "new local", local: Listing{"/a": state("x", 0)}, kind: ActionUpload},
		{name: "new remote", remote: Listing{"/a": state("x", 0)}, kind: ActionDownload},
		{name: "same new content both sides", local: Listing{"/a": state("x", 1)}, remote: Listing{"/a": state("x", 2)}, none: true},
		{name: "first sync differing, local newer", local: Listing{"/a": state("l", 5)}, remote: Listing{"/a": state("r", 1)}, kind: ActionUpload, conflict: true},
		{name: "first sync differing, remote newer", local: Listing{"/a": state("l", 1)}, remote: Listing{"/a": state("r", 5)}, kind: ActionDownload, conflict: true},
		{name: "edited locally", base: Listing{"/a": state("x", 0)}, local: Listing{"/a": state("y", 1)}, remote: Listing{"/a": state("x", 0)}, kind: ActionUpload},
		{name: "edited remotely", base: Listing{"/a": state("x", 0)}, local: Listing{"/a": state("x", 0)}, remote: Listing{"/a": state("y", 1)}, kind: ActionDownload},
		{name: "edited both, local later", base: Listing{"/a": state("x", 0)}, local: Listing{"/a": state("l", 9)}, remote: Listing{"/a": state("r", 3)}, kind: ActionUpload, conflict: true},
		{name: "edited both, remote later", base: Listing{"/a": state("x", 0)}, local: Listing{"/a": state("l", 3)}, remote: Listing{"/a": state("r", 9)}, kind: ActionDownload, conflict: true},
		{name: "edited both, tie goes remote", base: Listing{"/a": state("x", 0)}, local: Listing{"/a": state("l", 4)}, remote: Listing{"/a": state("r", 4)}, kind: ActionDownload, conflict: true},
		{name: "deleted locally", base: Listing{"/a": state("x", 0)}, remote: Listing{"/a": state("x", 0)}, kind: ActionDeleteRemote},
		{name: "deleted remotely", base: Listing{"/a": state("x", 0)}, local: Listing{"/a": state("x", 0)}, kind: ActionDeleteLocal},
		{name: "deleted both", base: Listing{"/a": state("x", 0)}, none: true},
		{name: "deleted locally, edited remotely", base: Listing{"/a": state("x", 0)}, remote: Listing{"/a": state("y", 1)}, kind: ActionDownload, conflict: true},
		{name: "deleted remotely, edited locally", base: Listing{"/a": state("x", 0)}, local: Listing{"/a": state("y", 1)}, kind: ActionUpload, conflict: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			actions := Plan(tt.base, tt.local, tt.remote)
			if tt.none {
				if len(actions) != 0 {
					t.Fatalf("actions = %+v, want none", actions)
				}
				return
			}
			if len(actions) != 1 {
				t.Fatalf("actions = %+v, want one", actions)
			}
			a := actions[0]
			if a.Path != "/a" || a.Kind != tt.kind || a.Conflict != tt.conflict {
				t.Errorf("action = %s %s conflict=%v, want %s conflict=%v", a.Path, a.Kind, a.Conflict, tt.kind, tt.conflict)
			}
		})
	}
}

func TestPlanSortedAndIndependent(t *testing.T) {
	base := Listing{"/keep": state("k", 0), "/gone": state("g", 0)}
	local := Listing{"/keep": state("k", 0), "/z-new": state("n", 1)}
	remote := Listing{"/keep": state("k", 0), "/gone": state("g", 0), "/b-remote": state("b", 1)}

	actions := Plan(base, local, remote)
	want := []struct {
		path string
		kind ActionKind
	}{
		{"/b-remote", ActionDownload},
		{"/gone", ActionDeleteRemote},
		{"/z-new", ActionUpload},
	}
	if len(actions) != len(want) {
		t.Fatalf("actions = %+v", actions)
	}
	for i, w := range want {
		if actions[i].Path != w.path || actions[i].Kind != w.kind {
			t.Errorf("action %d = %s %s, want %s %s", i, actions[i].Path, actions[i].Kind, w.path, w.kind)
		}
	}
}
