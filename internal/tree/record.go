package tree

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/jcbsnclr/ksync/internal/objects"
)

// Kind distinguishes file and directory nodes.
type Kind string

const (
	KindFile Kind = "file"
	KindDir  Kind = "dir"
)

// Entry is one child of a directory record. For files Ref is the content
// hash; for directories it is the id of the child record.
type Entry struct {
	Name    string       `json:"name"`
	Kind    Kind         `json:"kind"`
	Ref     objects.Hash `json:"ref"`
	Size    int64        `json:"size,omitempty"`
	ModTime int64        `json:"mtime,omitempty"` // unix nanoseconds
}

// sortKey orders entries so a depth-first walk yields full paths in
// byte-wise lexicographic order: a directory sorts as if its name ended
// in "/".
func (e Entry) sortKey() string {
	if e.Kind == KindDir {
		return e.Name + "/"
	}
	return e.Name
}

// dirRecord is the immutable content of a directory node. Its id is the
// SHA-256 of its JSON encoding.
type dirRecord struct {
	Entries []Entry `json:"entries"`
}

func (r *dirRecord) find(name string) (int, bool) {
	for i, e := range r.Entries {
		if e.Name == name {
			return i, true
		}
	}
	return -1, false
}

// with returns a copy of r with e added or replacing the entry of the
// same name.
func (r *dirRecord) with(e Entry) *dirRecord {
	out := &dirRecord{Entries: make([]Entry, 0, len(r.Entries)+1)}
	for _, old := range r.Entries {
		if old.Name != e.Name {
			out.Entries = append(out.Entries, old)
		}
	}
	out.Entries = append(out.Entries, e)
	sort.Slice(out.Entries, func(i, j int) bool {
		return strings.Compare(out.Entries[i].sortKey(), out.Entries[j].sortKey()) < 0
	})
	return out
}

// without returns a copy of r with the named entry removed.
func (r *dirRecord) without(name string) *dirRecord {
	out := &dirRecord{Entries: make([]Entry, 0, len(r.Entries))}
	for _, old := range r.Entries {
		if old.Name != name {
			out.Entries = append(out.Entries, old)
		}
	}
	return out
}

func (r *dirRecord) encode() ([]byte, objects.Hash, error) {
	if r.Entries == nil {
		r = &dirRecord{Entries: []Entry{}}
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, objects.Hash{}, err
	}
	return data, objects.Sum(data), nil
}

func decodeRecord(data []byte) (*dirRecord, error) {
	var r dirRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
