package tree

import (
	"fmt"
	"strings"

	"github.com/jcbsnclr/ksync/internal/fserrors"
)

// Path is a validated absolute path split into components. The empty Path
// is the root.
type Path []string

// ParsePath validates an absolute slash-separated path. "/" is the root;
// empty, "." and ".." components and trailing slashes are rejected.
func ParsePath(s string) (Path, error) {
	if !strings.HasPrefix(s, "/") {
		return nil, fmt.Errorf("%w: %q is not absolute", fserrors.ErrInvalidPath, s)
	}
	if s == "/" {
		return Path{}, nil
	}
	if strings.ContainsRune(s, 0) {
		return nil, fmt.Errorf("%w: %q contains NUL", fserrors.ErrInvalidPath, s)
	}

	parts := strings.Split(s[1:], "/")
	for _, p := range parts {
		switch p {
		case "":
			return nil, fmt.Errorf("%w: %q has an empty component", fserrors.ErrInvalidPath, s)
		case ".", "..":
			return nil, fmt.Errorf("%w: %q has a relative component", fserrors.ErrInvalidPath, s)
		}
	}
	return Path(parts), nil
}

// MustParsePath is ParsePath for constants; it panics on error.
func MustParsePath(s string) Path {
	p, err := ParsePath(s)
	if err != nil {
		panic(err)
	}
	return p
}

// IsRoot reports whether p names the root directory.
func (p Path) IsRoot() bool {
	return len(p) == 0
}

// Name returns the last component, or "" for the root.
func (p Path) Name() string {
	if p.IsRoot() {
		return ""
	}
	return p[len(p)-1]
}

func (p Path) String() string {
	return "/" + strings.Join(p, "/")
}

func joinPath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}
