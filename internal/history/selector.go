package history

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jcbsnclr/ksync/internal/fserrors"
)

// SelectorKind names a way of picking a past version.
type SelectorKind string

const (
	// SelectEarliest picks the version with sequence number N.
	SelectEarliest SelectorKind = "earliest"
	// SelectLatest picks the version N steps back from the tip.
	SelectLatest SelectorKind = "latest"
	// SelectTime picks the newest version committed at or before Time.
	SelectTime SelectorKind = "time"
)

// Selector identifies a historical version.
type Selector struct {
	Kind SelectorKind `json:"kind"`
	N    int64        `json:"n,omitempty"`
	Time time.Time    `json:"time,omitzero"`
}

// Earliest selects the version with sequence number n.
func Earliest(n int64) Selector { return Selector{Kind: SelectEarliest, N: n} }

// Latest selects the version n steps before the tip.
func Latest(n int64) Selector { return Selector{Kind: SelectLatest, N: n} }

// AtTime selects the newest version whose timestamp is not after ts.
func AtTime(ts time.Time) Selector { return Selector{Kind: SelectTime, Time: ts} }

func (s Selector) String() string {
	switch s.Kind {
	case SelectTime:
		return fmt.Sprintf("time(%s)", s.Time.Format(time.RFC3339Nano))
	default:
		return fmt.Sprintf("%s(%d)", s.Kind, s.N)
	}
}

// Validate checks the parts of a selector that do not depend on the log.
func (s Selector) Validate() error {
	switch s.Kind {
	case SelectEarliest, SelectLatest:
		if s.N < 0 {
			return fmt.Errorf("%w: %s: negative offset", fserrors.ErrInvalidSelector, s)
		}
	case SelectTime:
		if s.Time.IsZero() {
			return fmt.Errorf("%w: time selector without a time", fserrors.ErrInvalidSelector)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", fserrors.ErrInvalidSelector, s.Kind)
	}
	return nil
}

// ParseSelector builds a selector from a kind and its argument as typed on
// the command line. Times are RFC 3339 or unix seconds.
func ParseSelector(kind, arg string) (Selector, error) {
	switch SelectorKind(strings.ToLower(kind)) {
	case SelectEarliest, SelectLatest:
		n, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return Selector{}, fmt.Errorf("%w: %s offset %q: %v", fserrors.ErrInvalidSelector, kind, arg, err)
		}
		s := Selector{Kind: SelectorKind(strings.ToLower(kind)), N: n}
		return s, s.Validate()
	case SelectTime:
		if secs, err := strconv.ParseInt(arg, 10, 64); err == nil {
			return AtTime(time.Unix(secs, 0)), nil
		}
		ts, err := time.Parse(time.RFC3339Nano, arg)
		if err != nil {
			return Selector{}, fmt.Errorf("%w: time %q: %v", fserrors.ErrInvalidSelector, arg, err)
		}
		return AtTime(ts), nil
	default:
		return Selector{}, fmt.Errorf("%w: unknown kind %q", fserrors.ErrInvalidSelector, kind)
	}
}
