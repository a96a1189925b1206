// Package history keeps the linear chain of committed tree versions.
//
// Every mutation of the store becomes a new entry; rollback commits an old
// tree again instead of rewinding the chain. Commit is the only place where
// concurrent writers are serialized.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/jcbsnclr/ksync/internal/fserrors"
	"github.com/jcbsnclr/ksync/internal/metadata"
	"github.com/jcbsnclr/ksync/internal/objects"
)

// Entry is one committed version.
type Entry struct {
	Seq       uint64
	Timestamp time.Time
	Tree      objects.Hash
	Parent    int64 // -1 for the genesis entry
	Op        string
}

// Log is the history log stored in the history table.
type Log struct {
	db  *metadata.DB
	now func() time.Time

	// mu serializes commits from this process; the seq primary key catches
	// writers from other processes sharing a PostgreSQL database.
	mu sync.Mutex
}

// Open opens the log, creating the genesis entry for tree genesis when the
// log is empty.
func Open(ctx context.Context, db *metadata.DB, genesis objects.Hash) (*Log, error) {
	return open(ctx, db, genesis, time.Now)
}

func open(ctx context.Context, db *metadata.DB, genesis objects.Hash, now func() time.Time) (*Log, error) {
	l := &Log{db: db, now: now}

	_, err := l.Current(ctx)
	if err == nil {
		return l, nil
	}
	if !errors.Is(err, fserrors.ErrNotFound) {
		return nil, err
	}

	_, err = db.ExecContext(ctx, "history_genesis",
		`INSERT INTO history (seq, ts, tree, parent, op) VALUES (0, ?, ?, -1, 'genesis') ON CONFLICT (seq) DO NOTHING`,
		l.now().UnixNano(), genesis.String())
	if err != nil {
		return nil, fmt.Errorf("create genesis entry: %w: %w", fserrors.ErrIO, err)
	}
	return l, nil
}

const entryColumns = `seq, ts, tree, parent, op`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		e    Entry
		seq  int64
		ts   int64
		tree string
	)
	if err := row.Scan(&seq, &ts, &tree, &e.Parent, &e.Op); err != nil {
		return Entry{}, err
	}
	h, err := objects.ParseHash(tree)
	if err != nil {
		return Entry{}, err
	}
	e.Seq = uint64(seq)
	e.Timestamp = time.Unix(0, ts)
	e.Tree = h
	return e, nil
}

func notFoundOr(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", msg, fserrors.ErrNotFound)
	}
	return fmt.Errorf("%s: %w: %w", msg, fserrors.ErrIO, err)
}

// Current returns the tip of the log.
func (l *Log) Current(ctx context.Context) (Entry, error) {
	row := l.db.QueryRowContext(ctx, "history_current",
		`SELECT `+entryColumns+` FROM history ORDER BY seq DESC LIMIT 1`)
	e, err := scanEntry(row)
	if err != nil {
		return Entry{}, notFoundOr(err, "current version")
	}
	return e, nil
}

// At returns the entry with sequence number seq.
func (l *Log) At(ctx context.Context, seq uint64) (Entry, error) {
	row := l.db.QueryRowContext(ctx, "history_at",
		`SELECT `+entryColumns+` FROM history WHERE seq = ?`, int64(seq))
	e, err := scanEntry(row)
	if err != nil {
		return Entry{}, notFoundOr(err, "version %d", seq)
	}
	return e, nil
}

// Entries returns the whole log in sequence order.
func (l *Log) Entries(ctx context.Context) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, "history_entries",
		`SELECT `+entryColumns+` FROM history ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("list history: %w: %w", fserrors.ErrIO, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan history: %w: %w", fserrors.ErrIO, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list history: %w: %w", fserrors.ErrIO, err)
	}
	return out, nil
}

// Commit appends tree as the successor of parent. It fails with
// fserrors.ErrStaleBase when parent is no longer the tip. The new
// timestamp never precedes the tip's.
func (l *Log) Commit(ctx context.Context, tree objects.Hash, parent uint64, op string) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var committed Entry
	err := l.db.InTx(ctx, func(tx *metadata.Tx) error {
		row := tx.QueryRowContext(ctx, "history_tip",
			`SELECT `+entryColumns+` FROM history ORDER BY seq DESC LIMIT 1`)
		tip, err := scanEntry(row)
		if err != nil {
			return notFoundOr(err, "read tip")
		}
		if tip.Seq != parent {
			return fmt.Errorf("commit on version %d, tip is %d: %w", parent, tip.Seq, fserrors.ErrStaleBase)
		}

		ts := l.now()
		if ts.Before(tip.Timestamp) {
			ts = tip.Timestamp
		}
		committed = Entry{
			Seq:       tip.Seq + 1,
			Timestamp: ts,
			Tree:      tree,
			Parent:    int64(tip.Seq),
			Op:        op,
		}

		_, err = tx.ExecContext(ctx, "history_commit",
			`INSERT INTO history (seq, ts, tree, parent, op) VALUES (?, ?, ?, ?, ?)`,
			int64(committed.Seq), ts.UnixNano(), tree.String(), committed.Parent, op)
		if metadata.IsUniqueViolation(err) {
			return fmt.Errorf("version %d taken by another writer: %w", committed.Seq, fserrors.ErrStaleBase)
		}
		if err != nil {
			return fmt.Errorf("append version %d: %w: %w", committed.Seq, fserrors.ErrIO, err)
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, fserrors.ErrStaleBase) && metadata.IsUniqueViolation(err) {
			return Entry{}, fmt.Errorf("%w: %w", fserrors.ErrStaleBase, err)
		}
		return Entry{}, err
	}
	return committed, nil
}

// Select resolves sel against the current tip without committing.
func (l *Log) Select(ctx context.Context, sel Selector) (Entry, error) {
	tip, err := l.Current(ctx)
	if err != nil {
		return Entry{}, err
	}
	return l.selectFrom(ctx, tip, sel)
}

// Timestamps are stored as unix nanoseconds; these bound what an int64 holds.
var (
	minStamp = time.Unix(0, math.MinInt64)
	maxStamp = time.Unix(0, math.MaxInt64)
)

func (l *Log) selectFrom(ctx context.Context, tip Entry, sel Selector) (Entry, error) {
	if err := sel.Validate(); err != nil {
		return Entry{}, err
	}

	switch sel.Kind {
	case SelectEarliest:
		if uint64(sel.N) > tip.Seq {
			return Entry{}, fmt.Errorf("%w: %s is past the tip (%d)", fserrors.ErrInvalidSelector, sel, tip.Seq)
		}
		return l.At(ctx, uint64(sel.N))
	case SelectLatest:
		if uint64(sel.N) > tip.Seq {
			return Entry{}, fmt.Errorf("%w: %s reaches before version 0 (tip %d)", fserrors.ErrInvalidSelector, sel, tip.Seq)
		}
		return l.At(ctx, tip.Seq-uint64(sel.N))
	default:
		switch {
		case sel.Time.After(maxStamp):
			return tip, nil
		case sel.Time.Before(minStamp):
			return Entry{}, fmt.Errorf("%w: no version at or before %s", fserrors.ErrNotFound, sel.Time.Format(time.RFC3339Nano))
		}
		row := l.db.QueryRowContext(ctx, "history_at_time",
			`SELECT `+entryColumns+` FROM history WHERE ts <= ? AND seq <= ? ORDER BY seq DESC LIMIT 1`,
			sel.Time.UnixNano(), int64(tip.Seq))
		e, err := scanEntry(row)
		if err != nil {
			return Entry{}, notFoundOr(err, "no version at or before %s", sel.Time.Format(time.RFC3339Nano))
		}
		return e, nil
	}
}

// Rollback makes the tree chosen by sel current again by committing it as
// a new entry. It makes a single attempt and may fail with
// fserrors.ErrStaleBase; callers retry.
func (l *Log) Rollback(ctx context.Context, sel Selector) (Entry, error) {
	tip, err := l.Current(ctx)
	if err != nil {
		return Entry{}, err
	}
	target, err := l.selectFrom(ctx, tip, sel)
	if err != nil {
		return Entry{}, err
	}
	return l.Commit(ctx, target.Tree, tip.Seq, "rollback")
}
