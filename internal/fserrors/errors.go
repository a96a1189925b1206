// Package fserrors defines the error taxonomy shared by the store, the
// HTTP API and the client.
package fserrors

import (
	"errors"
	"net/http"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidPath     = errors.New("invalid path")
	ErrInvalidSelector = errors.New("invalid selector")
	// ErrStaleBase is returned by a commit whose parent is no longer the
	// tip. It is retried internally and never reaches callers of files.Store.
	ErrStaleBase  = errors.New("stale base")
	ErrConflict   = errors.New("conflict: too many concurrent writers")
	ErrIO         = errors.New("i/o error")
	ErrBadRequest = errors.New("bad request")
)

// Kind is the wire name of an error class.
type Kind string

const (
	KindNotFound        Kind = "not_found"
	KindInvalidPath     Kind = "invalid_path"
	KindInvalidSelector Kind = "invalid_selector"
	KindConflict        Kind = "conflict"
	KindIO              Kind = "io_error"
	KindBadRequest      Kind = "bad_request"
)

var kinds = []struct {
	kind   Kind
	err    error
	status int
}{
	{KindNotFound, ErrNotFound, http.StatusNotFound},
	{KindInvalidPath, ErrInvalidPath, http.StatusBadRequest},
	{KindInvalidSelector, ErrInvalidSelector, http.StatusBadRequest},
	{KindConflict, ErrConflict, http.StatusConflict},
	{KindBadRequest, ErrBadRequest, http.StatusBadRequest},
	{KindIO, ErrIO, http.StatusInternalServerError},
}

// KindOf classifies err. Unclassified errors are reported as KindIO.
func KindOf(err error) Kind {
	if errors.Is(err, ErrStaleBase) {
		return KindConflict
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindIO
}

// Status returns the HTTP status code for err.
func Status(err error) int {
	kind := KindOf(err)
	for _, k := range kinds {
		if k.kind == kind {
			return k.status
		}
	}
	return http.StatusInternalServerError
}

// FromKind returns the sentinel for a wire kind, or nil if unknown.
func FromKind(kind Kind) error {
	for _, k := range kinds {
		if k.kind == kind {
			return k.err
		}
	}
	return nil
}
