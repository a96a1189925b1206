// Package protocol defines the API request/response types.
package protocol

import (
	"time"
)

// Header names used by file uploads.
const (
	HeaderContentHash = "X-Content-SHA256"
	HeaderModifiedAt  = "X-Modified-At" // RFC3339Nano
	HeaderVersion     = "X-Ksync-Version"
	HeaderHash        = "X-Ksync-Hash"
)

// ErrorResponse is returned on API errors. Kind is one of the fserrors
// kinds and lets clients recover the sentinel error.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
	Kind  string `json:"kind"`
}

// VersionResponse describes one committed version.
type VersionResponse struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Tree      string    `json:"tree"`
	Parent    int64     `json:"parent"`
	Op        string    `json:"op,omitempty"`
}

// InsertResponse is returned by PUT /api/v1/files/{path}.
type InsertResponse struct {
	Path    string          `json:"path"`
	Hash    string          `json:"hash"`
	Size    int64           `json:"size"`
	Version VersionResponse `json:"version"`
}

// FileEntry is one file in a listing.
type FileEntry struct {
	Path    string    `json:"path"`
	Hash    string    `json:"hash"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time,omitzero"`
}

// ListingResponse is returned by GET /api/v1/listing.
type ListingResponse struct {
	Version VersionResponse `json:"version"`
	Files   []FileEntry     `json:"files"`
}

// ChildEntry is one entry of a directory node.
type ChildEntry struct {
	Name    string    `json:"name"`
	Kind    string    `json:"kind"`
	Hash    string    `json:"hash"`
	Size    int64     `json:"size,omitempty"`
	ModTime time.Time `json:"mod_time,omitzero"`
}

// NodeResponse is returned by GET /api/v1/nodes/{path}.
type NodeResponse struct {
	Path     string       `json:"path"`
	Name     string       `json:"name"`
	Kind     string       `json:"kind"` // "file" or "dir"
	Hash     string       `json:"hash"`
	Size     int64        `json:"size,omitempty"`
	ModTime  time.Time    `json:"mod_time,omitzero"`
	Children []ChildEntry `json:"children,omitempty"`
	Version  uint64       `json:"version"`
}

// HistoryResponse is returned by GET /api/v1/history.
type HistoryResponse struct {
	Versions []VersionResponse `json:"versions"`
}

// RollbackRequest is the body for POST /api/v1/rollback.
type RollbackRequest struct {
	Kind string    `json:"kind"` // "earliest", "latest" or "time"
	N    int64     `json:"n,omitempty"`
	Time time.Time `json:"time,omitzero"`
}

// StatsResponse is returned by GET /api/v1/stats.
type StatsResponse struct {
	Version     VersionResponse `json:"version"`
	Objects     int64           `json:"objects"`
	ObjectBytes int64           `json:"object_bytes"`
	Backend     string          `json:"backend"`
	Subscribers int             `json:"subscribers"`
}

// SSEEvent represents a server-sent event announcing a new version.
type SSEEvent struct {
	Type      string `json:"type"`
	Op        string `json:"op"`
	Seq       uint64 `json:"seq"`
	Tree      string `json:"tree"`
	Timestamp int64  `json:"timestamp"`
}
