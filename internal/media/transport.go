// Package media defines the transport a worker uses to fetch remote media,
// plus a default HTTP implementation backed by on-disk session files.
package media

import (
	"context"
	"time"

	"chanfetch/internal/progress"
)

// Ref is a resolved, possibly expiring, reference to one media file.
type Ref struct {
	Link     string
	URL      string
	FileName string
	Size     int64 // 0 if unknown
	Expires  time.Time
}

// Result describes a completed transfer.
type Result struct {
	FileName string `json:"fileName"`
	FilePath string `json:"filePath"`
	Size     int64  `json:"size"`
}

// ProgressFunc receives transport progress; returning false cancels the transfer.
type ProgressFunc func(progress.Signal) bool

// Transport is the capability a worker needs from the remote media service.
type Transport interface {
	Init(ctx context.Context, sessionID string) error
	Warm(ctx context.Context) error
	Resolve(ctx context.Context, link string) (Ref, error)
	Transfer(ctx context.Context, ref Ref, targetDir string, cb ProgressFunc) (Result, error)
}
