package worker

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"chanfetch/internal/ipc"
	"chanfetch/internal/media"
	"chanfetch/internal/progress"
	logx "chanfetch/pkg/logx"
)

// task is one executing download inside the worker.
type task struct {
	jobID     string
	link      string
	targetDir string
	startedAt time.Time

	cancelRequested atomic.Bool

	norm    *progress.Normalizer
	limiter *rate.Limiter
	emit    func(ipc.Message) error
	log     logx.Logger

	mu       sync.Mutex
	lastSent progress.Update
	sentAny  bool
}

func (t *task) requestCancel() { t.cancelRequested.Store(true) }

// report sends the current progress state. Unforced reports are coalesced
// through the limiter and skipped when nothing changed.
func (t *task) report(force bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u := t.norm.State()
	if !force && t.sentAny && u == t.lastSent {
		return
	}
	if !force && !t.limiter.Allow() {
		return
	}
	if err := t.emit(ipc.Progress(t.jobID, u.Received, u.Total)); err != nil {
		return
	}
	t.lastSent = u
	t.sentAny = true
	t.log.Trace("progress", logx.Int64("received", u.Received), logx.Int64("total", u.Total))
}

// callback adapts transport signals; it returns false once cancellation
// was requested or ctx ended.
func (t *task) callback(ctx context.Context) media.ProgressFunc {
	return func(s progress.Signal) bool {
		if t.cancelRequested.Load() || ctx.Err() != nil {
			return false
		}
		t.norm.Apply(s)
		t.report(false)
		return true
	}
}

// poll estimates progress from the filesystem until ctx is done.
func (t *task) poll(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	tk := time.NewTicker(every)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
			if size, ok := newestFileSize(t.targetDir, t.startedAt); ok {
				t.norm.Estimate(size)
				t.report(false)
			}
		}
	}
}

// newestFileSize returns the size of the most recently modified regular
// file in dir that was touched at or after since.
func newestFileSize(dir string, since time.Time) (int64, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, false
	}
	var (
		best    time.Time
		size    int64
		found   bool
		horizon = since.Truncate(time.Second)
	)
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		mt := info.ModTime()
		if mt.Before(horizon) {
			continue
		}
		if !found || mt.After(best) {
			best, size, found = mt, info.Size(), true
		}
	}
	return size, found
}

// finalSize prefers the on-disk size of the completed file.
func finalSize(res media.Result) int64 {
	if res.FilePath == "" {
		return res.Size
	}
	if fi, err := os.Stat(filepath.Clean(res.FilePath)); err == nil {
		return fi.Size()
	}
	return res.Size
}
