// Package maintenance runs periodic housekeeping over the download tree.
package maintenance

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/robfig/cron/v3"

	"chanfetch/internal/dispatcher"
	"chanfetch/internal/media"
	logx "chanfetch/pkg/logx"
)

type Config struct {
	Enabled bool
	// Schedule is a cron spec or descriptor such as "@every 30m".
	Schedule string
	// PartialMaxAge is how old a partial file must be before removal.
	PartialMaxAge time.Duration
	// Root is the download directory holding one subdirectory per chat.
	Root string
}

// Sandboxes reports whether a chat currently has work in flight.
type Sandboxes interface {
	Sandbox(chatID int64) (dispatcher.SandboxInfo, bool)
}

// Report summarizes one sweep.
type Report struct {
	Chats   int
	Skipped int // chats with a running or queued job
	Removed int
	Freed   int64
}

// Janitor removes stale partial downloads from idle chats so the worker's
// fallback poller never mistakes them for fresh progress.
type Janitor struct {
	log       logx.Logger
	sandboxes Sandboxes
	parser    cron.Parser
	now       func() time.Time

	mu  sync.Mutex
	cfg Config
	c   *cron.Cron

	sweepMu sync.Mutex
}

func New(cfg Config, sandboxes Sandboxes, log logx.Logger) *Janitor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Janitor{
		log:       log.With(logx.String("comp", "janitor")),
		sandboxes: sandboxes,
		parser:    cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		now:       time.Now,
		cfg:       cfg,
	}
}

// Start schedules sweeps. It is a no-op when disabled or already running.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.c != nil || !j.cfg.Enabled {
		return nil
	}
	sched, err := j.parser.Parse(strings.TrimSpace(j.cfg.Schedule))
	if err != nil {
		return err
	}
	j.c = cron.New(cron.WithParser(j.parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	j.c.Schedule(sched, cron.FuncJob(func() {
		if _, err := j.Sweep(ctx); err != nil {
			j.log.Warn("sweep failed", logx.Err(err))
		}
	}))
	j.c.Start()
	j.log.Info("janitor started", logx.String("schedule", j.cfg.Schedule), logx.Duration("partial_max_age", j.cfg.PartialMaxAge))
	return nil
}

func (j *Janitor) Stop(ctx context.Context) {
	j.mu.Lock()
	c := j.c
	j.c = nil
	j.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	j.log.Info("janitor stopped")
}

// Apply swaps the config and reschedules when needed.
func (j *Janitor) Apply(ctx context.Context, cfg Config) error {
	j.mu.Lock()
	prev := j.cfg
	j.cfg = cfg
	running := j.c != nil
	j.mu.Unlock()

	if running && (!cfg.Enabled || prev.Schedule != cfg.Schedule) {
		j.Stop(ctx)
		running = false
	}
	if !running {
		return j.Start(ctx)
	}
	return nil
}

// Sweep removes partial files older than PartialMaxAge from the working
// directories of chats that have nothing running or queued.
func (j *Janitor) Sweep(ctx context.Context) (Report, error) {
	j.sweepMu.Lock()
	defer j.sweepMu.Unlock()

	j.mu.Lock()
	cfg := j.cfg
	j.mu.Unlock()

	var rep Report
	if cfg.Root == "" || cfg.PartialMaxAge <= 0 {
		return rep, nil
	}
	entries, err := os.ReadDir(cfg.Root)
	if errors.Is(err, fs.ErrNotExist) {
		return rep, nil
	}
	if err != nil {
		return rep, err
	}

	cutoff := j.now().Add(-cfg.PartialMaxAge)
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if !e.IsDir() {
			continue
		}
		chatID, err := strconv.ParseInt(e.Name(), 10, 64)
		if err != nil {
			continue
		}
		rep.Chats++
		if info, ok := j.sandboxes.Sandbox(chatID); ok && (info.Running || info.Queued > 0) {
			rep.Skipped++
			continue
		}
		removed, freed := j.sweepDir(dispatcher.WorkDir(cfg.Root, chatID), cutoff)
		rep.Removed += removed
		rep.Freed += freed
	}

	if rep.Removed > 0 {
		j.log.Info("stale partials removed",
			logx.Int("files", rep.Removed),
			logx.String("freed", humanize.IBytes(uint64(rep.Freed))),
			logx.Int("chats", rep.Chats),
		)
	} else {
		j.log.Debug("sweep clean", logx.Int("chats", rep.Chats), logx.Int("skipped", rep.Skipped))
	}
	return rep, nil
}

func (j *Janitor) sweepDir(dir string, cutoff time.Time) (removed int, freed int64) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(d.Name(), media.PartialSuffix) {
			return nil
		}
		fi, err := d.Info()
		if err != nil || fi.ModTime().After(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			j.log.Warn("remove partial failed", logx.String("path", path), logx.Err(err))
			return nil
		}
		removed++
		freed += fi.Size()
		return nil
	})
	return removed, freed
}
