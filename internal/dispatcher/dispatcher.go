// Package dispatcher supervises one worker process per chat, serializes each
// chat's downloads and bounds how many run at once across all chats.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"chanfetch/internal/eventbus"
	"chanfetch/internal/ipc"
	"chanfetch/internal/media"
	"chanfetch/internal/runtime/supervisor"
	logx "chanfetch/pkg/logx"
)

type Config struct {
	MaxActive int
	// TTL is how long a sandbox may sit idle before it is destroyed.
	TTL time.Duration
	// TTLCheck is the eviction check period; the effective delay is min(TTL, TTLCheck).
	TTLCheck time.Duration
	AlwaysOn bool
	// HeartbeatTimeout kills workers silent for longer than this. 0 disables.
	HeartbeatTimeout time.Duration
	WarmUp           bool
	// LogProgress logs every progress message at trace level.
	LogProgress bool
}

func (c *Config) normalize() {
	if c.MaxActive < 1 {
		c.MaxActive = 2
	}
	if c.TTL <= 0 {
		c.TTL = 10 * time.Minute
	}
	if c.TTLCheck <= 0 {
		c.TTLCheck = time.Minute
	}
}

// Counters are cumulative since the dispatcher was created.
type Counters struct {
	Spawns    uint64 `json:"spawns"`
	Exits     uint64 `json:"exits"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Cancelled uint64 `json:"cancelled"`
}

type Dispatcher struct {
	log     logx.Logger
	bus     eventbus.Bus
	spawner Spawner
	now     func() time.Time
	sup     *supervisor.Supervisor

	// mu guards everything below. Worker readers, timers and API calls all
	// mutate state only while holding it.
	mu          sync.Mutex
	cfg         Config
	sandboxes   map[int64]*Sandbox
	order       []int64 // registry insertion order
	jobs        map[string]*Job
	activeCount int
	closed      bool
	counters    Counters

	// rearm wakes the watchdog after Apply changed HeartbeatTimeout.
	rearm chan struct{}
}

type Option func(*Dispatcher)

// WithClock overrides time.Now for TTL bookkeeping.
func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

func New(cfg Config, spawner Spawner, log logx.Logger, bus eventbus.Bus, opts ...Option) *Dispatcher {
	cfg.normalize()
	if bus == nil {
		bus = eventbus.New()
	}
	log = log.With(logx.String("comp", "dispatcher"))
	d := &Dispatcher{
		log:       log,
		bus:       bus,
		spawner:   spawner,
		now:       time.Now,
		cfg:       cfg,
		sandboxes: map[int64]*Sandbox{},
		jobs:      map[string]*Job{},
		rearm:     make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(d)
	}
	d.sup = supervisor.NewSupervisor(context.Background(), supervisor.WithLogger(log))
	return d
}

// Start launches the heartbeat watchdog. It stops when ctx ends or on Close.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.sup.Go0("dispatcher.watchdog", func(sctx context.Context) {
		d.watchdog(sctx, ctx.Done())
	})
	return nil
}

func (d *Dispatcher) publish(typ string, data any) {
	d.bus.Publish(eventbus.Event{Type: typ, Time: d.now(), Data: data})
}

// EnsureSandbox returns the chat's sandbox bound to sessionID, spawning or
// replacing its worker when needed.
func (d *Dispatcher) EnsureSandbox(chatID int64, sessionID string) (SandboxInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return SandboxInfo{}, ErrDispatcherClosed
	}
	sb, err := d.ensureLocked(chatID, sessionID)
	if err != nil {
		return SandboxInfo{}, err
	}
	return sb.infoLocked(), nil
}

// EnqueueDownload appends a job to the chat's queue and returns immediately.
// Use Job.Wait or Job.Done for the outcome.
func (d *Dispatcher) EnqueueDownload(ctx context.Context, chatID int64, sessionID, link string, onProgress ProgressFunc) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	link = strings.TrimSpace(link)
	if link == "" {
		return nil, errors.New("dispatcher: empty link")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrDispatcherClosed
	}
	sb, err := d.ensureLocked(chatID, sessionID)
	if err != nil {
		return nil, err
	}

	now := d.now()
	job := newJob(chatID, link, onProgress, now)
	sb.queue = append(sb.queue, job)
	sb.lastUsedAt = now
	sb.lastActiveAt = now
	d.jobs[job.ID] = job
	d.publish(eventbus.TypeJobQueued, jobEvent(job, "", nil, media.Result{}, time.Time{}))
	d.log.Debug("job queued",
		logx.String("job_id", job.ID),
		logx.Int64("chat_id", chatID),
		logx.Int("queue_len", len(sb.queue)),
	)

	d.scheduleLocked(sb)
	return job, nil
}

// DestroySandbox rejects the chat's jobs, kills its worker and forgets it.
// Unknown chats are a no-op.
func (d *Dispatcher) DestroySandbox(chatID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sb := d.sandboxes[chatID]
	if sb == nil {
		return
	}
	d.destroyLocked(sb, ErrSandboxDestroyed)
	d.scheduleOthersLocked(nil)
}

// CancelJob removes a queued job or asks the worker to abort a running one.
// A running job resolves with ErrCancelled once the worker reacts.
func (d *Dispatcher) CancelJob(jobID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	job := d.jobs[jobID]
	if job == nil {
		return ErrJobNotFound
	}
	sb := d.sandboxes[job.ChatID]
	if sb != nil && sb.pending == job {
		job.cancelRequested = true
		if sb.worker == nil {
			return fmt.Errorf("cancel %s: %w", jobID, ErrWorkerExited)
		}
		if err := sb.worker.send(ipc.Cancel(jobID)); err != nil {
			return fmt.Errorf("cancel %s: %w", jobID, err)
		}
		d.log.Info("cancel sent to worker", logx.String("job_id", jobID), logx.Int64("chat_id", job.ChatID))
		return nil
	}
	if sb != nil {
		sb.queue = slices.DeleteFunc(sb.queue, func(j *Job) bool { return j == job })
	}
	job.cancelRequested = true
	d.resolveLocked(job, media.Result{}, ErrCancelled)
	d.log.Info("queued job cancelled", logx.String("job_id", jobID), logx.Int64("chat_id", job.ChatID))
	return nil
}

// ActiveJobs lists running then queued jobs, chats in registry order.
func (d *Dispatcher) ActiveJobs() []JobInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	var running, queued []JobInfo
	for _, id := range d.order {
		sb := d.sandboxes[id]
		if sb == nil {
			continue
		}
		if sb.pending != nil {
			running = append(running, sb.pending.infoLocked(JobRunning))
		}
		for _, j := range sb.queue {
			queued = append(queued, j.infoLocked(JobQueued))
		}
	}
	return append(running, queued...)
}

// Apply hot-reloads limits. Raising MaxActive admits waiting jobs at once.
func (d *Dispatcher) Apply(cfg Config) {
	cfg.normalize()
	d.mu.Lock()
	defer d.mu.Unlock()
	old := d.cfg
	d.cfg = cfg
	if old.TTL != cfg.TTL || old.TTLCheck != cfg.TTLCheck || old.AlwaysOn != cfg.AlwaysOn {
		for _, sb := range d.sandboxes {
			d.armTTLLocked(sb)
		}
	}
	if cfg.MaxActive > old.MaxActive {
		d.scheduleOthersLocked(nil)
	}
	if cfg.HeartbeatTimeout != old.HeartbeatTimeout {
		select {
		case d.rearm <- struct{}{}:
		default:
		}
	}
	d.log.Info("dispatcher config applied",
		logx.Int("max_active", cfg.MaxActive),
		logx.Duration("ttl", cfg.TTL),
		logx.Bool("always_on", cfg.AlwaysOn),
	)
}

// Close destroys every sandbox, rejecting outstanding jobs with
// ErrDispatcherClosed, and waits for workers to exit.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	var handles []*workerHandle
	for _, id := range slices.Clone(d.order) {
		sb := d.sandboxes[id]
		if sb == nil {
			continue
		}
		if sb.worker != nil {
			handles = append(handles, sb.worker)
		}
		d.destroyLocked(sb, ErrDispatcherClosed)
	}
	d.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, h := range handles {
		g.Go(func() error {
			select {
			case <-h.exited:
				return nil
			case <-gctx.Done():
				return fmt.Errorf("worker %s: %w", h.id, gctx.Err())
			}
		})
	}
	err := g.Wait()
	if serr := d.sup.Stop(ctx); err == nil {
		err = serr
	}
	d.log.Info("dispatcher closed", logx.Int("workers", len(handles)))
	return err
}

// resolveLocked settles a job that is no longer pending or queued.
func (d *Dispatcher) resolveLocked(job *Job, res media.Result, err error) {
	if !job.resolve(res, err) {
		return
	}
	delete(d.jobs, job.ID)

	outcome := eventbus.OutcomeDone
	switch {
	case err == nil:
		d.counters.Completed++
	case errors.Is(err, ErrCancelled):
		outcome = eventbus.OutcomeCancelled
		d.counters.Cancelled++
	default:
		outcome = eventbus.OutcomeFailed
		d.counters.Failed++
	}
	d.publish(eventbus.TypeJobFinished, jobEvent(job, outcome, err, res, d.now()))

	log := d.log.With(logx.String("job_id", job.ID), logx.Int64("chat_id", job.ChatID), logx.String("outcome", outcome))
	if err != nil && outcome == eventbus.OutcomeFailed {
		log.Warn("job failed", logx.Err(err))
	} else {
		log.Info("job finished", logx.String("file", res.FileName), logx.Int64("size", res.Size))
	}
}

func jobEvent(job *Job, outcome string, err error, res media.Result, finishedAt time.Time) eventbus.JobEvent {
	ev := eventbus.JobEvent{
		JobID:      job.ID,
		ChatID:     job.ChatID,
		Link:       job.Link,
		Outcome:    outcome,
		FileName:   res.FileName,
		FilePath:   res.FilePath,
		Size:       res.Size,
		EnqueuedAt: job.EnqueuedAt,
		StartedAt:  job.startedAt,
		FinishedAt: finishedAt,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}
