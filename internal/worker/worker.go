// Package worker implements the per-chat download process. It speaks the
// ipc protocol on its stdin/stdout and runs at most one job at a time.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"chanfetch/internal/ipc"
	"chanfetch/internal/media"
	"chanfetch/internal/progress"
	"chanfetch/internal/runtime/supervisor"
	logx "chanfetch/pkg/logx"
)

type Options struct {
	Transport media.Transport
	// WorkDir receives downloaded files; the fallback poller scans it.
	WorkDir string

	HeartbeatInterval time.Duration // default 5s
	PollInterval      time.Duration // default 1s, <0 disables the poller
	RequestTimeout    time.Duration // per attempt, 0 disables
	// ProgressRate caps progress messages per second (default 4).
	ProgressRate rate.Limit
	Retry        RetryPolicy

	Log logx.Logger
}

func (o *Options) setDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 5 * time.Second
	}
	if o.PollInterval == 0 {
		o.PollInterval = time.Second
	}
	if o.ProgressRate <= 0 {
		o.ProgressRate = 4
	}
	if o.Retry.Attempts <= 0 {
		o.Retry = DefaultRetryPolicy()
	}
}

type Worker struct {
	opts Options
	enc  *ipc.Encoder
	log  logx.Logger

	sup *supervisor.Supervisor

	mu        sync.Mutex
	sessionID string
	current   *task
}

func New(opts Options, out io.Writer) *Worker {
	opts.setDefaults()
	return &Worker{
		opts: opts,
		enc:  ipc.NewEncoder(out),
		log:  opts.Log.With(logx.String("comp", "worker")),
	}
}

// Serve runs a worker on the given streams until in reaches EOF or ctx ends.
func Serve(ctx context.Context, in io.Reader, out io.Writer, opts Options) error {
	return New(opts, out).Run(ctx, in)
}

func (w *Worker) Run(ctx context.Context, in io.Reader) error {
	if w.opts.Transport == nil {
		return errors.New("worker: transport is required")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(w.log))
	w.sup.Go0("worker.heartbeat", w.heartbeatLoop)

	msgs := make(chan ipc.Message)
	w.sup.Go0("worker.reader", func(ctx context.Context) {
		defer close(msgs)
		dec := ipc.NewDecoder(in)
		for {
			m, err := dec.Next()
			if err != nil {
				if errors.Is(err, ipc.ErrMalformed) {
					w.log.Warn("ignoring malformed message", logx.Err(err))
					continue
				}
				if !errors.Is(err, io.EOF) {
					w.log.Warn("stdin read failed", logx.Err(err))
				}
				return
			}
			select {
			case msgs <- m:
			case <-ctx.Done():
				return
			}
		}
	})

	w.log.Info("worker started", logx.String("workdir", w.opts.WorkDir))
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case m, ok := <-msgs:
			if !ok {
				break loop
			}
			w.handle(ctx, m)
		}
	}

	w.mu.Lock()
	if t := w.current; t != nil {
		t.requestCancel()
	}
	w.mu.Unlock()
	cancel()

	// The reader may still be blocked on stdin; do not wait for it forever.
	stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	_ = w.sup.Wait(stopCtx)
	w.log.Info("worker stopped")
	return nil
}

func (w *Worker) send(m ipc.Message) error {
	if err := w.enc.Encode(m); err != nil {
		w.log.Debug("ipc send failed", logx.String("kind", string(m.Kind)), logx.Err(err))
		return err
	}
	return nil
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	tk := time.NewTicker(w.opts.HeartbeatInterval)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
			if err := w.send(ipc.Heartbeat()); err != nil {
				return
			}
		}
	}
}

func (w *Worker) handle(ctx context.Context, m ipc.Message) {
	switch m.Kind {
	case ipc.KindInit:
		w.mu.Lock()
		w.sessionID = m.SessionID
		w.mu.Unlock()
		if err := w.opts.Transport.Init(ctx, m.SessionID); err != nil {
			w.log.Warn("session init failed", logx.String("session_id", m.SessionID), logx.Err(err))
			return
		}
		w.log.Info("session ready", logx.String("session_id", m.SessionID))

	case ipc.KindWarm:
		w.sup.Go0("worker.warm", func(ctx context.Context) {
			if err := w.opts.Transport.Warm(ctx); err != nil {
				w.log.Debug("warm-up failed", logx.Err(err))
			}
			_ = w.send(ipc.WarmOK())
		})

	case ipc.KindDownload:
		w.startDownload(ctx, m)

	case ipc.KindCancel:
		w.mu.Lock()
		t := w.current
		w.mu.Unlock()
		if t != nil && (m.JobID == "" || m.JobID == t.jobID) {
			t.requestCancel()
			w.log.Info("cancel requested", logx.String("job_id", t.jobID))
		}

	default:
		w.log.Warn("unexpected message", logx.String("kind", string(m.Kind)))
	}
}

func (w *Worker) startDownload(ctx context.Context, m ipc.Message) {
	w.mu.Lock()
	if w.sessionID == "" {
		w.mu.Unlock()
		_ = w.send(ipc.Failure(m.JobID, media.ErrNotInitialized))
		return
	}
	if w.current != nil {
		w.mu.Unlock()
		_ = w.send(ipc.Failure(m.JobID, ipc.ErrBusy))
		return
	}
	t := &task{
		jobID:     m.JobID,
		link:      m.Link,
		targetDir: w.opts.WorkDir,
		startedAt: time.Now(),
		limiter:   rate.NewLimiter(w.opts.ProgressRate, 1),
		norm:      progress.NewNormalizer(0),
		emit:      w.send,
		log:       w.log.With(logx.String("job_id", m.JobID)),
	}
	w.current = t
	w.mu.Unlock()

	w.sup.Go0("worker.download", func(ctx context.Context) {
		defer w.release(t)
		res, err := w.execute(ctx, t)
		if err != nil {
			t.log.Warn("download failed", logx.Err(err))
			w.finish(t, ipc.Failure(t.jobID, err))
			return
		}
		t.log.Info("download finished", logx.String("file", res.FileName), logx.Int64("size", res.Size))
		w.finish(t, ipc.Done(t.jobID, res))
	})
}

// finish frees the slot before the terminal message goes out: the next
// download may arrive as soon as the dispatcher reads it.
func (w *Worker) finish(t *task, m ipc.Message) {
	w.release(t)
	_ = w.send(m)
}

func (w *Worker) release(t *task) {
	w.mu.Lock()
	if w.current == t {
		w.current = nil
	}
	w.mu.Unlock()
}

// execute resolves and transfers the link under the retry policy, with the
// fallback poller running for the whole job.
func (w *Worker) execute(ctx context.Context, t *task) (media.Result, error) {
	t.log.Info("download started", logx.String("link", t.link))

	pollCtx, stopPoll := context.WithCancel(ctx)
	var pollWG sync.WaitGroup
	pollWG.Add(1)
	go func() {
		defer pollWG.Done()
		t.poll(pollCtx, w.opts.PollInterval)
	}()
	stop := func() {
		stopPoll()
		pollWG.Wait()
	}

	var res media.Result
	err := w.opts.Retry.Do(ctx, t.log, func(ctx context.Context, attempt int) error {
		if t.cancelRequested.Load() {
			return media.ErrCancelled
		}
		actx, cancel := ctx, context.CancelFunc(func() {})
		if w.opts.RequestTimeout > 0 {
			actx, cancel = context.WithTimeout(ctx, w.opts.RequestTimeout)
		}
		defer cancel()

		ref, err := w.opts.Transport.Resolve(actx, t.link)
		if err != nil {
			return fmt.Errorf("resolve: %w", err)
		}
		// Each attempt transfers from scratch.
		t.norm.Restart()
		t.norm.Hint(ref.Size)
		r, err := w.opts.Transport.Transfer(actx, ref, t.targetDir, t.callback(ctx))
		if err != nil {
			if t.cancelRequested.Load() {
				return media.ErrCancelled
			}
			return fmt.Errorf("transfer: %w", err)
		}
		res = r
		return nil
	})
	stop()
	if err != nil {
		return media.Result{}, err
	}

	res.Size = finalSize(res)
	t.norm.Finish(res.Size)
	t.report(true)
	return res, nil
}
