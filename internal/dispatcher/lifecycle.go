package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"chanfetch/internal/eventbus"
	"chanfetch/internal/ipc"
	"chanfetch/internal/media"
	"chanfetch/internal/progress"
	logx "chanfetch/pkg/logx"
)

// startWorkerLocked spawns a worker for sb and sends it init (and warm).
func (d *Dispatcher) startWorkerLocked(sb *Sandbox) error {
	spec := SpawnSpec{ChatID: sb.chatID, SessionID: sb.sessionID, InstanceID: uuid.NewString()}
	proc, err := d.spawner.Spawn(d.sup.Context(), spec)
	if err != nil {
		d.log.Error("worker spawn failed", logx.Int64("chat_id", sb.chatID), logx.Err(err))
		return fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	now := d.now()
	h := newWorkerHandle(spec.InstanceID, spec, proc, now)
	sb.worker = h
	sb.lastActiveAt = now
	d.counters.Spawns++

	log := d.log.With(
		logx.String("comp", "worker"),
		logx.Int64("chat_id", sb.chatID),
		logx.String("worker_id", h.id),
	)
	var pipes sync.WaitGroup
	pipes.Add(2)
	d.sup.Go0("dispatcher.worker.writer", func(_ context.Context) { h.writeLoop(log) })
	d.sup.Go0("dispatcher.worker.reader", func(_ context.Context) {
		defer pipes.Done()
		h.readLoop(log, func(m ipc.Message) { d.onMessage(h, m) })
	})
	d.sup.Go0("dispatcher.worker.stderr", func(_ context.Context) {
		defer pipes.Done()
		h.relayLogs(log)
	})
	d.sup.Go0("dispatcher.worker.wait", func(_ context.Context) {
		pipes.Wait()
		err := proc.Wait()
		close(h.exited)
		d.onExit(h, err)
	})

	_ = h.send(ipc.Init(sb.sessionID))
	if d.cfg.WarmUp {
		_ = h.send(ipc.Warm())
	}
	d.publish(eventbus.TypeWorkerSpawned, eventbus.SandboxEvent{ChatID: sb.chatID, SessionID: sb.sessionID, InstanceID: h.id})
	log.Info("worker spawned", logx.Int("pid", proc.PID()))
	return nil
}

func (d *Dispatcher) onMessage(h *workerHandle, m ipc.Message) {
	now := d.now()
	h.seen(now)

	d.mu.Lock()
	sb := d.sandboxes[h.chatID]
	if sb == nil || sb.worker != h {
		d.mu.Unlock()
		return
	}
	sb.lastActiveAt = now

	switch m.Kind {
	case ipc.KindHeartbeat:
	case ipc.KindWarmOK:
		d.log.Debug("worker warm", logx.Int64("chat_id", h.chatID))

	case ipc.KindProgress:
		job := sb.pending
		if job == nil || job.ID != m.JobID {
			break
		}
		u := progress.Update{Received: m.Received, Total: m.Total}
		job.progress = u
		cb := job.onProgress
		logProgress := d.cfg.LogProgress
		d.mu.Unlock()
		if logProgress {
			d.log.Trace("progress", logx.String("job_id", job.ID), logx.Int64("received", u.Received), logx.Int64("total", u.Total))
		}
		d.forwardProgress(cb, job.ID, u)
		return

	case ipc.KindDone, ipc.KindError:
		job := sb.pending
		if job == nil || job.ID != m.JobID {
			d.log.Debug("stale job outcome ignored", logx.String("job_id", m.JobID), logx.Int64("chat_id", h.chatID))
			break
		}
		var (
			res media.Result
			err error
		)
		if m.Kind == ipc.KindDone {
			if m.Result != nil {
				res = *m.Result
			}
		} else {
			err = m.Err()
		}
		d.finishLocked(sb, job, res, err)
		d.scheduleLocked(sb)
		d.scheduleOthersLocked(sb)

	default:
		d.log.Warn("unexpected worker message", logx.String("kind", string(m.Kind)), logx.Int64("chat_id", h.chatID))
	}
	d.mu.Unlock()
}

// forwardProgress calls the job's sink, swallowing panics.
func (d *Dispatcher) forwardProgress(cb ProgressFunc, jobID string, u progress.Update) {
	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.log.Warn("progress sink panicked", logx.String("job_id", jobID), logx.Any("panic", r))
		}
	}()
	cb(jobID, u)
}

// onExit runs once per worker after its pipes are drained.
func (d *Dispatcher) onExit(h *workerHandle, waitErr error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counters.Exits++

	reason := h.killReason()
	sb := d.sandboxes[h.chatID]
	current := sb != nil && sb.worker == h
	ev := eventbus.SandboxEvent{ChatID: h.chatID, SessionID: h.sessionID, InstanceID: h.id}
	if reason != nil {
		ev.Reason = reason.Error()
	} else if waitErr != nil {
		ev.Reason = waitErr.Error()
	}
	d.publish(eventbus.TypeWorkerExited, ev)
	if !current {
		return
	}

	if reason == nil {
		reason = ErrWorkerExited
	}
	d.log.Warn("worker exited",
		logx.Int64("chat_id", h.chatID),
		logx.String("worker_id", h.id),
		logx.Int("queued", len(sb.queue)),
		logx.Err(waitErr),
		logx.String("reason", reason.Error()),
	)
	sb.worker = nil
	if job := sb.pending; job != nil {
		err := reason
		if waitErr != nil {
			err = fmt.Errorf("%w: %v", reason, waitErr)
		}
		d.finishLocked(sb, job, media.Result{}, err)
	}
	if len(sb.queue) == 0 {
		d.removeLocked(sb, reason)
	} else {
		d.scheduleLocked(sb)
	}
	d.scheduleOthersLocked(sb)
}

// finishLocked settles the pending job of sb. The activeCount decrement is
// tied to clearing pending, so it happens exactly once per job.
func (d *Dispatcher) finishLocked(sb *Sandbox, job *Job, res media.Result, err error) bool {
	if sb.pending != job {
		return false
	}
	sb.pending = nil
	if sb.running {
		sb.running = false
		d.activeCount--
	}
	sb.lastUsedAt = d.now()
	d.resolveLocked(job, res, err)
	return true
}
