package dispatcher

import (
	"fmt"
	"slices"
	"time"

	"chanfetch/internal/eventbus"
	"chanfetch/internal/ipc"
	"chanfetch/internal/media"
	logx "chanfetch/pkg/logx"
)

// scheduleLocked is the scheduling pass for one chat:
//  1. repair stale state and respawn a dead worker if work is waiting
//  2. admit the head job if the chat is idle and capacity allows
func (d *Dispatcher) scheduleLocked(sb *Sandbox) {
	if d.closed || d.sandboxes[sb.chatID] != sb {
		return
	}
	defer d.armTTLLocked(sb)

	dead := sb.worker == nil || !sb.worker.alive()
	if sb.running && (sb.pending == nil || dead) {
		if sb.pending != nil {
			reason := ErrWorkerExited
			if sb.worker != nil && sb.worker.killReason() != nil {
				reason = sb.worker.killReason()
			}
			d.finishLocked(sb, sb.pending, media.Result{}, reason)
		} else {
			sb.running = false
			d.activeCount--
		}
	}

	if dead {
		if len(sb.queue) == 0 {
			return
		}
		if old := sb.worker; old != nil {
			sb.worker = nil
			old.kill(ErrWorkerExited)
		}
		if err := d.startWorkerLocked(sb); err != nil {
			d.failQueueLocked(sb, err)
			d.removeLocked(sb, err)
			return
		}
		d.log.Info("worker respawned for queued jobs", logx.Int64("chat_id", sb.chatID), logx.Int("queued", len(sb.queue)))
	}

	for !sb.running && len(sb.queue) > 0 && d.activeCount < d.cfg.MaxActive {
		job := sb.queue[0]
		sb.queue[0] = nil
		sb.queue = sb.queue[1:]

		sb.running = true
		sb.pending = job
		d.activeCount++
		job.startedAt = d.now()

		if err := sb.worker.send(ipc.Download(job.ID, job.Link)); err != nil {
			d.finishLocked(sb, job, media.Result{}, fmt.Errorf("dispatch: %w", err))
			continue
		}
		d.publish(eventbus.TypeJobStarted, jobEvent(job, "", nil, media.Result{}, time.Time{}))
		d.log.Debug("job started",
			logx.String("job_id", job.ID),
			logx.Int64("chat_id", sb.chatID),
			logx.Int("active", d.activeCount),
			logx.Int("max_active", d.cfg.MaxActive),
		)
	}
}

// scheduleOthersLocked gives freed capacity to other chats with waiting
// work, in registry insertion order. except is skipped (it was just scheduled).
func (d *Dispatcher) scheduleOthersLocked(except *Sandbox) {
	for _, id := range slices.Clone(d.order) {
		if d.activeCount >= d.cfg.MaxActive {
			return
		}
		sb := d.sandboxes[id]
		if sb == nil || sb == except || sb.running || len(sb.queue) == 0 {
			continue
		}
		d.scheduleLocked(sb)
	}
}
