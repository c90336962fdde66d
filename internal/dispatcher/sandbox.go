package dispatcher

import (
	"errors"
	"slices"
	"time"

	"chanfetch/internal/eventbus"
	"chanfetch/internal/media"
	logx "chanfetch/pkg/logx"
)

// Sandbox pairs a chat with its worker, queue and eviction timer.
// All fields are guarded by Dispatcher.mu.
type Sandbox struct {
	chatID    int64
	sessionID string
	worker    *workerHandle
	queue     []*Job
	running   bool
	pending   *Job

	createdAt    time.Time
	lastActiveAt time.Time // any worker traffic
	lastUsedAt   time.Time // enqueue or job completion; drives the TTL
	ttlTimer     *time.Timer
}

// SandboxInfo is the read-only view of a sandbox.
type SandboxInfo struct {
	ChatID          int64     `json:"chat_id"`
	SessionID       string    `json:"session_id"`
	WorkerID        string    `json:"worker_id,omitempty"`
	PID             int       `json:"pid,omitempty"`
	Running         bool      `json:"running"`
	PendingJob      string    `json:"pending_job,omitempty"`
	Queued          int       `json:"queued"`
	CreatedAt       time.Time `json:"created_at"`
	LastActiveAt    time.Time `json:"last_active_at"`
	LastUsedAt      time.Time `json:"last_used_at"`
	WorkerStartedAt time.Time `json:"worker_started_at,omitzero"`
}

func (sb *Sandbox) infoLocked() SandboxInfo {
	info := SandboxInfo{
		ChatID:       sb.chatID,
		SessionID:    sb.sessionID,
		Running:      sb.running,
		Queued:       len(sb.queue),
		CreatedAt:    sb.createdAt,
		LastActiveAt: sb.lastActiveAt,
		LastUsedAt:   sb.lastUsedAt,
	}
	if sb.pending != nil {
		info.PendingJob = sb.pending.ID
	}
	if h := sb.worker; h != nil {
		info.WorkerID = h.id
		info.PID = h.proc.PID()
		info.WorkerStartedAt = h.startedAt
	}
	return info
}

func (sb *Sandbox) idle() bool { return !sb.running && len(sb.queue) == 0 }

// ensureLocked returns a sandbox with a live worker bound to sessionID.
func (d *Dispatcher) ensureLocked(chatID int64, sessionID string) (*Sandbox, error) {
	sb := d.sandboxes[chatID]
	if sb == nil {
		now := d.now()
		sb = &Sandbox{chatID: chatID, sessionID: sessionID, createdAt: now, lastActiveAt: now, lastUsedAt: now}
		if err := d.startWorkerLocked(sb); err != nil {
			return nil, err
		}
		d.sandboxes[chatID] = sb
		d.order = append(d.order, chatID)
		d.publish(eventbus.TypeSandboxCreated, eventbus.SandboxEvent{ChatID: chatID, SessionID: sessionID})
		d.log.Info("sandbox created", logx.Int64("chat_id", chatID))
		d.armTTLLocked(sb)
		return sb, nil
	}

	if sb.sessionID == sessionID && sb.worker != nil && sb.worker.alive() {
		return sb, nil
	}

	reason := ErrWorkerExited
	if sb.sessionID != sessionID {
		reason = ErrSessionChanged
		d.log.Info("session changed; replacing worker", logx.Int64("chat_id", chatID))
	} else if sb.worker != nil {
		if r := sb.worker.killReason(); r != nil {
			reason = r
		}
	}
	d.retireWorkerLocked(sb, reason)
	sb.sessionID = sessionID

	if err := d.startWorkerLocked(sb); err != nil {
		d.failQueueLocked(sb, err)
		d.removeLocked(sb, err)
		return nil, err
	}
	d.scheduleLocked(sb)
	d.scheduleOthersLocked(sb)
	return sb, nil
}

// retireWorkerLocked rejects the pending job with reason and kills the
// current worker. Later messages from that worker are ignored.
func (d *Dispatcher) retireWorkerLocked(sb *Sandbox, reason error) {
	if job := sb.pending; job != nil {
		d.finishLocked(sb, job, media.Result{}, reason)
	}
	if h := sb.worker; h != nil {
		sb.worker = nil
		h.kill(reason)
	}
}

// destroyLocked rejects every job of the sandbox with reason, kills the
// worker and removes the sandbox.
func (d *Dispatcher) destroyLocked(sb *Sandbox, reason error) {
	d.retireWorkerLocked(sb, reason)
	d.failQueueLocked(sb, reason)
	d.removeLocked(sb, reason)
}

func (d *Dispatcher) failQueueLocked(sb *Sandbox, reason error) {
	queue := sb.queue
	sb.queue = nil
	for _, j := range queue {
		d.resolveLocked(j, media.Result{}, reason)
	}
}

func (d *Dispatcher) removeLocked(sb *Sandbox, reason error) {
	if sb.ttlTimer != nil {
		sb.ttlTimer.Stop()
		sb.ttlTimer = nil
	}
	if d.sandboxes[sb.chatID] != sb {
		return
	}
	delete(d.sandboxes, sb.chatID)
	d.order = slices.DeleteFunc(d.order, func(id int64) bool { return id == sb.chatID })

	why := ""
	if reason != nil {
		why = reason.Error()
	}
	d.publish(eventbus.TypeSandboxDestroyed, eventbus.SandboxEvent{ChatID: sb.chatID, SessionID: sb.sessionID, Reason: why})
	lvl := d.log.Info
	if reason != nil && !errors.Is(reason, ErrSandboxDestroyed) && !errors.Is(reason, ErrDispatcherClosed) {
		lvl = d.log.Warn
	}
	lvl("sandbox removed", logx.Int64("chat_id", sb.chatID), logx.String("reason", why))
}
