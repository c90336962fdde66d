package dispatcher

import (
	"context"
	"time"

	logx "chanfetch/pkg/logx"
)

// watchdog kills workers that stopped sending anything. The kill flows
// through the normal exit path with ErrHeartbeatTimeout as the reason.
// The tick follows HeartbeatTimeout and is re-armed when Apply changes it.
func (d *Dispatcher) watchdog(ctx context.Context, stop <-chan struct{}) {
	d.mu.Lock()
	every := watchdogPeriod(d.cfg.HeartbeatTimeout)
	d.mu.Unlock()

	tk := time.NewTicker(every)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-d.rearm:
			d.mu.Lock()
			next := watchdogPeriod(d.cfg.HeartbeatTimeout)
			d.mu.Unlock()
			if next != every {
				every = next
				tk.Reset(every)
			}
		case <-tk.C:
			if next := watchdogPeriod(d.checkHeartbeats()); next != every {
				every = next
				tk.Reset(every)
			}
		}
	}
}

func watchdogPeriod(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return time.Second
	}
	return min(max(timeout/4, 10*time.Millisecond), time.Second)
}

// checkHeartbeats returns the timeout it enforced.
func (d *Dispatcher) checkHeartbeats() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	timeout := d.cfg.HeartbeatTimeout
	if timeout <= 0 {
		return timeout
	}
	now := d.now()
	for _, sb := range d.sandboxes {
		h := sb.worker
		if h == nil || !h.alive() {
			continue
		}
		if silent := h.silentFor(now); silent > timeout {
			d.log.Warn("worker missed heartbeats; killing",
				logx.Int64("chat_id", sb.chatID),
				logx.String("worker_id", h.id),
				logx.Duration("silent", silent),
			)
			h.kill(ErrHeartbeatTimeout)
		}
	}
	return timeout
}
