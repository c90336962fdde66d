package dispatcher

import (
	"time"

	logx "chanfetch/pkg/logx"
)

// armTTLLocked (re)arms the eviction check of sb.
func (d *Dispatcher) armTTLLocked(sb *Sandbox) {
	if sb.ttlTimer != nil {
		sb.ttlTimer.Stop()
		sb.ttlTimer = nil
	}
	if d.cfg.AlwaysOn || d.closed {
		return
	}
	delay := min(d.cfg.TTL, d.cfg.TTLCheck)
	sb.ttlTimer = time.AfterFunc(delay, func() { d.onTTL(sb) })
}

func (d *Dispatcher) onTTL(sb *Sandbox) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.cfg.AlwaysOn || d.sandboxes[sb.chatID] != sb {
		return
	}
	idleFor := d.now().Sub(sb.lastUsedAt)
	if sb.idle() && idleFor >= d.cfg.TTL {
		d.log.Info("evicting idle sandbox", logx.Int64("chat_id", sb.chatID), logx.Duration("idle", idleFor))
		d.destroyLocked(sb, ErrSandboxDestroyed)
		return
	}
	d.armTTLLocked(sb)
}
