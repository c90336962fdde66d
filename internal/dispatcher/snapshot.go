package dispatcher

import (
	"time"

	"chanfetch/internal/runtime/supervisor"
)

type Snapshot struct {
	MaxActive   int                 `json:"max_active"`
	ActiveCount int                 `json:"active_count"`
	Queued      int                 `json:"queued"`
	AlwaysOn    bool                `json:"always_on"`
	TTL         time.Duration       `json:"ttl"`
	Sandboxes   []SandboxInfo       `json:"sandboxes"`
	Counters    Counters            `json:"counters"`
	Supervisor  supervisor.Snapshot `json:"supervisor"`
}

func (d *Dispatcher) Snapshot() Snapshot {
	d.mu.Lock()
	snap := Snapshot{
		MaxActive:   d.cfg.MaxActive,
		ActiveCount: d.activeCount,
		AlwaysOn:    d.cfg.AlwaysOn,
		TTL:         d.cfg.TTL,
		Counters:    d.counters,
		Sandboxes:   make([]SandboxInfo, 0, len(d.order)),
	}
	for _, id := range d.order {
		if sb := d.sandboxes[id]; sb != nil {
			info := sb.infoLocked()
			snap.Queued += info.Queued
			snap.Sandboxes = append(snap.Sandboxes, info)
		}
	}
	d.mu.Unlock()
	snap.Supervisor = d.sup.Snapshot()
	return snap
}

// Sandbox returns the view of one chat's sandbox.
func (d *Dispatcher) Sandbox(chatID int64) (SandboxInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sb := d.sandboxes[chatID]
	if sb == nil {
		return SandboxInfo{}, false
	}
	return sb.infoLocked(), true
}
