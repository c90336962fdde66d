package progress

import (
	"math"
	"sync"
)

// RatioScale is the synthetic total used for ratio signals when the
// transfer size is unknown: received is then expressed in per-mille.
const RatioScale = 1000

// Normalizer folds signals and filesystem estimates into one Update.
// It is safe for concurrent use by the transport callback and the poller.
//
// received counts what the transport reported for the current attempt;
// floor is the largest filesystem estimate seen for the whole job. The
// reported count is the larger of the two.
type Normalizer struct {
	mu       sync.Mutex
	received int64
	floor    int64
	total    int64
	hint     int64
	scaled   bool
}

// NewNormalizer starts from sizeHint bytes of expected total (0 if unknown).
func NewNormalizer(sizeHint int64) *Normalizer {
	return &Normalizer{total: max(sizeHint, 0), hint: max(sizeHint, 0)}
}

// Hint records an expected size learned after construction. It only takes
// effect while the total is still unknown.
func (n *Normalizer) Hint(size int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if size <= 0 || n.hint > 0 {
		return
	}
	n.hint = size
	if !n.scaled && n.total == 0 {
		n.total = size
	}
}

// Apply folds one transport signal and returns the resulting state.
func (n *Normalizer) Apply(s Signal) Update {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch s.Kind {
	case KindRatio:
		f := s.Ratio
		if math.IsNaN(f) {
			f = 0
		}
		f = min(max(f, 0), 1)
		if n.hint > 0 {
			n.scaled = false
			n.total = n.hint
			n.received = int64(math.Round(f * float64(n.hint)))
		} else {
			n.scaled = true
			n.total = RatioScale
			n.received = int64(math.Round(f * RatioScale))
		}
	case KindCumulative:
		n.scaled = false
		n.received = max(s.Bytes, 0)
		if s.Total > 0 {
			n.total = s.Total
			n.hint = s.Total
		}
	case KindChunk:
		if n.scaled {
			n.scaled = false
			n.received = 0
			n.total = n.hint
		}
		n.received += max(s.Bytes, 0)
	}
	return n.stateLocked()
}

// Restart drops the transport count of a failed attempt so the next
// attempt's chunks start from zero. The estimate floor is kept.
func (n *Normalizer) Restart() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.received = 0
	n.scaled = false
	n.total = n.hint
}

// Estimate folds a byte estimate from the filesystem poller. The floor only
// ever rises, and it is ignored while in ratio scale.
func (n *Normalizer) Estimate(bytes int64) Update {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.floor = max(n.floor, bytes)
	return n.stateLocked()
}

// Finish records the final size; received and total both become size.
func (n *Normalizer) Finish(size int64) Update {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.scaled = false
	n.received = size
	n.floor = size
	n.total = size
	return n.stateLocked()
}

func (n *Normalizer) State() Update {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stateLocked()
}

func (n *Normalizer) stateLocked() Update {
	u := Update{Received: n.received, Total: n.total}
	if n.scaled {
		return u
	}
	u.Received = max(u.Received, n.floor)
	if u.Total > 0 && u.Received > u.Total {
		u.Total = u.Received
	}
	return u
}
