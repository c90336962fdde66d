package dispatcher

import (
	"bufio"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"chanfetch/internal/ipc"
	logx "chanfetch/pkg/logx"
)

const sendBacklog = 64

// workerHandle owns one worker process and its pipe goroutines.
type workerHandle struct {
	id        string
	chatID    int64
	sessionID string
	proc      Process
	startedAt time.Time

	lastSeen atomic.Int64 // unix nanos of the last message

	mu     sync.Mutex
	out    chan ipc.Message
	closed bool
	reason error // set when the dispatcher kills the worker

	exited chan struct{}
}

func newWorkerHandle(id string, spec SpawnSpec, proc Process, now time.Time) *workerHandle {
	h := &workerHandle{
		id:        id,
		chatID:    spec.ChatID,
		sessionID: spec.SessionID,
		proc:      proc,
		startedAt: now,
		out:       make(chan ipc.Message, sendBacklog),
		exited:    make(chan struct{}),
	}
	h.lastSeen.Store(now.UnixNano())
	return h
}

// send queues m for the writer goroutine without blocking.
func (h *workerHandle) send(m ipc.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrWorkerExited
	}
	select {
	case h.out <- m:
		return nil
	default:
		return ErrWorkerBacklog
	}
}

// kill terminates the process. The first reason wins and is reported by
// the exit path.
func (h *workerHandle) kill(reason error) {
	h.mu.Lock()
	if h.reason == nil {
		h.reason = reason
	}
	if !h.closed {
		h.closed = true
		close(h.out)
	}
	h.mu.Unlock()
	_ = h.proc.Kill()
}

func (h *workerHandle) killReason() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason
}

func (h *workerHandle) alive() bool {
	select {
	case <-h.exited:
		return false
	default:
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.closed
}

func (h *workerHandle) seen(now time.Time) { h.lastSeen.Store(now.UnixNano()) }

func (h *workerHandle) silentFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, h.lastSeen.Load()))
}

// writeLoop drains queued messages to the worker's stdin.
func (h *workerHandle) writeLoop(log logx.Logger) {
	enc := ipc.NewEncoder(h.proc.Stdin())
	defer h.proc.Stdin().Close()
	for m := range h.out {
		if err := enc.Encode(m); err != nil {
			log.Debug("worker stdin write failed", logx.String("kind", string(m.Kind)), logx.Err(err))
			// keep draining so kill can close the channel
		}
	}
}

// readLoop decodes worker messages until the stream ends.
func (h *workerHandle) readLoop(log logx.Logger, onMessage func(ipc.Message)) {
	dec := ipc.NewDecoder(h.proc.Stdout())
	for {
		m, err := dec.Next()
		if err != nil {
			if errors.Is(err, ipc.ErrMalformed) {
				log.Warn("malformed worker message", logx.Err(err))
				continue
			}
			return
		}
		onMessage(m)
	}
}

// relayLogs forwards the worker's JSON stderr into the dispatcher log.
func (h *workerHandle) relayLogs(log logx.Logger) {
	r := h.proc.Stderr()
	if r == nil {
		return
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), ipc.MaxLineBytes)
	for sc.Scan() {
		log.Relay(sc.Bytes())
	}
	_, _ = io.Copy(io.Discard, r)
}
