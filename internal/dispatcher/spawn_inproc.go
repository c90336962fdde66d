package dispatcher

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"chanfetch/internal/worker"
)

var errKilled = errors.New("killed")

// InProcessSpawner runs workers as goroutines connected through io.Pipe.
// It serves tests and hosts where re-executing the binary is not possible.
type InProcessSpawner struct {
	// Options builds the worker configuration for one spawn.
	Options func(spec SpawnSpec) worker.Options
	// Fail, when set, makes Spawn return its error.
	Fail func(spec SpawnSpec) error

	mu    sync.Mutex
	procs []*InProcess
	pid   atomic.Int64
}

func (s *InProcessSpawner) Spawn(ctx context.Context, spec SpawnSpec) (Process, error) {
	if s.Fail != nil {
		if err := s.Fail(spec); err != nil {
			return nil, err
		}
	}
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	p := &InProcess{
		Spec:   spec,
		pid:    int(s.pid.Add(1)),
		inR:    inR,
		inW:    inW,
		outR:   outR,
		outW:   outW,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	opts := s.Options(spec)
	go func() {
		err := worker.Serve(wctx, inR, outW, opts)
		_ = outW.Close()
		p.finish(err)
	}()

	s.mu.Lock()
	s.procs = append(s.procs, p)
	s.mu.Unlock()
	return p, nil
}

// Procs returns every process spawned so far, oldest first.
func (s *InProcessSpawner) Procs() []*InProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*InProcess(nil), s.procs...)
}

// InProcess is a worker goroutine posing as a process.
type InProcess struct {
	Spec SpawnSpec

	pid    int
	inR    *io.PipeReader
	inW    *io.PipeWriter
	outR   *io.PipeReader
	outW   *io.PipeWriter
	cancel context.CancelFunc

	once   sync.Once
	done   chan struct{}
	err    error
	killed atomic.Bool
}

func (p *InProcess) Stdin() io.WriteCloser { return p.inW }
func (p *InProcess) Stdout() io.Reader     { return p.outR }
func (p *InProcess) Stderr() io.Reader     { return nil }
func (p *InProcess) PID() int              { return p.pid }

// Kill tears the worker down as abruptly as a SIGKILL would look to the
// dispatcher: both pipes break immediately.
func (p *InProcess) Kill() error {
	p.killed.Store(true)
	p.cancel()
	_ = p.inR.CloseWithError(errKilled)
	_ = p.outW.CloseWithError(errKilled)
	return nil
}

func (p *InProcess) finish(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

func (p *InProcess) Wait() error {
	<-p.done
	if p.killed.Load() {
		return errKilled
	}
	return p.err
}

// Exited reports whether the worker goroutine has returned.
func (p *InProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}
