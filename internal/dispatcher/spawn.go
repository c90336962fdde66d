package dispatcher

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"
)

// Process is a running worker as seen by the dispatcher.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	// Stderr carries JSON log lines; nil if the worker has no separate log stream.
	Stderr() io.Reader
	PID() int
	Kill() error
	// Wait blocks until the process has exited. Call it only after Stdout
	// and Stderr have been drained.
	Wait() error
}

// SpawnSpec identifies the worker to start.
type SpawnSpec struct {
	ChatID     int64
	SessionID  string
	InstanceID string
}

type Spawner interface {
	Spawn(ctx context.Context, spec SpawnSpec) (Process, error)
}

// ExecSpawner re-executes a binary (by default the running one) with the
// hidden "worker" subcommand.
type ExecSpawner struct {
	Binary         string
	WorkRoot       string
	SessionsDir    string
	Heartbeat      time.Duration
	PollInterval   time.Duration
	RequestTimeout time.Duration
	LogLevel       string
	Env            []string
}

// WorkDir returns the per-chat download directory.
func WorkDir(root string, chatID int64) string {
	return filepath.Join(root, strconv.FormatInt(chatID, 10))
}

func (s *ExecSpawner) Spawn(_ context.Context, spec SpawnSpec) (Process, error) {
	bin := s.Binary
	if bin == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		bin = exe
	}
	workDir := WorkDir(s.WorkRoot, spec.ChatID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, err
	}

	args := []string{
		"worker",
		"--chat", strconv.FormatInt(spec.ChatID, 10),
		"--workdir", workDir,
		"--sessions-dir", s.SessionsDir,
		"--instance", spec.InstanceID,
	}
	if s.Heartbeat > 0 {
		args = append(args, "--heartbeat", s.Heartbeat.String())
	}
	if s.PollInterval > 0 {
		args = append(args, "--poll-interval", s.PollInterval.String())
	}
	if s.RequestTimeout > 0 {
		args = append(args, "--request-timeout", s.RequestTimeout.String())
	}
	if s.LogLevel != "" {
		args = append(args, "--log-level", s.LogLevel)
	}

	cmd := exec.Command(bin, args...)
	cmd.Env = append(os.Environ(), s.Env...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) Stderr() io.Reader     { return p.stderr }
func (p *execProcess) PID() int              { return p.cmd.Process.Pid }

func (p *execProcess) Kill() error {
	if err := p.cmd.Process.Kill(); err != nil && err != os.ErrProcessDone {
		return err
	}
	return nil
}

func (p *execProcess) Wait() error { return p.cmd.Wait() }
