package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Telegram TelegramConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// TelegramConfig posts records at MinLevel or above to ChatID, at most
// RatePerSec per second.
type TelegramConfig struct {
	Enabled    bool
	ChatID     int64
	ThreadID   int
	MinLevel   string
	RatePerSec int
}

// Service owns the process log outputs. Loggers derived from it pick up
// every Apply.
type Service struct {
	mu     sync.Mutex
	root   atomic.Pointer[zerolog.Logger]
	file   *os.File
	alerts *alertSink // nil without a sender
}

// New applies cfg and returns the service with its root logger. sender may
// be nil, which disables Telegram output.
func New(cfg Config, sender Sender) (*Service, Logger) {
	initGlobals()
	s := &Service{}
	if sender != nil {
		s.alerts = newAlertSink(sender)
	}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// Apply rebuilds the outputs. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, consoleWriter(os.Stdout))
	}

	prev := s.file
	s.file = nil
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = "./chanfetch.log"
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open %q: %v\n", path, err)
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}

	switch {
	case s.alerts != nil:
		if s.alerts.configure(cfg.Telegram) {
			writers = append(writers, s.alerts)
		}
	case cfg.Telegram.Enabled:
		fmt.Fprintln(os.Stderr, "logx: telegram output enabled but no bot is running")
	}

	if len(writers) == 0 {
		writers = append(writers, consoleWriter(os.Stdout))
	}
	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)

	if prev != nil {
		_ = prev.Close()
	}
}

// Close flushes pending Telegram records and closes the log file.
func (s *Service) Close() error {
	if s.alerts != nil {
		s.alerts.close()
	}
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f != nil {
		return f.Close()
	}
	return nil
}
