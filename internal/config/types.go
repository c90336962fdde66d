package config

import (
	"time"
)

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Dispatcher  DispatcherConfig   `json:"dispatcher"`
	Download    DownloadConfig     `json:"download"`
	Telegram    TelegramConfig     `json:"telegram"`
	Logging     LoggingConfig      `json:"logging"`
	Storage     *StorageConfig     `json:"storage,omitempty"`
	Admin       AdminConfig        `json:"admin"`
	Maintenance *MaintenanceConfig `json:"maintenance,omitempty"`
}

// DispatcherConfig controls sandbox lifecycle and the global job ceiling.
//
// Defaults (when fields are omitted/zero):
//   - max_active: 2
//   - sandbox_ttl_minutes: 10
//   - ttl_check: "1m"
//   - heartbeat_interval: "5s"
//   - heartbeat_timeout: "30s" ("0s" disables the watchdog)
//   - warm_up: true
type DispatcherConfig struct {
	MaxActive         int    `json:"max_active"`
	SandboxTTLMinutes int    `json:"sandbox_ttl_minutes"`
	AlwaysOn          bool   `json:"always_on"`
	TTLCheck          string `json:"ttl_check,omitempty"`
	HeartbeatInterval string `json:"heartbeat_interval,omitempty"`
	HeartbeatTimeout  string `json:"heartbeat_timeout,omitempty"`
	WarmUp            *bool  `json:"warm_up,omitempty"`

	// WorkerBinary overrides the executable spawned for workers.
	// Empty means the running binary (os.Executable).
	WorkerBinary string `json:"worker_binary,omitempty"`
}

func (d DispatcherConfig) TTL() time.Duration {
	return time.Duration(d.SandboxTTLMinutes) * time.Minute
}

func (d DispatcherConfig) TTLCheckInterval() time.Duration {
	v, _ := ParseDurationOrDefault("dispatcher.ttl_check", d.TTLCheck, time.Minute)
	return v
}

func (d DispatcherConfig) HeartbeatEvery() time.Duration {
	v, _ := ParseDurationOrDefault("dispatcher.heartbeat_interval", d.HeartbeatInterval, 5*time.Second)
	return v
}

// HeartbeatDeadline returns 0 when the watchdog is disabled.
func (d DispatcherConfig) HeartbeatDeadline() time.Duration {
	v, _ := ParseDurationField("dispatcher.heartbeat_timeout", d.HeartbeatTimeout)
	return v
}

func (d DispatcherConfig) WarmUpEnabled() bool { return d.WarmUp == nil || *d.WarmUp }

type DownloadConfig struct {
	Dir         string `json:"dir"`
	SessionsDir string `json:"sessions_dir"`
	// DefaultSession is used by chats that never ran /session.
	DefaultSession string `json:"default_session,omitempty"`
	// ProgressEvery is the minimum gap between bot status edits.
	ProgressEvery string `json:"progress_every,omitempty"`
	// PollInterval drives the filesystem fallback progress poller.
	PollInterval string `json:"poll_interval,omitempty"`
	// RequestTimeout bounds a single transfer attempt. "0s" disables it.
	RequestTimeout string `json:"request_timeout,omitempty"`
}

func (d DownloadConfig) Poll() time.Duration {
	v, _ := ParseDurationOrDefault("download.poll_interval", d.PollInterval, time.Second)
	return v
}

func (d DownloadConfig) StatusEvery() time.Duration {
	v, _ := ParseDurationOrDefault("download.progress_every", d.ProgressEvery, 3*time.Second)
	return v
}

func (d DownloadConfig) Timeout() time.Duration {
	v, _ := ParseDurationField("download.request_timeout", d.RequestTimeout)
	return v
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	GroupLog     string  `json:"group_log"`
	PollTimeout  string  `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	// Verbose forces debug level regardless of Level.
	Verbose bool `json:"verbose,omitempty"`
	// Progress logs every progress tick at trace level.
	Progress bool            `json:"progress,omitempty"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

// EffectiveLevel folds Verbose and Progress into a level name.
func (l LoggingConfig) EffectiveLevel() string {
	switch {
	case l.Progress:
		return "trace"
	case l.Verbose:
		return "debug"
	case l.Level == "":
		return "info"
	default:
		return l.Level
	}
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls the job history store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/history.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`          // postgres
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// AdminConfig controls the admin HTTP server (metrics, pprof, job API).
//
// Prefer binding to localhost. A non-loopback addr requires a token.
type AdminConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token   string `json:"token,omitempty"` // bearer token (do not log)
}

// MaintenanceConfig controls the stale partial-file janitor.
// If the whole section is omitted the janitor runs with defaults.
type MaintenanceConfig struct {
	Enabled       bool   `json:"enabled"`
	Schedule      string `json:"schedule,omitempty"`        // cron spec, default "@every 30m"
	PartialMaxAge string `json:"partial_max_age,omitempty"` // default "6h"
}

func (m MaintenanceConfig) MaxAge() time.Duration {
	v, _ := ParseDurationOrDefault("maintenance.partial_max_age", m.PartialMaxAge, 6*time.Hour)
	return v
}
