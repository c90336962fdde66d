package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/robfig/cron/v3"
)

const (
	DefaultMaxActive         = 2
	DefaultSandboxTTLMinutes = 10
	DefaultAdminAddr         = "127.0.0.1:6060"
	DefaultMaintenance       = "@every 30m"
)

// ApplyDefaults fills zero values in place.
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	if cfg.Dispatcher.MaxActive <= 0 {
		cfg.Dispatcher.MaxActive = DefaultMaxActive
	}
	if cfg.Dispatcher.SandboxTTLMinutes <= 0 {
		cfg.Dispatcher.SandboxTTLMinutes = DefaultSandboxTTLMinutes
	}
	if strings.TrimSpace(cfg.Dispatcher.HeartbeatTimeout) == "" {
		cfg.Dispatcher.HeartbeatTimeout = "30s"
	}
	if strings.TrimSpace(cfg.Download.Dir) == "" {
		cfg.Download.Dir = "./downloads"
	}
	if strings.TrimSpace(cfg.Download.SessionsDir) == "" {
		cfg.Download.SessionsDir = "./sessions"
	}
	if strings.TrimSpace(cfg.Admin.Addr) == "" {
		cfg.Admin.Addr = DefaultAdminAddr
	}
	if cfg.Maintenance == nil {
		cfg.Maintenance = &MaintenanceConfig{Enabled: true}
	}
	if strings.TrimSpace(cfg.Maintenance.Schedule) == "" {
		cfg.Maintenance.Schedule = DefaultMaintenance
	}
}

// Validate reports every invalid field at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if cfg.Dispatcher.MaxActive < 1 {
		add(fmt.Errorf("dispatcher.max_active: must be >= 1"))
	}
	_, err := ParseDurationField("dispatcher.ttl_check", cfg.Dispatcher.TTLCheck)
	add(err)
	_, err = ParseDurationField("dispatcher.heartbeat_interval", cfg.Dispatcher.HeartbeatInterval)
	add(err)
	_, err = ParseDurationField("dispatcher.heartbeat_timeout", cfg.Dispatcher.HeartbeatTimeout)
	add(err)
	if hb, to := cfg.Dispatcher.HeartbeatEvery(), cfg.Dispatcher.HeartbeatDeadline(); to > 0 && to <= hb {
		add(fmt.Errorf("dispatcher.heartbeat_timeout: must exceed heartbeat_interval (%s)", hb))
	}
	_, err = ParseDurationField("download.poll_interval", cfg.Download.PollInterval)
	add(err)
	_, err = ParseDurationField("download.request_timeout", cfg.Download.RequestTimeout)
	add(err)
	_, err = ParseDurationField("download.progress_every", cfg.Download.ProgressEvery)
	add(err)
	_, err = ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	add(err)

	if cfg.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
		case "", "none", "file", "sqlite":
		case "postgres", "pgx":
			if strings.TrimSpace(cfg.Storage.DSN) == "" {
				add(errors.New("storage.dsn: required for postgres"))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
		}
		_, err = ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
		add(err)
	}

	if cfg.Admin.Enabled && strings.TrimSpace(cfg.Admin.Token) == "" && !isLoopback(cfg.Admin.Addr) {
		add(fmt.Errorf("admin.token: required when binding to non-loopback %q", cfg.Admin.Addr))
	}

	if m := cfg.Maintenance; m != nil && m.Enabled {
		if _, err := cron.ParseStandard(m.Schedule); err != nil {
			add(fmt.Errorf("maintenance.schedule: %w", err))
		}
		_, err = ParseDurationField("maintenance.partial_max_age", m.PartialMaxAge)
		add(err)
	}
	return errors.Join(errs...)
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
