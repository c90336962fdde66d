package app

import (
	"strconv"
	"strings"
	"time"

	"chanfetch/internal/admin"
	"chanfetch/internal/bot"
	"chanfetch/internal/config"
	"chanfetch/internal/dispatcher"
	"chanfetch/internal/maintenance"
	"chanfetch/internal/storage"
	logx "chanfetch/pkg/logx"
)

func mapDispatcherConfig(cfg *config.Config) dispatcher.Config {
	d := cfg.Dispatcher
	return dispatcher.Config{
		MaxActive:        d.MaxActive,
		TTL:              d.TTL(),
		TTLCheck:         d.TTLCheckInterval(),
		AlwaysOn:         d.AlwaysOn,
		HeartbeatTimeout: d.HeartbeatDeadline(),
		WarmUp:           d.WarmUpEnabled(),
		LogProgress:      cfg.Logging.Progress,
	}
}

func mapSpawner(cfg *config.Config) *dispatcher.ExecSpawner {
	return &dispatcher.ExecSpawner{
		Binary:         strings.TrimSpace(cfg.Dispatcher.WorkerBinary),
		WorkRoot:       cfg.Download.Dir,
		SessionsDir:    cfg.Download.SessionsDir,
		Heartbeat:      cfg.Dispatcher.HeartbeatEvery(),
		PollInterval:   cfg.Download.Poll(),
		RequestTimeout: cfg.Download.Timeout(),
		LogLevel:       cfg.Logging.EffectiveLevel(),
	}
}

// mapStorageConfig reports enabled=false when history is off.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool) {
	sc := cfg.Storage
	if sc == nil {
		return storage.Config{}, false
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false
	}
	busy, _ := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: busy,
	}, true
}

func mapAdminConfig(cfg *config.Config) admin.Config {
	return admin.Config{
		Enabled: cfg.Admin.Enabled,
		Addr:    cfg.Admin.Addr,
		Token:   cfg.Admin.Token,
	}
}

func mapMaintenanceConfig(cfg *config.Config) maintenance.Config {
	m := cfg.Maintenance
	if m == nil {
		return maintenance.Config{Root: cfg.Download.Dir}
	}
	return maintenance.Config{
		Enabled:       m.Enabled,
		Schedule:      m.Schedule,
		PartialMaxAge: m.MaxAge(),
		Root:          cfg.Download.Dir,
	}
}

func mapBotConfig(cfg *config.Config) bot.Config {
	return bot.Config{
		Owners:         cfg.Telegram.OwnerUserIDs,
		DefaultSession: cfg.Download.DefaultSession,
		StatusEvery:    cfg.Download.StatusEvery(),
	}
}

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	chatID, _ := logTarget(cfg)
	return logx.Config{
		Level:   l.EffectiveLevel(),
		Console: l.Console,
		File: logx.FileConfig{
			Enabled: l.File.Enabled,
			Path:    l.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			ChatID:     chatID,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

// logTarget parses telegram.group_log; ok is false when unset or invalid.
func logTarget(cfg *config.Config) (int64, bool) {
	raw := strings.TrimSpace(cfg.Telegram.GroupLog)
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	return id, err == nil
}

func pollTimeout(cfg *config.Config) time.Duration {
	v, _ := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	return v
}
