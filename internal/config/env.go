package config

import (
	"errors"
	"io/fs"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "CHANFETCH"

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment.
// Existing variables win. A missing file is not an error.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

var envKeys = []string{
	"max_active",
	"sandbox_ttl_minutes",
	"always_on",
	"verbose",
	"progress_debug",
	"log_level",
	"telegram_token",
	"owner_user_ids",
	"download_dir",
	"sessions_dir",
	"storage_driver",
	"storage_dsn",
	"default_session",
	"admin_addr",
	"admin_token",
}

func newEnvViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}
	return v
}

// ApplyEnv overlays CHANFETCH_* environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	if cfg == nil {
		return nil
	}
	v := newEnvViper()

	var errs []error
	setInt := func(key string, dst *int) {
		if !v.IsSet(key) {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v.GetString(key)))
		if err != nil {
			errs = append(errs, errors.New(EnvPrefix+"_"+strings.ToUpper(key)+": not an integer"))
			return
		}
		*dst = n
	}
	setBool := func(key string, dst *bool) {
		if v.IsSet(key) {
			*dst = v.GetBool(key)
		}
	}
	setString := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = strings.TrimSpace(v.GetString(key))
		}
	}

	setInt("max_active", &cfg.Dispatcher.MaxActive)
	setInt("sandbox_ttl_minutes", &cfg.Dispatcher.SandboxTTLMinutes)
	setBool("always_on", &cfg.Dispatcher.AlwaysOn)
	setBool("verbose", &cfg.Logging.Verbose)
	setBool("progress_debug", &cfg.Logging.Progress)
	setString("log_level", &cfg.Logging.Level)
	setString("telegram_token", &cfg.Telegram.Token)
	setString("download_dir", &cfg.Download.Dir)
	setString("sessions_dir", &cfg.Download.SessionsDir)
	setString("default_session", &cfg.Download.DefaultSession)
	setString("admin_addr", &cfg.Admin.Addr)
	setString("admin_token", &cfg.Admin.Token)

	if v.IsSet("owner_user_ids") {
		ids, err := parseIDList(v.GetString("owner_user_ids"))
		if err != nil {
			errs = append(errs, err)
		} else {
			cfg.Telegram.OwnerUserIDs = ids
		}
	}
	if v.IsSet("storage_driver") || v.IsSet("storage_dsn") {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{}
		}
		setString("storage_driver", &cfg.Storage.Driver)
		setString("storage_dsn", &cfg.Storage.DSN)
	}
	return errors.Join(errs...)
}

func parseIDList(raw string) ([]int64, error) {
	var out []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, errors.New(EnvPrefix + "_OWNER_USER_IDS: invalid id " + strconv.Quote(part))
		}
		out = append(out, id)
	}
	return out, nil
}
