package app

import (
	"fmt"
	"strings"
	"time"

	"digestbot/internal/admin"
	"digestbot/internal/config"
	"digestbot/internal/dispatch"
	"digestbot/internal/monitor"
	"digestbot/internal/storage"
	"digestbot/internal/transport"
	"digestbot/internal/transport/telegram"
	logx "digestbot/pkg/logx"
)

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	timeout, err := config.ParseDurationOrDefault("telegram.timeout", cfg.Telegram.Timeout, 15*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:   strings.TrimSpace(cfg.Telegram.Token),
		APIURL:  strings.TrimSpace(cfg.Telegram.APIURL),
		Timeout: timeout,
		Offline: cfg.Telegram.Offline,
	}, nil
}

func adminTarget(cfg *config.Config) transport.ChatTarget {
	return transport.ChatTarget{ChatID: cfg.Telegram.AdminChatID, ThreadID: cfg.Telegram.AdminThreadID}
}

func mapLogConfig(cfg *config.Config) logx.Config {
	to := adminTarget(cfg)
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Admin: logx.AdminConfig{
			Enabled:    cfg.Logging.Admin.Enabled && to.ChatID != 0,
			ChatID:     to.ChatID,
			ThreadID:   to.ThreadID,
			MinLevel:   cfg.Logging.Admin.MinLevel,
			RatePerSec: cfg.Logging.Admin.RatePerSec,
		},
	}
}

// mapDispatchConfig overlays the file onto dispatch.DefaultConfig and
// validates the result.
func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	d := cfg.Dispatch
	out := dispatch.DefaultConfig()
	out.Enabled = d.IsEnabled()
	if d.GlobalRate != 0 {
		out.GlobalRate = d.GlobalRate
	}
	if d.MaxAttempts != 0 {
		out.MaxAttempts = d.MaxAttempts
	}
	if d.QueueSize != 0 {
		out.QueueSize = d.QueueSize
	}

	// chat_cooldown "0s" is a legitimate setting, so only an empty key means default.
	if strings.TrimSpace(d.ChatCooldown) != "" {
		v, err := config.ParseDurationField("dispatch.chat_cooldown", d.ChatCooldown)
		if err != nil {
			return dispatch.Config{}, err
		}
		out.ChatCooldown = v
	}
	if strings.TrimSpace(d.HeavyLoadThreshold) != "" {
		v, err := config.ParseDurationField("dispatch.heavy_load_threshold", d.HeavyLoadThreshold)
		if err != nil {
			return dispatch.Config{}, err
		}
		out.HeavyLoadThreshold = v
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"dispatch.retry_base", d.RetryBase, &out.RetryBase},
		{"dispatch.retry_max_delay", d.RetryMaxDelay, &out.RetryMaxDelay},
		{"dispatch.send_timeout", d.SendTimeout, &out.SendTimeout},
		{"dispatch.drain_timeout", d.DrainTimeout, &out.DrainTimeout},
		{"dispatch.signal_timeout", d.SignalTimeout, &out.SignalTimeout},
	}
	for _, f := range durations {
		v, err := config.ParseDurationOrDefault(f.key, f.raw, *f.dst)
		if err != nil {
			return dispatch.Config{}, err
		}
		*f.dst = v
	}

	if err := out.Validate(); err != nil {
		return dispatch.Config{}, err
	}
	return out, nil
}

func mapMonitorConfig(cfg *config.Config) (monitor.Config, error) {
	def := monitor.DefaultConfig()
	cooldown, err := config.ParseDurationOrDefault("monitor.cooldown", cfg.Monitor.Cooldown, def.Cooldown)
	if err != nil {
		return monitor.Config{}, err
	}
	out := monitor.Config{
		Target:      adminTarget(cfg),
		Schedule:    strings.TrimSpace(cfg.Monitor.Schedule),
		Cooldown:    cooldown,
		Factor:      cfg.Monitor.Factor,
		SendTimeout: def.SendTimeout,
	}
	if out.Schedule == "" {
		out.Schedule = def.Schedule
	}
	if out.Factor <= 0 {
		out.Factor = def.Factor
	}
	return out, nil
}

// mapStorageConfig returns enabled=false when the journal is off.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}

	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	retention, err := config.ParseDurationField("storage.retention", sc.Retention)
	if err != nil {
		return storage.Config{}, false, err
	}
	out := storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: busy,
		Retention:   retention,
		MaxConns:    sc.MaxConns,
	}
	switch driver {
	case "file", "sqlite", "sqlite3":
		if out.Path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
		}
	case "postgres", "postgresql":
		if out.DSN == "" {
			return storage.Config{}, false, fmt.Errorf("storage.dsn is required when storage.driver=%s", driver)
		}
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	return out, true, nil
}

func mapAdminConfig(cfg *config.Config) (admin.Config, error) {
	ac := cfg.Admin
	out := admin.Config{
		Enabled:       ac.Enabled,
		Addr:          strings.TrimSpace(ac.Addr),
		Token:         strings.TrimSpace(ac.Token),
		AllowInsecure: ac.AllowInsecure,
		Pprof:         ac.Pprof,
	}
	timeouts := []struct {
		key string
		raw string
		def time.Duration
		dst *time.Duration
	}{
		{"admin.read_timeout", ac.ReadTimeout, 10 * time.Second, &out.ReadTimeout},
		{"admin.write_timeout", ac.WriteTimeout, 30 * time.Second, &out.WriteTimeout},
		{"admin.idle_timeout", ac.IdleTimeout, 60 * time.Second, &out.IdleTimeout},
	}
	for _, f := range timeouts {
		v, err := config.ParseDurationOrDefault(f.key, f.raw, f.def)
		if err != nil {
			return admin.Config{}, err
		}
		*f.dst = v
	}
	return out, nil
}

// validateReload rejects configs the running app could not apply.
func validateReload(cfg *config.Config) error {
	if !logx.ValidLevel(cfg.Logging.Level) {
		return fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level)
	}
	if _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	if _, err := mapMonitorConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	_, err := mapAdminConfig(cfg)
	return err
}
