package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks bounds and duration syntax. Component constructors apply
// their own defaults afterwards.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	check("telegram.timeout", cfg.Telegram.Timeout)
	if cfg.Telegram.AdminThreadID < 0 {
		errs = append(errs, errors.New("telegram.admin_thread_id must be >= 0"))
	}

	if cfg.Logging.Admin.RatePerSec < 0 {
		errs = append(errs, errors.New("logging.admin.rate_per_sec must be >= 0"))
	}

	d := cfg.Dispatch
	if d.GlobalRate < 0 {
		errs = append(errs, errors.New("dispatch.global_rate must be > 0"))
	}
	if d.MaxAttempts < 0 {
		errs = append(errs, errors.New("dispatch.max_attempts must be >= 1"))
	}
	if d.QueueSize < 0 {
		errs = append(errs, errors.New("dispatch.queue_size must be >= 1"))
	}
	check("dispatch.chat_cooldown", d.ChatCooldown)
	check("dispatch.heavy_load_threshold", d.HeavyLoadThreshold)
	check("dispatch.retry_base", d.RetryBase)
	check("dispatch.retry_max_delay", d.RetryMaxDelay)
	check("dispatch.send_timeout", d.SendTimeout)
	check("dispatch.drain_timeout", d.DrainTimeout)
	check("dispatch.signal_timeout", d.SignalTimeout)

	check("monitor.cooldown", cfg.Monitor.Cooldown)
	if cfg.Monitor.Factor < 0 {
		errs = append(errs, errors.New("monitor.factor must be >= 0"))
	}

	if sc := cfg.Storage; sc != nil {
		switch strings.ToLower(strings.TrimSpace(sc.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(sc.Path) == "" {
				errs = append(errs, fmt.Errorf("storage.path is required when storage.driver=%s", sc.Driver))
			}
		case "postgres", "postgresql":
			if strings.TrimSpace(sc.DSN) == "" {
				errs = append(errs, errors.New("storage.dsn is required when storage.driver=postgres"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown storage.driver: %s", sc.Driver))
		}
		check("storage.busy_timeout", sc.BusyTimeout)
		check("storage.retention", sc.Retention)
		if sc.MaxConns < 0 {
			errs = append(errs, errors.New("storage.max_conns must be >= 0"))
		}
	}

	check("admin.read_timeout", cfg.Admin.ReadTimeout)
	check("admin.write_timeout", cfg.Admin.WriteTimeout)
	check("admin.idle_timeout", cfg.Admin.IdleTimeout)

	return errors.Join(errs...)
}
