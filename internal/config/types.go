package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "1s", "5m"); an empty string means the component default.
//
// Environment variables (and a .env file) override the file after it is
// parsed; see ApplyEnv.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Dispatch DispatchConfig `json:"dispatch"`
	Monitor  MonitorConfig  `json:"monitor"`
	Storage  *StorageConfig `json:"storage,omitempty"`
	Admin    AdminConfig    `json:"admin"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// APIURL points at a self-hosted Bot API server; empty means api.telegram.org.
	APIURL  string `json:"api_url,omitempty"`
	Timeout string `json:"timeout,omitempty"`
	// Offline skips the getMe probe at startup.
	Offline bool `json:"offline,omitempty"`
	// AdminChatID receives backlog alerts and, when enabled, log records.
	AdminChatID   int64 `json:"admin_chat_id,omitempty"`
	AdminThreadID int   `json:"admin_thread_id,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Admin   LoggingAdmin `json:"admin"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAdmin mirrors warn+ records into the admin chat.
type LoggingAdmin struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// DispatchConfig controls the outbound scheduler.
//
// Enabled is a pointer so an omitted key means "on". Only Enabled and
// HeavyLoadThreshold take effect on hot reload; the rest need a restart.
//
// Defaults (when omitted/zero):
//   - global_rate: 30 messages per second
//   - chat_cooldown: "1s"
//   - heavy_load_threshold: "3s"
//   - max_attempts: 3
//   - retry_base: "1s", retry_max_delay: "30s"
//   - queue_size: 4096
type DispatchConfig struct {
	Enabled            *bool  `json:"enabled,omitempty"`
	GlobalRate         int    `json:"global_rate,omitempty"`
	ChatCooldown       string `json:"chat_cooldown,omitempty"`
	HeavyLoadThreshold string `json:"heavy_load_threshold,omitempty"`
	MaxAttempts        int    `json:"max_attempts,omitempty"`
	RetryBase          string `json:"retry_base,omitempty"`
	RetryMaxDelay      string `json:"retry_max_delay,omitempty"`
	QueueSize          int    `json:"queue_size,omitempty"`
	SendTimeout        string `json:"send_timeout,omitempty"`
	DrainTimeout       string `json:"drain_timeout,omitempty"`
	SignalTimeout      string `json:"signal_timeout,omitempty"`
}

// IsEnabled resolves the pointer default.
func (d DispatchConfig) IsEnabled() bool { return d.Enabled == nil || *d.Enabled }

// MonitorConfig controls backlog alerts to the admin chat.
type MonitorConfig struct {
	Enabled  bool    `json:"enabled"`
	Schedule string  `json:"schedule,omitempty"`
	Cooldown string  `json:"cooldown,omitempty"`
	Factor   float64 `json:"factor,omitempty"`
}

// StorageConfig controls the drop journal.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/digestbot.sqlite", "retention": "720h" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // postgres; never logged
	BusyTimeout string `json:"busy_timeout,omitempty"`
	Retention   string `json:"retention,omitempty"`
	MaxConns    int    `json:"max_conns,omitempty"`
}

// AdminConfig controls the operator HTTP server.
//
// Security note: binding to a non-loopback address requires a token or an
// explicit allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default: "127.0.0.1:8089"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// Default is the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			Admin:   LoggingAdmin{MinLevel: "warn", RatePerSec: 1},
		},
		Monitor: MonitorConfig{Enabled: true},
	}
}
