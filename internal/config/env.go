package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override the file.
const (
	EnvToken              = "TELEGRAM_BOT_API"
	EnvAdminChatID        = "ADMIN_CHAT_ID_LOG"
	EnvAdminChatIDLegacy  = "ADMIN_CHAT_ID"
	EnvGlobalRate         = "GLOBAL_RATE_MESSAGES_PER_SEC"
	EnvChatCooldown       = "PER_CHAT_COOLDOWN_SEC"
	EnvHeavyLoadThreshold = "HEAVY_LOAD_DELAY_THRESHOLD_SEC"
	EnvMaxAttempts        = "MAX_ATTEMPTS"
	EnvEnabled            = "RATE_LIMITER_ENABLED"
)

// Lookup reads one variable, like os.LookupEnv.
type Lookup func(key string) (string, bool)

// EnvLookup returns a Lookup over the process environment backed by the
// variables in envFile. Non-empty process variables win, as with
// godotenv.Load. A missing envFile is not an error.
func EnvLookup(envFile string) (Lookup, error) {
	file := map[string]string{}
	if strings.TrimSpace(envFile) != "" {
		m, err := godotenv.Read(envFile)
		switch {
		case err == nil:
			file = m
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("read %s: %w", envFile, err)
		}
	}
	return func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			return v, true
		}
		v, ok := file[key]
		return v, ok
	}, nil
}

// ApplyEnv overrides cfg from the environment. Empty values are ignored.
func ApplyEnv(cfg *Config, lookup Lookup) error {
	if cfg == nil || lookup == nil {
		return nil
	}
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get(EnvToken); ok {
		cfg.Telegram.Token = v
	}
	for _, key := range []string{EnvAdminChatIDLegacy, EnvAdminChatID} {
		if v, ok := get(key); ok {
			id, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("%s: invalid chat id %q", key, v)
			}
			cfg.Telegram.AdminChatID = id
		}
	}

	d := &cfg.Dispatch
	if v, ok := get(EnvGlobalRate); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: invalid integer %q", EnvGlobalRate, v)
		}
		d.GlobalRate = n
	}
	if v, ok := get(EnvChatCooldown); ok {
		dur, err := parseSeconds(EnvChatCooldown, v)
		if err != nil {
			return err
		}
		d.ChatCooldown = dur.String()
	}
	if v, ok := get(EnvHeavyLoadThreshold); ok {
		dur, err := parseSeconds(EnvHeavyLoadThreshold, v)
		if err != nil {
			return err
		}
		d.HeavyLoadThreshold = dur.String()
	}
	if v, ok := get(EnvMaxAttempts); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: invalid integer %q", EnvMaxAttempts, v)
		}
		d.MaxAttempts = n
	}
	if v, ok := get(EnvEnabled); ok {
		b, err := parseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvEnabled, err)
		}
		d.Enabled = &b
	}
	return nil
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", v)
}
