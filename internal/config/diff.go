package config

import (
	"reflect"
	"sort"
	"strings"

	logx "digestbot/pkg/logx"
)

// SummarizeChange returns the changed top-level sections and safe structured
// attrs for logging. Tokens and DSNs are reported only as "*_set" booleans.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token || ot.APIURL != nt.APIURL || ot.Timeout != nt.Timeout ||
		ot.Offline != nt.Offline || ot.AdminChatID != nt.AdminChatID || ot.AdminThreadID != nt.AdminThreadID {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
			logx.Bool("telegram.admin_chat_set", nt.AdminChatID != 0),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.admin_enabled", newCfg.Logging.Admin.Enabled),
		)
	}

	od, nd := oldCfg.Dispatch, newCfg.Dispatch
	if od.IsEnabled() != nd.IsEnabled() ||
		strings.TrimSpace(od.HeavyLoadThreshold) != strings.TrimSpace(nd.HeavyLoadThreshold) ||
		restartRequired(od, nd) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Bool("dispatch.enabled", nd.IsEnabled()),
			logx.String("dispatch.heavy_load_threshold", strings.TrimSpace(nd.HeavyLoadThreshold)),
			logx.Bool("dispatch.restart_required", restartRequired(od, nd)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Monitor, newCfg.Monitor) {
		changed = append(changed, "monitor")
		attrs = append(attrs,
			logx.Bool("monitor.enabled", newCfg.Monitor.Enabled),
			logx.String("monitor.schedule", strings.TrimSpace(newCfg.Monitor.Schedule)),
		)
	}

	oS, nS := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if !reflect.DeepEqual(oS, nS) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nS.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Admin, newCfg.Admin) {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", newCfg.Admin.Enabled),
			logx.String("admin.addr", strings.TrimSpace(newCfg.Admin.Addr)),
			logx.Bool("admin.token_set", strings.TrimSpace(newCfg.Admin.Token) != ""),
			logx.Bool("admin.pprof", newCfg.Admin.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// dispatchLimits drops the hot-reloadable fields.
func dispatchLimits(d DispatchConfig) DispatchConfig {
	d.Enabled = nil
	d.HeavyLoadThreshold = ""
	return d
}

func restartRequired(o, n DispatchConfig) bool {
	return !reflect.DeepEqual(dispatchLimits(o), dispatchLimits(n))
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}
