package config

import (
	"reflect"
	"sort"
	"strings"

	logx "slotwatch/pkg/logx"
)

// SummarizeConfigChange returns the changed sections, safe attrs for logging
// (never secrets) and the subset of changed sections that only take effect
// after a restart. Only "logging" is applied live.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
			logx.String("logging.telegram_min_level", newCfg.Logging.Telegram.MinLevel),
		)
	}

	// Token, API keys and passwords are compared but never logged.
	sections := []struct {
		name     string
		old, new any
	}{
		{"telegram", oldCfg.Telegram, newCfg.Telegram},
		{"target", oldCfg.Target, newCfg.Target},
		{"browser", oldCfg.Browser, newCfg.Browser},
		{"captcha", oldCfg.Captcha, newCfg.Captcha},
		{"schedule", oldCfg.Schedule, newCfg.Schedule},
		{"working_hours", oldCfg.WorkingHours, newCfg.WorkingHours},
		{"escalation", oldCfg.Escalation, newCfg.Escalation},
		{"notifier", oldCfg.Notifier, newCfg.Notifier},
		{"push", oldCfg.Push, newCfg.Push},
		{"email", oldCfg.Email, newCfg.Email},
		{"session", oldCfg.Session, newCfg.Session},
		{"ops", oldCfg.Ops, newCfg.Ops},
		{"storage", oldCfg.Storage, newCfg.Storage},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			changed = append(changed, s.name)
			restart = append(restart, s.name)
		}
	}
	if len(restart) > 0 {
		attrs = append(attrs, logx.String("restart_required", strings.Join(restart, ",")))
	}

	sort.Strings(changed)
	sort.Strings(restart)
	return changed, attrs, restart
}
