package config

import (
	"maps"
	"strings"

	logx "reminderd/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe structured
// attrs for logging. Secrets such as the telegram token are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Processor != newCfg.Processor {
		changed = append(changed, "processor")
		attrs = append(attrs,
			logx.Bool("processor.enabled", newCfg.Processor.Enabled),
			logx.String("processor.interval", strings.TrimSpace(newCfg.Processor.Interval)),
			logx.String("processor.error_backoff", strings.TrimSpace(newCfg.Processor.ErrorBackoff)),
		)
	}

	if strings.TrimSpace(oldCfg.Dispatch.Timeout) != strings.TrimSpace(newCfg.Dispatch.Timeout) ||
		!maps.Equal(oldCfg.Dispatch.RatePerSec, newCfg.Dispatch.RatePerSec) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.String("dispatch.timeout", strings.TrimSpace(newCfg.Dispatch.Timeout)),
			logx.Int("dispatch.rate_limited_channels", len(newCfg.Dispatch.RatePerSec)),
		)
	}

	if oldCfg.Retention != newCfg.Retention {
		changed = append(changed, "retention")
		attrs = append(attrs,
			logx.Bool("retention.enabled", newCfg.Retention.Enabled),
			logx.String("retention.schedule", newCfg.Retention.Schedule),
			logx.Int("retention.days_old", newCfg.Retention.DaysOld),
		)
	}

	if derefStorage(oldCfg.Storage) != derefStorage(newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", derefStorage(newCfg.Storage).Driver))
	}

	if oldCfg.Channels != newCfg.Channels {
		changed = append(changed, "channels")
		attrs = append(attrs,
			logx.Bool("channels.email", newCfg.Channels.Email.Enabled),
			logx.Bool("channels.sms", newCfg.Channels.SMS.Enabled),
			logx.Bool("channels.push", newCfg.Channels.Push.Enabled),
			logx.Bool("channels.telegram", newCfg.Channels.Telegram.Enabled),
		)
	}

	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", newCfg.Debug.Addr),
			logx.Bool("debug.pprof", newCfg.Debug.Pprof),
			logx.Bool("debug.token_set", newCfg.Debug.Token != ""),
		)
	}

	if strings.TrimSpace(oldCfg.Seed) != strings.TrimSpace(newCfg.Seed) {
		changed = append(changed, "seed")
	}
	return changed, attrs
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}
