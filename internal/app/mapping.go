package app

import (
	"strings"
	"time"

	"reminderd/internal/config"
	"reminderd/internal/engine"
	"reminderd/internal/observability/debugsrv"
	"reminderd/internal/processor"
	"reminderd/internal/retention"
	"reminderd/internal/storage"
	logx "reminderd/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

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
	return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, true, nil
}

// processorSettings resolves interval and error backoff with their defaults.
func processorSettings(cfg *config.Config) (interval, backoff time.Duration, err error) {
	interval, err = config.ParseDurationOrDefault("processor.interval", cfg.Processor.Interval, engine.DefaultInterval)
	if err != nil {
		return 0, 0, err
	}
	backoff, err = config.ParseDurationOrDefault("processor.error_backoff", cfg.Processor.ErrorBackoff, processor.DefaultErrorBackoff)
	if err != nil {
		return 0, 0, err
	}
	return interval, backoff, nil
}

func mapRetentionConfig(cfg *config.Config) retention.Config {
	return retention.Config{
		Enabled:  cfg.Retention.Enabled,
		Schedule: cfg.Retention.Schedule,
		DaysOld:  cfg.Retention.DaysOld,
		Timezone: cfg.Retention.Timezone,
	}
}

func mapDebugConfig(cfg *config.Config) debugsrv.Config {
	return debugsrv.Config{
		Enabled:       cfg.Debug.Enabled,
		Addr:          cfg.Debug.Addr,
		Token:         cfg.Debug.Token,
		AllowInsecure: cfg.Debug.AllowInsecure,
		Pprof:         cfg.Debug.Pprof,
	}
}
