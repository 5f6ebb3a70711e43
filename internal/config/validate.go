package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"reminderd/internal/domain"
)

// Validate checks everything that can be checked without touching the
// outside world. Cron specs and timezones are checked by the retention
// service itself.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if _, err := ParseDurationField("processor.interval", cfg.Processor.Interval); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("processor.error_backoff", cfg.Processor.ErrorBackoff); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("dispatch.timeout", cfg.Dispatch.Timeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := RateLimits(cfg.Dispatch); err != nil {
		errs = append(errs, err)
	}
	if cfg.Retention.DaysOld < 0 {
		errs = append(errs, fmt.Errorf("retention.days_old must be >= 0"))
	}
	if cfg.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(cfg.Storage.Path) == "" {
				errs = append(errs, fmt.Errorf("storage.path is required for driver %q", cfg.Storage.Driver))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	if cfg.Channels.Telegram.Enabled && strings.TrimSpace(cfg.Channels.Telegram.Token) == "" {
		errs = append(errs, errors.New("channels.telegram.token is required when telegram is enabled"))
	}
	if cfg.Debug.Enabled && strings.TrimSpace(cfg.Debug.Addr) != "" {
		if _, _, err := net.SplitHostPort(strings.TrimSpace(cfg.Debug.Addr)); err != nil {
			errs = append(errs, fmt.Errorf("debug.addr: %w", err))
		}
	}
	return errors.Join(errs...)
}

// RateLimits converts dispatch.rate_per_sec keys to channel kinds.
func RateLimits(d DispatchConfig) (map[domain.ChannelKind]float64, error) {
	out := make(map[domain.ChannelKind]float64, len(d.RatePerSec))
	for k, v := range d.RatePerSec {
		kind, err := domain.ParseChannelKind(k)
		if err != nil {
			return nil, fmt.Errorf("dispatch.rate_per_sec: %w", err)
		}
		if v < 0 {
			return nil, fmt.Errorf("dispatch.rate_per_sec.%s must be >= 0", k)
		}
		out[kind] = v
	}
	return out, nil
}
