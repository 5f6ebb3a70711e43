package app

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"reminderd/internal/config"
	"reminderd/internal/dispatch"
	"reminderd/internal/domain"
	"reminderd/internal/eventbus"
	logx "reminderd/pkg/logx"
)

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	// Track last applied config to generate a safe diff summary.
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig pushes a validated config into the running components. Each
// section is applied independently; a bad section keeps its previous value.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if slices.Contains(sections, "storage") || slices.Contains(sections, "seed") {
		a.log.Warn("storage/seed config changed; restart required for changes to take effect")
	}

	if slices.Contains(sections, "logging") {
		a.logs.Apply(mapLoggingConfig(newCfg))
	}

	if slices.Contains(sections, "dispatch") {
		timeout, err := config.ParseDurationOrDefault("dispatch.timeout", newCfg.Dispatch.Timeout, dispatch.DefaultTimeout)
		if err != nil {
			a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
		} else if rates, err := config.RateLimits(newCfg.Dispatch); err != nil {
			a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
		} else {
			a.engine.Dispatcher().SetTimeout(timeout)
			a.engine.Dispatcher().SetRateLimits(rates)
		}
	}

	if slices.Contains(sections, "processor") {
		a.applyProcessor(ctx, newCfg)
	}

	if slices.Contains(sections, "retention") {
		if err := a.retention.Apply(mapRetentionConfig(newCfg)); err != nil {
			a.log.Warn("invalid retention config; keeping previous", logx.Err(err))
		}
	}

	if slices.Contains(sections, "channels") {
		if err := a.channels.apply(a.engine, newCfg.Channels); err != nil {
			a.log.Warn("channel reload incomplete", logx.Err(err))
		}
	}

	if slices.Contains(sections, "debug") {
		a.debug.Reconfigure(ctx, mapDebugConfig(newCfg))
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Time: a.now(), Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) applyProcessor(ctx context.Context, cfg *config.Config) {
	interval, backoff, err := processorSettings(cfg)
	if err != nil {
		a.log.Warn("invalid processor config; keeping previous", logx.Err(err))
		return
	}
	proc := a.engine.Processor()
	proc.SetInterval(interval)
	proc.SetErrorBackoff(backoff)

	switch running := proc.Running(); {
	case running && !cfg.Processor.Enabled:
		a.log.Info("processor disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := a.engine.StopNotificationProcessor(stopCtx); err != nil && !errors.Is(err, domain.ErrNotRunning) {
			a.log.Warn("processor stop failed", logx.Err(err))
		}
	case !running && cfg.Processor.Enabled:
		a.log.Info("processor enabled via config")
		if err := a.engine.StartNotificationProcessor(interval); err != nil && !errors.Is(err, domain.ErrAlreadyRunning) {
			a.log.Warn("processor start failed", logx.Err(err))
		}
	}
}
