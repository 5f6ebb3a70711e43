package app

import (
	"strings"

	"reminderd/internal/channels"
	"reminderd/internal/config"
	"reminderd/internal/dispatch"
	"reminderd/internal/domain"
	logx "reminderd/pkg/logx"
)

// channelSet tracks which capabilities the app installed so a reload only
// touches what changed.
type channelSet struct {
	log logx.Logger

	// installed holds the capability currently registered per kind.
	installed     map[domain.ChannelKind]dispatch.Capability
	telegramToken string
}

func newChannelSet(log logx.Logger) *channelSet {
	return &channelSet{log: log, installed: map[domain.ChannelKind]dispatch.Capability{}}
}

type channelRegistry interface {
	RegisterChannel(kind domain.ChannelKind, c dispatch.Capability)
	UnregisterChannel(kind domain.ChannelKind)
}

// apply brings the registry in line with cfg. A telegram channel that
// cannot be built is left unregistered and reported.
func (cs *channelSet) apply(reg channelRegistry, cfg config.ChannelsConfig) error {
	cs.toggle(reg, domain.ChannelEmail, cfg.Email.Enabled, func() (dispatch.Capability, error) {
		return channels.NewEmail(cs.log), nil
	})
	cs.toggle(reg, domain.ChannelSMS, cfg.SMS.Enabled, func() (dispatch.Capability, error) {
		return channels.NewSMS(cs.log), nil
	})
	cs.toggle(reg, domain.ChannelPush, cfg.Push.Enabled, func() (dispatch.Capability, error) {
		return channels.NewPush(cs.log), nil
	})

	token := strings.TrimSpace(cfg.Telegram.Token)
	if cfg.Telegram.Enabled && token != cs.telegramToken {
		// token rotated: rebuild the bot
		cs.drop(reg, domain.ChannelTelegram)
	}
	var terr error
	cs.toggle(reg, domain.ChannelTelegram, cfg.Telegram.Enabled, func() (dispatch.Capability, error) {
		tg, err := channels.NewTelegram(token, cs.log)
		if err != nil {
			terr = err
			return nil, err
		}
		cs.telegramToken = token
		return tg, nil
	})
	return terr
}

func (cs *channelSet) toggle(reg channelRegistry, kind domain.ChannelKind, enabled bool, build func() (dispatch.Capability, error)) {
	_, have := cs.installed[kind]
	switch {
	case enabled && !have:
		c, err := build()
		if err != nil {
			cs.log.Warn("channel not registered", logx.String("channel", kind.String()), logx.Err(err))
			return
		}
		reg.RegisterChannel(kind, c)
		cs.installed[kind] = c
		cs.log.Info("channel registered", logx.String("channel", kind.String()))
	case !enabled && have:
		cs.drop(reg, kind)
	}
}

func (cs *channelSet) drop(reg channelRegistry, kind domain.ChannelKind) {
	if _, ok := cs.installed[kind]; !ok {
		return
	}
	reg.UnregisterChannel(kind)
	delete(cs.installed, kind)
	if kind == domain.ChannelTelegram {
		cs.telegramToken = ""
	}
	cs.log.Info("channel unregistered", logx.String("channel", kind.String()))
}
