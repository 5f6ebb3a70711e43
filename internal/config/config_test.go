package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reminderd/internal/domain"
)

const sampleYAML = `
logging: { level: debug, console: true }
processor: { enabled: true, interval: 15s }
dispatch:
  timeout: 2s
  rate_per_sec: { email: 5, SMS: 1.5 }
retention: { enabled: true, schedule: "0 3 * * *", days_old: 7 }
storage: { driver: file, path: ./data/journal }
channels:
  email: { enabled: true }
  telegram: { enabled: false }
`

func TestParseBytesYAMLAndJSON(t *testing.T) {
	t.Parallel()
	cfg, err := ParseBytes("config.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Processor.Enabled)
	assert.Equal(t, "15s", cfg.Processor.Interval)
	assert.Equal(t, 7, cfg.Retention.DaysOld)
	require.NotNil(t, cfg.Storage)
	assert.Equal(t, "file", cfg.Storage.Driver)

	js := `{"processor":{"enabled":false},"channels":{"push":{"enabled":true}}}`
	cfg, err = ParseBytes("config.json", []byte(js))
	require.NoError(t, err)
	assert.True(t, cfg.Channels.Push.Enabled)
	assert.Nil(t, cfg.Storage)
}

func TestParseBytesRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name, path, body, want string
	}{
		{name: "unknown field", path: "c.json", body: `{"processor":{"enabld":true}}`, want: "unknown field"},
		{name: "unknown yaml field", path: "c.yml", body: "channels:\n  fax: {enabled: true}\n", want: "unknown field"},
		{name: "trailing data", path: "c.json", body: `{} {}`, want: "trailing data"},
		{name: "bad duration", path: "c.json", body: `{"processor":{"interval":"soon"}}`, want: "processor.interval"},
		{name: "negative duration", path: "c.json", body: `{"dispatch":{"timeout":"-1s"}}`, want: "dispatch.timeout"},
		{name: "blank rate channel", path: "c.json", body: `{"dispatch":{"rate_per_sec":{" ":1}}}`, want: "rate_per_sec"},
		{name: "negative days", path: "c.json", body: `{"retention":{"days_old":-1}}`, want: "days_old"},
		{name: "unknown driver", path: "c.json", body: `{"storage":{"driver":"mongo"}}`, want: "unknown driver"},
		{name: "sqlite without path", path: "c.json", body: `{"storage":{"driver":"sqlite"}}`, want: "storage.path"},
		{name: "telegram without token", path: "c.json", body: `{"channels":{"telegram":{"enabled":true}}}`, want: "token"},
		{name: "bad debug addr", path: "c.json", body: `{"debug":{"enabled":true,"addr":"6060"}}`, want: "debug.addr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseBytes(tt.path, []byte(tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateJoinsErrors(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Processor: ProcessorConfig{Interval: "x"},
		Retention: RetentionConfig{DaysOld: -3},
	}
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "processor.interval")
	assert.Contains(t, err.Error(), "retention.days_old")
	require.Error(t, Validate(nil))
}

func TestRateLimits(t *testing.T) {
	t.Parallel()
	got, err := RateLimits(DispatchConfig{RatePerSec: map[string]float64{"email": 2, "Push": 0}})
	require.NoError(t, err)
	assert.Equal(t, map[domain.ChannelKind]float64{domain.ChannelEmail: 2, domain.ChannelPush: 0}, got)

	_, err = RateLimits(DispatchConfig{RatePerSec: map[string]float64{"sms": -1}})
	require.Error(t, err)
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)
	d, err = ParseDurationOrDefault("x", " 250ms ", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg, err := ParseBytes("c.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	newCfg, err := ParseBytes("c.yaml", []byte(sampleYAML))
	require.NoError(t, err)

	sections, _ := SummarizeConfigChange(oldCfg, newCfg)
	assert.Empty(t, sections)

	newCfg.Processor.Interval = "1m"
	newCfg.Dispatch.RatePerSec["email"] = 9
	newCfg.Channels.Telegram = TelegramChannel{Enabled: true, Token: "secret"}
	sections, attrs := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"processor", "dispatch", "channels"}, sections)
	assert.NotEmpty(t, attrs)

	sections, _ = SummarizeConfigChange(nil, newCfg)
	assert.Contains(t, sections, "logging")
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestManagerLoadAndReload(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, sampleYAML)

	m := NewConfigManager(path)
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Same(t, cfg, m.Get())

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	published, err := m.Reload(context.Background())
	require.NoError(t, err)
	assert.False(t, published, "unchanged file is not republished")

	writeFile(t, path, strings.Replace(sampleYAML, "interval: 15s", "interval: 45s", 1))
	published, err = m.Reload(context.Background())
	require.NoError(t, err)
	require.True(t, published)
	got := <-sub
	assert.Equal(t, "45s", got.Processor.Interval)
	assert.Equal(t, "45s", m.Get().Processor.Interval)

	m.SetValidator(func(context.Context, *Config) error { return assert.AnError })
	writeFile(t, path, strings.Replace(sampleYAML, "interval: 15s", "interval: 5s", 1))
	_, err = m.Reload(context.Background())
	require.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, "45s", m.Get().Processor.Interval, "rejected config is not committed")

	writeFile(t, path, "processor: [")
	_, err = m.Reload(context.Background())
	require.Error(t, err)
}

func TestPublishKeepsLatest(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("unused.json")
	sub := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	assert.Same(t, b, <-sub)

	m.Unsubscribe(sub)
	_, ok := <-sub
	assert.False(t, ok)
	m.Unsubscribe(sub)
}

func TestWatchPublishesOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, sampleYAML)
	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	sub := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	// Let the watcher register before writing.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, path, strings.Replace(sampleYAML, "level: debug", "level: warn", 1))

	select {
	case cfg := <-sub:
		assert.Equal(t, "warn", cfg.Logging.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("no config published after write")
	}
}
