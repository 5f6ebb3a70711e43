package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reminderd/internal/domain"
)

func note(ch domain.ChannelKind) domain.Notification {
	now := time.Now()
	return domain.NewNotification("e1", "p1", ch, "hello", now.Add(time.Minute), now)
}

func TestDispatchUnknownChannel(t *testing.T) {
	t.Parallel()
	d := New(NewRegistry())
	_, err := d.Dispatch(context.Background(), note("FAX"), "x")
	require.ErrorIs(t, err, domain.ErrUnknownChannel)
}

func TestDispatchOutcomes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		cap       CapabilityFunc
		delivered bool
		wantErr   bool
	}{
		{
			name:      "accepted",
			cap:       func(context.Context, string, string) (bool, error) { return true, nil },
			delivered: true,
		},
		{
			name: "rejected",
			cap:  func(context.Context, string, string) (bool, error) { return false, nil },
		},
		{
			name:    "error",
			cap:     func(context.Context, string, string) (bool, error) { return true, errors.New("smtp 550") },
			wantErr: true,
		},
		{
			name:    "panic",
			cap:     func(context.Context, string, string) (bool, error) { panic("bad driver") },
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			reg := NewRegistry()
			reg.Register(domain.ChannelEmail, tt.cap)
			res, err := New(reg).Dispatch(context.Background(), note(domain.ChannelEmail), "a@b.c")
			require.NoError(t, err)
			assert.Equal(t, tt.delivered, res.Delivered)
			if tt.wantErr {
				assert.Error(t, res.Err)
			} else {
				assert.NoError(t, res.Err)
			}
		})
	}
}

func TestDispatchPassesContactAndMessage(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	var gotContact, gotMsg string
	reg.Register(domain.ChannelSMS, CapabilityFunc(func(_ context.Context, contact, msg string) (bool, error) {
		gotContact, gotMsg = contact, msg
		return true, nil
	}))
	_, err := New(reg).Dispatch(context.Background(), note(domain.ChannelSMS), "+15550100")
	require.NoError(t, err)
	assert.Equal(t, "+15550100", gotContact)
	assert.Equal(t, "hello", gotMsg)
}

func TestDispatchTimeout(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	release := make(chan struct{})
	defer close(release)
	reg.Register(domain.ChannelPush, CapabilityFunc(func(ctx context.Context, _, _ string) (bool, error) {
		<-release // ignores ctx on purpose
		return true, nil
	}))
	d := New(reg, WithTimeout(20*time.Millisecond))
	assert.Equal(t, 20*time.Millisecond, d.Timeout())

	res, err := d.Dispatch(context.Background(), note(domain.ChannelPush), "u1")
	require.NoError(t, err)
	assert.False(t, res.Delivered)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
}

func TestRegistryLastRegistrationWins(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	var first, second atomic.Int32
	reg.Register(domain.ChannelEmail, CapabilityFunc(func(context.Context, string, string) (bool, error) {
		first.Add(1)
		return true, nil
	}))
	reg.Register(domain.ChannelEmail, CapabilityFunc(func(context.Context, string, string) (bool, error) {
		second.Add(1)
		return true, nil
	}))
	_, err := New(reg).Dispatch(context.Background(), note(domain.ChannelEmail), "a@b.c")
	require.NoError(t, err)
	assert.Zero(t, first.Load())
	assert.Equal(t, int32(1), second.Load())
	assert.Equal(t, []domain.ChannelKind{domain.ChannelEmail}, reg.Kinds())

	reg.Unregister(domain.ChannelEmail)
	_, ok := reg.Lookup(domain.ChannelEmail)
	assert.False(t, ok)
}

func TestRateLimitThrottles(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	reg.Register(domain.ChannelSMS, CapabilityFunc(func(context.Context, string, string) (bool, error) { return true, nil }))
	d := New(reg, WithRateLimit(domain.ChannelSMS, 20))

	start := time.Now()
	for i := 0; i < 25; i++ {
		res, err := d.Dispatch(context.Background(), note(domain.ChannelSMS), "+1")
		require.NoError(t, err)
		require.True(t, res.Delivered)
	}
	// 20 burst tokens, the remaining 5 refill at 20/s.
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)

	d.SetRateLimits(nil)
	start = time.Now()
	for i := 0; i < 25; i++ {
		_, _ = d.Dispatch(context.Background(), note(domain.ChannelSMS), "+1")
	}
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}
