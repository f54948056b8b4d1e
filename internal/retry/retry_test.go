package retry

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		BackoffFactor:   2,
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		err      error
		expected bool
	}{
		{nil, false},
		{stderrors.New("dial tcp: connection refused"), true},
		{stderrors.New("429 Too Many Requests"), true},
		{stderrors.New("execution reverted"), false},
		{stderrors.New("insufficient funds for gas * price + value"), false},
		{context.DeadlineExceeded, false},
		{NewRetryableError(stderrors.New("not found"), true), true},
		{NewRetryableError(stderrors.New("timeout"), false), false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, IsRetryableError(tt.err), "%v", tt.err)
	}
}

func TestRetrier_SucceedsAfterRetries(t *testing.T) {
	r := NewRetrier(fastConfig(5), logrus.New())

	calls := 0
	err := r.Execute(context.Background(), "dial", func() error {
		calls++
		if calls < 3 {
			return stderrors.New("connection reset by peer")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetrier_StopsOnPermanentError(t *testing.T) {
	r := NewRetrier(fastConfig(5), logrus.New())
	permanent := stderrors.New("execution reverted")

	calls := 0
	err := r.Execute(context.Background(), "send", func() error {
		calls++
		return permanent
	})

	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestRetrier_ExhaustsAttempts(t *testing.T) {
	r := NewRetrier(fastConfig(3), logrus.New())
	transient := stderrors.New("i/o timeout")

	calls := 0
	err := r.Execute(context.Background(), "send", func() error {
		calls++
		return transient
	})

	assert.ErrorIs(t, err, transient)
	assert.Equal(t, 3, calls)
}

func TestRetrier_ContextCancelled(t *testing.T) {
	r := NewRetrier(RetryConfig{MaxAttempts: 100, InitialInterval: time.Hour, BackoffFactor: 1}, logrus.New())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := r.Execute(ctx, "poll", func() error {
		return NewRetryableError(stderrors.New("not found"), true)
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRetrier_CalculateDelay(t *testing.T) {
	r := NewRetrier(RetryConfig{
		MaxAttempts:     5,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     300 * time.Millisecond,
		BackoffFactor:   2,
	}, logrus.New())

	assert.Equal(t, 100*time.Millisecond, r.calculateDelay(1))
	assert.Equal(t, 200*time.Millisecond, r.calculateDelay(2))
	assert.Equal(t, 300*time.Millisecond, r.calculateDelay(3))

	jittered := NewRetrier(NetworkRetryConfig, logrus.New())
	for i := 0; i < 20; i++ {
		d := jittered.calculateDelay(1)
		assert.GreaterOrEqual(t, d, 400*time.Millisecond)
		assert.LessOrEqual(t, d, 600*time.Millisecond)
	}
}

func TestNewRetrier_Defaults(t *testing.T) {
	r := NewRetrier(RetryConfig{}, logrus.New())
	assert.Equal(t, 1, r.GetConfig().MaxAttempts)
	assert.Equal(t, 1.0, r.GetConfig().BackoffFactor)
}
