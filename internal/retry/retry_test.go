package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCfg = Config{MaxAttempts: 3, BaseDelay: time.Millisecond}

func TestDoSucceedsOnThirdAttempt(t *testing.T) {
	attempts := 0
	calls := 0
	result, err := Do(context.Background(), testCfg, &attempts, func() (string, error) {
		calls++
		if calls < 3 {
			return "", Transient(errors.New("connection reset"))
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, attempts)
}

func TestDoExhaustsAttempts(t *testing.T) {
	attempts := 0
	last := Transient(errors.New("attempt 3"))
	calls := 0
	_, err := Do(context.Background(), testCfg, &attempts, func() (string, error) {
		calls++
		if calls == 3 {
			return "", last
		}
		return "", Transient(fmt.Errorf("attempt %d", calls))
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	// The last underlying error is preserved for diagnostics.
	assert.Contains(t, err.Error(), "attempt 3")
}

func TestDoDoesNotRetryPermanent(t *testing.T) {
	attempts := 0
	calls := 0
	wantErr := errors.New("card declined")
	_, err := Do(context.Background(), testCfg, &attempts, func() (string, error) {
		calls++
		return "", wantErr
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, 1, calls)
}

func TestDoNilAttemptsCounter(t *testing.T) {
	result, err := Do(context.Background(), testCfg, nil, func() (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, result)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(Transient(errors.New("boom"))))
	assert.True(t, IsTransient(fmt.Errorf("wrapped: %w", Transient(errors.New("boom")))))
	assert.True(t, IsTransient(timeoutErr{}))
	assert.True(t, IsTransient(context.DeadlineExceeded))

	assert.False(t, IsTransient(errors.New("validation failed")))
	assert.False(t, IsTransient(nil))
}

func TestTransientNil(t *testing.T) {
	assert.Nil(t, Transient(nil))
}
