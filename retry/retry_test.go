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

func TestRetryEventuallyOk(t *testing.T) {
	r := New(Config{InitialDelay: time.Millisecond, MaxDelay: 3 * time.Millisecond, Factor: 2}, nil)
	calls := 0
	err := r.Do(context.Background(), func(i int) (bool, error) {
		calls++
		if i < 5 {
			return true, fmt.Errorf("pop")
		}
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 5, calls)
}

func TestRetryLimited(t *testing.T) {
	r := New(Config{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxAttempts: 3}, nil)
	calls := 0
	err := r.Do(context.Background(), func(int) (bool, error) {
		calls++
		return true, fmt.Errorf("pop %d", calls)
	})
	assert.EqualError(t, err, "pop 3")
	assert.Equal(t, 3, calls)
}

func TestRetryNotRetryable(t *testing.T) {
	r := New(Durable, nil)
	fatal := errors.New("fatal")
	calls := 0
	err := r.Do(context.Background(), func(int) (bool, error) {
		calls++
		return false, fatal
	})
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestRetryContextCanceled(t *testing.T) {
	r := New(Config{InitialDelay: time.Second, MaxDelay: time.Second}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pop := errors.New("pop")
	err := r.Do(ctx, func(int) (bool, error) { return true, pop })
	assert.ErrorIs(t, err, pop)
}

func TestDelayCapped(t *testing.T) {
	r := New(Config{InitialDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, Factor: 2}, nil)
	assert.Equal(t, time.Duration(0), r.Delay(0))
	assert.Equal(t, 100*time.Millisecond, r.Delay(1))
	assert.Equal(t, 200*time.Millisecond, r.Delay(2))
	assert.Equal(t, 300*time.Millisecond, r.Delay(3))
	assert.Equal(t, 300*time.Millisecond, r.Delay(10))
}
