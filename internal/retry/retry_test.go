package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fast = Policy{Attempts: 3, Initial: time.Millisecond, Max: 5 * time.Millisecond}

func TestDoStopsAfterAttempts(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	err := Do(context.Background(), fast, func(context.Context) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestDoSucceedsAfterTransientFailure(t *testing.T) {
	calls := 0
	var waits []time.Duration
	err := DoNotify(context.Background(), fast, func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("flaky")
		}
		return nil
	}, func(_ error, d time.Duration) { waits = append(waits, d) })
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Len(t, waits, 1)
}

func TestDoPermanentStopsImmediately(t *testing.T) {
	calls := 0
	fatal := errors.New("bad request")
	err := Do(context.Background(), fast, func(context.Context) error {
		calls++
		return Permanent(fatal)
	})
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 3, p.Attempts)
	assert.Equal(t, 4*time.Second, p.Initial)
	assert.Equal(t, 10*time.Second, p.Max)
}
