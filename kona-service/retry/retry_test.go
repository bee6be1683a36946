package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDoSucceedsAfterFailures(t *testing.T) {
	attempts := 0
	out, err := Do(context.Background(), 5, Fixed(time.Millisecond), func() (int, error) {
		attempts++
		if attempts < 3 {
			return 0, errors.New("flaky")
		}
		return 7, nil
	})
	require.NoError(t, err)
	require.Equal(t, 7, out)
	require.Equal(t, 3, attempts)
}

func TestDoGivesUp(t *testing.T) {
	attempts := 0
	err := Do0(context.Background(), 3, Fixed(time.Millisecond), func() error {
		attempts++
		return errors.New("down")
	})
	require.ErrorContains(t, err, "down")
	require.Equal(t, 3, attempts)
}

func TestDoPermanent(t *testing.T) {
	target := errors.New("bad input")
	attempts := 0
	err := Do0(context.Background(), 10, Fixed(time.Millisecond), func() error {
		attempts++
		return Permanent(target)
	})
	require.ErrorIs(t, err, target)
	require.Equal(t, 1, attempts)
}

func TestDoContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do0(ctx, 10, Fixed(time.Millisecond), func() error {
		return errors.New("down")
	})
	require.ErrorIs(t, err, context.Canceled)
}
