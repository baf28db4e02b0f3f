package breaker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDoReturnsUnderlyingResult(t *testing.T) {
	b := New("test")
	v, err := Do(b, context.Background(), func(ctx context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, v)
}

func TestDoPropagatesError(t *testing.T) {
	b := New("test")
	boom := errors.New("boom")
	_, err := Do(b, context.Background(), func(ctx context.Context) (int, error) {
		return 0, boom
	})
	require.ErrorIs(t, err, boom)
}

func TestDoTripsAfterConsecutiveFailures(t *testing.T) {
	b := New("test-trip")
	boom := errors.New("boom")
	failing := func(ctx context.Context) (int, error) { return 0, boom }

	for i := 0; i < 5; i++ {
		_, err := Do(b, context.Background(), failing)
		require.Error(t, err)
	}

	_, err := Do(b, context.Background(), func(ctx context.Context) (int, error) {
		t.Fatal("breaker should have tripped before calling this")
		return 0, nil
	})
	require.Error(t, err, "open breaker must short-circuit without invoking fn")
}
