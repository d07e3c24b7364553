package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errNotYet = errors.New("not yet")

func TestDo(t *testing.T) {
	t.Run("succeeds on a later attempt", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), Policy{Attempts: 10, Delay: time.Millisecond}, func(context.Context, int) error {
			calls++
			if calls < 3 {
				return errNotYet
			}
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("exhausted", func(t *testing.T) {
		var seen []int
		err := Do(context.Background(), Policy{Attempts: 3, Delay: time.Millisecond}, func(_ context.Context, attempt int) error {
			seen = append(seen, attempt)
			return errNotYet
		})

		assert.ErrorIs(t, err, ErrExhausted)
		assert.ErrorIs(t, err, errNotYet)
		assert.Equal(t, []int{1, 2, 3}, seen)

		var exhausted *ExhaustedError
		assert.True(t, errors.As(err, &exhausted))
		assert.Equal(t, 3, exhausted.Attempts)
	})

	t.Run("stop is not retried", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), Policy{Attempts: 5, Delay: time.Millisecond}, func(context.Context, int) error {
			calls++
			return Stop(errNotYet)
		})

		assert.Equal(t, errNotYet, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("cancelled while waiting", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := Do(ctx, Policy{Attempts: 5, Delay: time.Hour}, func(context.Context, int) error {
			calls++
			cancel()
			return errNotYet
		})

		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})
}
