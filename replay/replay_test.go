package replay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/salonflow/edge/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDrainMarksReplayedActionsSynced(t *testing.T) {
	store := queue.NewMemStore(0)
	for _, ts := range []int64{300, 100, 200} {
		_, err := store.Enqueue(queue.Incoming{Type: "CREATE_CHECKIN", ClientCreatedAt: ts})
		require.NoError(t, err)
	}

	var replayed []int64
	driver := NewDriver(store, func(ctx context.Context, action queue.Action) error {
		replayed = append(replayed, action.ClientCreatedAt)
		return nil
	}, Policy{}, nil)

	require.NoError(t, driver.Drain(context.Background()))

	// replayed in clientCreatedAt order
	assert.Equal(t, []int64{100, 200, 300}, replayed)

	pending, err := store.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)

	// synced entries were garbage-collected after the pass
	size, err := store.Size()
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestDrainIncrementsRetryOnFailure(t *testing.T) {
	store := queue.NewMemStore(0)
	bad, err := store.Enqueue(queue.Incoming{Type: "BAD", ClientCreatedAt: 100})
	require.NoError(t, err)
	_, err = store.Enqueue(queue.Incoming{Type: "GOOD", ClientCreatedAt: 200})
	require.NoError(t, err)

	driver := NewDriver(store, func(ctx context.Context, action queue.Action) error {
		if action.Type == "BAD" {
			return errors.New("origin rejected")
		}
		return nil
	}, Policy{}, nil)

	require.NoError(t, driver.Drain(context.Background()))

	pending, err := store.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, bad.ID, pending[0].ID)
	assert.Equal(t, 1, pending[0].RetryCount)

	// the successful one is gone entirely
	size, err := store.Size()
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

func TestDrainSkipsExhaustedRetries(t *testing.T) {
	store := queue.NewMemStore(0)
	action, err := store.Enqueue(queue.Incoming{Type: "BAD"})
	require.NoError(t, err)

	var attempts int
	driver := NewDriver(store, func(ctx context.Context, a queue.Action) error {
		attempts++
		return errors.New("origin rejected")
	}, Policy{MaxRetries: 2}, nil)

	for i := 0; i < 4; i++ {
		require.NoError(t, driver.Drain(context.Background()))
	}

	// attempted twice, then skipped on later passes
	assert.Equal(t, 2, attempts)
	pending, err := store.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, action.ID, pending[0].ID)
	assert.Equal(t, 2, pending[0].RetryCount)
}

func TestDrainUnlimitedRetriesWhenUnset(t *testing.T) {
	store := queue.NewMemStore(0)
	_, err := store.Enqueue(queue.Incoming{Type: "BAD"})
	require.NoError(t, err)

	var attempts int
	driver := NewDriver(store, func(ctx context.Context, a queue.Action) error {
		attempts++
		return errors.New("origin rejected")
	}, Policy{}, nil)

	for i := 0; i < 5; i++ {
		require.NoError(t, driver.Drain(context.Background()))
	}
	assert.Equal(t, 5, attempts)
}

func TestDrainStopsOnCancel(t *testing.T) {
	store := queue.NewMemStore(0)
	for i := 0; i < 3; i++ {
		_, err := store.Enqueue(queue.Incoming{Type: "CREATE_CHECKIN"})
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var attempts int
	driver := NewDriver(store, func(ctx context.Context, a queue.Action) error {
		attempts++
		cancel()
		return nil
	}, Policy{}, nil)

	err := driver.Drain(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

func TestRunStopsOnCancel(t *testing.T) {
	store := queue.NewMemStore(0)
	driver := NewDriver(store, func(ctx context.Context, a queue.Action) error {
		return nil
	}, Policy{Interval: 10 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		driver.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
