package invalidation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryBusDeliversToSubscribers(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, ChannelName)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, bus.Publish(ctx, ChannelName, []byte("hello")))

	recvCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	payload, err := sub.Receive(recvCtx)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), payload)
}

func TestMemoryBusChannelIsolation(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "other_channel")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, bus.Publish(ctx, ChannelName, []byte("hello")))

	recvCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = sub.Receive(recvCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryBusDropsWhenSubscriberIsFull(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, ChannelName)
	require.NoError(t, err)
	defer sub.Close()

	// Publishing past the buffer must never block the caller.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < memorySubBuffer*2; i++ {
			_ = bus.Publish(ctx, ChannelName, []byte("m"))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestMemorySubscriptionCloseUnblocksReceive(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, ChannelName)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := sub.Receive(ctx)
		errCh <- err
	}()

	require.NoError(t, sub.Close())

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrSubscriptionClosed)
	case <-time.After(time.Second):
		t.Fatal("receive did not observe close")
	}

	// Closing twice is fine.
	require.NoError(t, sub.Close())
}
