package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mazen4bs/crawlgrid/internal/queue"
)

func TestEnqueueDequeueAck(t *testing.T) {
	t.Parallel()

	q := New(10, time.Minute)
	defer func() { _ = q.Close() }()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, []byte("a")))
	require.NoError(t, q.Enqueue(ctx, []byte("b")))

	msg, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, "a", string(msg.Payload), "FIFO order")
	require.NoError(t, q.Ack(ctx, msg.Receipt))

	// Acking twice reports an unknown receipt.
	require.ErrorIs(t, q.Ack(ctx, msg.Receipt), queue.ErrUnknownReceipt)
}

func TestDequeueEmptyTimesOut(t *testing.T) {
	t.Parallel()

	q := New(10, time.Minute)
	defer func() { _ = q.Close() }()

	start := time.Now()
	_, err := q.Dequeue(context.Background(), 50*time.Millisecond)
	require.ErrorIs(t, err, queue.ErrEmpty)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestVisibilityTimeoutRedelivers(t *testing.T) {
	t.Parallel()

	q := New(10, 100*time.Millisecond)
	defer func() { _ = q.Close() }()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, []byte("task")))

	first, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	// Never acked: the lease expires and the message comes back.
	second, err := q.Dequeue(ctx, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, string(first.Payload), string(second.Payload))
	require.NotEqual(t, first.Receipt, second.Receipt, "redelivery issues a fresh lease")

	// The stale receipt can no longer ack.
	require.ErrorIs(t, q.Ack(ctx, first.Receipt), queue.ErrUnknownReceipt)
	require.NoError(t, q.Ack(ctx, second.Receipt))
}

func TestAckedMessageIsNotRedelivered(t *testing.T) {
	t.Parallel()

	q := New(10, 50*time.Millisecond)
	defer func() { _ = q.Close() }()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, []byte("task")))
	msg, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, q.Ack(ctx, msg.Receipt))

	time.Sleep(350 * time.Millisecond)
	_, err = q.Dequeue(ctx, 50*time.Millisecond)
	require.ErrorIs(t, err, queue.ErrEmpty)
}

func TestDequeueWakesOnEnqueue(t *testing.T) {
	t.Parallel()

	q := New(10, time.Minute)
	defer func() { _ = q.Close() }()
	ctx := context.Background()

	done := make(chan struct{}, 1)
	go func() {
		msg, err := q.Dequeue(ctx, 2*time.Second)
		if err == nil && string(msg.Payload) == "late" {
			done <- struct{}{}
		}
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, []byte("late")))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dequeue did not observe the enqueue")
	}
}

func TestClosedQueueRejectsOperations(t *testing.T) {
	t.Parallel()

	q := New(10, time.Minute)
	require.NoError(t, q.Close())
	require.ErrorIs(t, q.Enqueue(context.Background(), []byte("x")), queue.ErrClosed)
	_, err := q.Dequeue(context.Background(), 10*time.Millisecond)
	require.ErrorIs(t, err, queue.ErrClosed)
}

func TestCapacityBound(t *testing.T) {
	t.Parallel()

	q := New(2, time.Minute)
	defer func() { _ = q.Close() }()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, []byte("1")))
	require.NoError(t, q.Enqueue(ctx, []byte("2")))
	require.Error(t, q.Enqueue(ctx, []byte("3")))
	require.Equal(t, 2, q.Len())
}
