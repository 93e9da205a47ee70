package broker_test

import (
	"context"
	"testing"

	"github.com/blogcrawl/pipeline/internal/broker"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T) (*broker.Broker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	b, err := broker.New(mr.Addr(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b, mr
}

func TestPopLease_Empty(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	_, err := b.PopLease(ctx)
	require.ErrorIs(t, err, broker.ErrEmpty)
}

func TestPopLease_AtomicTagAndRelease(t *testing.T) {
	b, mr := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.SAdd(ctx, broker.KeyImportQueue, `{"name":"foo","offset":0}`))

	lease, err := b.PopLease(ctx)
	require.NoError(t, err)
	require.Equal(t, `{"name":"foo","offset":0}`, lease.Payload)
	require.NotZero(t, lease.Epoch)

	// The import queue member is gone...
	n, err := mr.SMembers(broker.KeyImportQueue)
	require.NoError(t, err)
	require.Empty(t, n)

	// ...and the composite entry is tagged into the working set.
	working, err := mr.SMembers(broker.KeyImportWorking)
	require.NoError(t, err)
	require.Equal(t, []string{lease.CompositeEntry()}, working)

	require.NoError(t, b.ReleaseLease(ctx, lease))
	working, err = mr.SMembers(broker.KeyImportWorking)
	require.NoError(t, err)
	require.Empty(t, working)
}

func TestRequeue(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Requeue(ctx, `{"name":"bar"}`))

	depth, err := b.SCard(ctx, broker.KeyImportQueue)
	require.NoError(t, err)
	require.Equal(t, int64(1), depth)
}

func TestHIncrByAndHGet(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	n, err := b.HIncrBy(ctx, broker.KeyWorkStats, "worker-1", 5)
	require.NoError(t, err)
	require.Equal(t, int64(5), n)

	v, err := b.HGet(ctx, broker.KeyWorkStats, "worker-1")
	require.NoError(t, err)
	require.Equal(t, "5", v)
}

func TestIsNil(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	_, err := b.HGet(ctx, broker.KeyWorkStats, "missing")
	require.True(t, broker.IsNil(err))
}
