package reaper_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/blogcrawl/pipeline/internal/broker"
	"github.com/blogcrawl/pipeline/internal/reaper"

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

// sweep is unexported and Run is a ticker loop, so these tests start a
// short-lived Run with a fast period and check the broker state it leaves
// behind, confirming the composite-entry age math and malformed-entry
// handling.

func TestReaper_RequeuesExpiredLease(t *testing.T) {
	b, mr := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	expiredEpoch := time.Now().Add(-1 * time.Hour).Unix()
	entry := fmt.Sprintf("%d;%s", expiredEpoch, `{"name":"stale"}`)
	require.NoError(t, mr.SetAdd(broker.KeyImportWorking, entry))

	r := reaper.New(b, 100*time.Millisecond, 10*time.Millisecond)
	go r.Run(ctx)

	require.Eventually(t, func() bool {
		n, err := mr.SMembers(broker.KeyImportQueue)
		return err == nil && len(n) == 1
	}, time.Second, 10*time.Millisecond)

	working, err := mr.SMembers(broker.KeyImportWorking)
	require.NoError(t, err)
	require.Empty(t, working)
}

func TestReaper_LeavesFreshLeaseAlone(t *testing.T) {
	b, mr := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	freshEntry := fmt.Sprintf("%d;%s", time.Now().Unix(), `{"name":"fresh"}`)
	require.NoError(t, mr.SetAdd(broker.KeyImportWorking, freshEntry))

	r := reaper.New(b, time.Hour, 10*time.Millisecond)
	go r.Run(ctx)

	time.Sleep(50 * time.Millisecond)

	working, err := mr.SMembers(broker.KeyImportWorking)
	require.NoError(t, err)
	require.Equal(t, []string{freshEntry}, working)
}

func TestReaper_DropsMalformedEntry(t *testing.T) {
	b, mr := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, mr.SetAdd(broker.KeyImportWorking, "not-a-composite-entry"))

	r := reaper.New(b, 100*time.Millisecond, 10*time.Millisecond)
	go r.Run(ctx)

	require.Eventually(t, func() bool {
		working, err := mr.SMembers(broker.KeyImportWorking)
		return err == nil && len(working) == 0
	}, time.Second, 10*time.Millisecond)
}
