package ledger

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/susu3304/wagerbot/internal/clock"
)

func newLedger() (*Ledger, *clock.Fake) {
	c := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return New(c, 3), c
}

func TestMarkProcessedEvictsOldest(t *testing.T) {
	l, _ := newLedger()
	assert.True(t, l.MarkProcessed("a"))
	assert.False(t, l.MarkProcessed("a"))
	assert.True(t, l.MarkProcessed("b"))
	assert.True(t, l.MarkProcessed("c"))
	assert.True(t, l.MarkProcessed("d"))
	assert.False(t, l.Processed("a"), "oldest id should be evicted past the cap")
	assert.True(t, l.Processed("d"))
}

func TestIntentLifecycle(t *testing.T) {
	l, _ := newLedger()
	req := IntentRequest{ID: "pi-1", Address: "addr", Network: "ltc", Amount: decimal.NewFromInt(21), ChannelID: "c1", MessageID: "m1"}

	assert.True(t, l.CanSend("pi-1").CanSend)
	require.True(t, l.RecordIntent(req))
	assert.False(t, l.RecordIntent(req), "duplicate intent must be refused")
	assert.True(t, l.MessageActed("m1"))

	d := l.CanSend("pi-1")
	assert.False(t, d.CanSend)
	assert.Equal(t, IntentPending, d.State)

	require.NoError(t, l.RecordBroadcast("pi-1", "tx-1"))
	d = l.CanSend("pi-1")
	assert.False(t, d.CanSend)
	assert.Equal(t, "tx-1", d.ExistingTx)

	assert.ErrorIs(t, l.RecordBroadcast("pi-1", "tx-2"), ErrIntentState)
	require.NoError(t, l.RecordConfirmed("pi-1"))
	assert.True(t, l.DailySpend(time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)).Equal(decimal.NewFromInt(21)))
	assert.ErrorIs(t, l.RecordConfirmed("pi-1"), ErrIntentState)
}

func TestFailedIntentCanRetry(t *testing.T) {
	l, _ := newLedger()
	req := IntentRequest{ID: "pi-2", Address: "a1", Amount: decimal.NewFromInt(5), MessageID: "m1"}
	require.True(t, l.RecordIntent(req))
	require.NoError(t, l.RecordFailed("pi-2", "network down"))

	d := l.CanSend("pi-2")
	assert.True(t, d.CanSend)
	assert.Equal(t, IntentFailed, d.State)

	assert.ErrorIs(t, l.RetryIntent(IntentRequest{ID: "missing"}), ErrIntentNotFound)
	req.MessageID = "m2"
	req.Address = "a2"
	require.NoError(t, l.RetryIntent(req))
	in, ok := l.Intent("pi-2")
	require.True(t, ok)
	assert.Equal(t, IntentPending, in.State)
	assert.Equal(t, "a2", in.Address)
	assert.Equal(t, []string{"m1", "m2"}, in.MessageIDs)
	assert.ErrorIs(t, l.RetryIntent(req), ErrIntentState)
}

func TestDailyCommittedCountsInFlight(t *testing.T) {
	l, _ := newLedger()
	require.True(t, l.RecordIntent(IntentRequest{ID: "a", Amount: decimal.NewFromInt(10)}))
	require.NoError(t, l.RecordBroadcast("a", "tx"))
	require.NoError(t, l.RecordConfirmed("a"))
	require.True(t, l.RecordIntent(IntentRequest{ID: "b", Amount: decimal.NewFromInt(7)}))
	require.True(t, l.RecordIntent(IntentRequest{ID: "dry", Amount: decimal.NewFromInt(100), DryRun: true}))

	assert.True(t, l.DailyCommitted(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)).Equal(decimal.NewFromInt(17)))
}

func TestVouchOncePerChannel(t *testing.T) {
	l, _ := newLedger()
	var posts int32
	post := func() (string, error) {
		atomic.AddInt32(&posts, 1)
		time.Sleep(time.Millisecond)
		return "v1", nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = l.Vouch("c1", nil, post)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&posts))

	// a failed post keeps the bit, so it is never retried
	ok, err := l.Vouch("c2", nil, func() (string, error) { return "", errors.New("boom") })
	assert.False(t, ok)
	assert.Error(t, err)
	assert.True(t, l.Vouched("c2"))
	ok, err = l.Vouch("c2", nil, post)
	assert.False(t, ok)
	assert.NoError(t, err)
}

func TestVouchCommitsBitBeforePost(t *testing.T) {
	l, _ := newLedger()
	var committed []bool
	commit := func() error {
		committed = append(committed, l.Vouched("c1"))
		return nil
	}
	ok, err := l.Vouch("c1", commit, func() (string, error) {
		require.Equal(t, []bool{true}, committed, "bit committed before the post")
		return "v1", nil
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v1", l.Snapshot().Vouches["c1"].MessageID)

	// a failed commit clears the bit and skips the post
	posted := false
	ok, err = l.Vouch("c2", func() error { return errors.New("disk full") }, func() (string, error) {
		posted = true
		return "v2", nil
	})
	assert.Error(t, err)
	assert.False(t, ok)
	assert.False(t, posted)
	assert.False(t, l.Vouched("c2"))
}

func TestSnapshotRestore(t *testing.T) {
	l, c := newLedger()
	for i := 0; i < 3; i++ {
		c.Advance(time.Minute)
		id := fmt.Sprintf("pi-%d", i)
		require.True(t, l.RecordIntent(IntentRequest{ID: id, Amount: decimal.NewFromInt(int64(i + 1)), MessageID: "m" + id}))
		require.NoError(t, l.RecordBroadcast(id, "tx"+id))
	}
	require.NoError(t, l.RecordConfirmed("pi-0"))
	_, err := l.Vouch("c1", nil, func() (string, error) { return "v", nil })
	require.NoError(t, err)

	snap := l.Snapshot()
	restored, _ := newLedger()
	restored.Restore(snap)

	assert.Equal(t, snap, restored.Snapshot())
	assert.True(t, restored.Vouched("c1"))
	assert.True(t, restored.MessageActed("mpi-2"))
	assert.False(t, restored.CanSend("pi-1").CanSend)
}
