package outbound

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/susu3304/wagerbot/internal/clock"
	"github.com/susu3304/wagerbot/internal/transport"
)

func startQueue(t *testing.T, sender Sender, opts Options) *Queue {
	t.Helper()
	q := New(sender, opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return q
}

func TestQueuePreservesOrderAndGap(t *testing.T) {
	mem := transport.NewMemory("self", nil)
	gap := 30 * time.Millisecond
	q := startQueue(t, mem, Options{MinGap: gap, MaxGap: gap + 10*time.Millisecond})

	var results []<-chan Result
	for _, c := range []string{"one", "two", "three", "four"} {
		results = append(results, q.Enqueue(Message{ChannelID: "c1", Content: c}))
	}
	for _, r := range results {
		res := <-r
		require.NoError(t, res.Err)
	}

	sent := mem.Sent()
	require.Len(t, sent, 4)
	for i, want := range []string{"one", "two", "three", "four"} {
		assert.Equal(t, want, sent[i].Content)
	}
	for i := 1; i < len(sent); i++ {
		assert.GreaterOrEqual(t, sent[i].At.Sub(sent[i-1].At), gap, "gap between %d and %d", i-1, i)
	}
}

func TestQueuePacesOnItsClock(t *testing.T) {
	c := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	mem := transport.NewMemory("self", c)
	gap := time.Hour
	q := startQueue(t, mem, Options{MinGap: gap, NoJitter: true, Clock: c})

	started := time.Now()
	for _, content := range []string{"one", "two", "three"} {
		_, err := q.Send(context.Background(), Message{ChannelID: "c1", Content: content})
		require.NoError(t, err)
	}
	assert.Less(t, time.Since(started), 5*time.Second, "waits run on the fake clock")

	sent := mem.Sent()
	require.Len(t, sent, 3)
	for i := 1; i < len(sent); i++ {
		assert.GreaterOrEqual(t, sent[i].At.Sub(sent[i-1].At), gap)
	}
}

func TestQueueFailureRejectsOnlyThatItem(t *testing.T) {
	mem := transport.NewMemory("self", nil)
	q := startQueue(t, mem, Options{NoJitter: true})

	mem.FailNextSend("bad", errors.New("rate limited"))
	first := q.Enqueue(Message{ChannelID: "bad", Content: "x"})
	second := q.Enqueue(Message{ChannelID: "good", Content: "y", ReplyTo: "m1"})

	assert.Error(t, (<-first).Err)
	res := <-second
	require.NoError(t, res.Err)
	assert.NotEmpty(t, res.MessageID)

	sent := mem.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "m1", sent[0].ReplyTo)
}

func TestQueueDrain(t *testing.T) {
	mem := transport.NewMemory("self", nil)
	q := startQueue(t, mem, Options{MinGap: 5 * time.Millisecond, NoJitter: true})

	for i := 0; i < 5; i++ {
		q.Enqueue(Message{ChannelID: "c", Content: "m"})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, q.Drain(ctx))
	assert.Equal(t, 0, q.Len())
	assert.Len(t, mem.Sent(), 5)
}

func TestQueueClosedRejects(t *testing.T) {
	mem := transport.NewMemory("self", nil)
	q := New(mem, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	q.Run(ctx)

	res := <-q.Enqueue(Message{ChannelID: "c", Content: "late"})
	assert.ErrorIs(t, res.Err, ErrClosed)
}
