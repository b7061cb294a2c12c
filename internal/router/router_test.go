package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/susu3304/wagerbot/internal/channel"
	"github.com/susu3304/wagerbot/internal/clock"
	"github.com/susu3304/wagerbot/internal/commands"
	"github.com/susu3304/wagerbot/internal/ledger"
	"github.com/susu3304/wagerbot/internal/outbound"
	"github.com/susu3304/wagerbot/internal/session"
	"github.com/susu3304/wagerbot/internal/transport"
)

type fakeSessions struct {
	mu      sync.Mutex
	calls   []transport.Message
	handled bool
	dice    map[string]bool
	panicOn string
	gate    chan struct{}
}

func (f *fakeSessions) Handle(ctx context.Context, msg transport.Message, class channel.Class) bool {
	if f.gate != nil {
		<-f.gate
	}
	if msg.ID == f.panicOn {
		panic("boom")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, msg)
	return f.handled
}

func (f *fakeSessions) IsDiceEmitter(msg transport.Message) bool { return f.dice[msg.AuthorID] }

func (f *fakeSessions) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeOffers struct {
	calls int
	claim bool
}

func (f *fakeOffers) Handle(ctx context.Context, msg transport.Message) bool {
	f.calls++
	return f.claim
}

type fakeLookup map[string]transport.Channel

func (f fakeLookup) ChannelInfo(ctx context.Context, id string) (transport.Channel, error) {
	ch, ok := f[id]
	if !ok {
		return transport.Channel{}, errors.New("unknown channel")
	}
	return ch, nil
}

type fakeOut struct{ msgs []outbound.Message }

func (f *fakeOut) Send(ctx context.Context, m outbound.Message) (string, error) {
	f.msgs = append(f.msgs, m)
	return "r1", nil
}

type fakeWallet struct{}

func (fakeWallet) Balance(ctx context.Context, network string) (decimal.Decimal, error) {
	return decimal.NewFromInt(42), nil
}

func (fakeWallet) PayoutAddress(ctx context.Context, network string) (string, error) {
	return "ltc1qpayout", nil
}

type fixture struct {
	r        *Router
	store    *session.Store
	sessions *fakeSessions
	offers   *fakeOffers
	out      *fakeOut
}

func newFixture() *fixture {
	store := session.NewStore(time.Minute, nil)
	f := &fixture{
		store:    store,
		sessions: &fakeSessions{handled: true, dice: map[string]bool{"dicebot": true}},
		offers:   &fakeOffers{},
		out:      &fakeOut{},
	}
	f.r = New(Deps{
		Ledger: ledger.New(clock.NewFake(time.Now()), 0),
		Store:  store,
		Policy: channel.NewPolicy([]string{"ticket", "order-"}, []string{"logs", "vouch"}, nil, []string{"blocked"}),
		Channels: fakeLookup{
			"pub":    {ID: "pub", Name: "general"},
			"t1":     {ID: "t1", Name: "ticket-0001"},
			"dm":     {ID: "dm", Direct: true},
			"vouchy": {ID: "vouchy", Name: "vouches"},
		},
		Offers:   f.offers,
		Sessions: f.sessions,
		Commands: commands.New(fakeWallet{}, store, "ltc", []string{"op"}),
		Out:      f.out,
	})
	return f
}

func (f *fixture) withSession(channelID string, state session.State) {
	s := session.New(channelID, time.Now())
	s.State = state
	f.store.Put(s)
}

func msg(id, channelID, author, content string) transport.Message {
	return transport.Message{ID: id, ChannelID: channelID, AuthorID: author, Content: content, Timestamp: time.Now()}
}

func TestDedupe(t *testing.T) {
	f := newFixture()
	m := msg("m1", "t1", "u1", "hi")
	f.r.Handle(context.Background(), m)
	f.r.Handle(context.Background(), m)
	f.r.Replay(context.Background(), m)
	assert.Equal(t, 1, f.sessions.count())
}

func TestHoldDefersLiveMessagesUntilReplayDone(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.r.Hold()
	f.r.Handle(ctx, msg("live1", "t1", "u1", "hi"))
	f.r.Handle(ctx, msg("live2", "t1", "u1", "there"))
	assert.Equal(t, 0, f.sessions.count(), "held while catching up")

	// live1 also shows up in the fetched history.
	f.r.Replay(ctx, msg("old", "t1", "u1", "missed"))
	f.r.Replay(ctx, msg("live1", "t1", "u1", "hi"))
	require.Equal(t, 2, f.sessions.count())

	assert.Equal(t, 2, f.r.Release(ctx))
	f.r.Handle(ctx, msg("live3", "t1", "u1", "after"))

	f.sessions.mu.Lock()
	defer f.sessions.mu.Unlock()
	var ids []string
	for _, m := range f.sessions.calls {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"old", "live1", "live2", "live3"}, ids)
	assert.True(t, f.sessions.calls[0].Replayed)
	assert.False(t, f.sessions.calls[2].Replayed)
}

func TestConcurrentDuplicateDispatchedOnce(t *testing.T) {
	f := newFixture()
	f.sessions.gate = make(chan struct{})
	m := msg("m1", "t1", "u1", "hi")

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.r.Handle(context.Background(), m)
		}()
	}
	close(f.sessions.gate)
	wg.Wait()
	assert.Equal(t, 1, f.sessions.count())
}

func TestRouting(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(*fixture)
		msg        transport.Message
		wantOffer  int
		wantSess   int
		claimOffer bool
	}{
		{
			name:      "public message goes to offers",
			msg:       msg("a", "pub", "u1", "10v10"),
			wantOffer: 1,
		},
		{
			name:       "claimed offer stops",
			msg:        msg("a", "pub", "u1", "10v10"),
			wantOffer:  1,
			claimOffer: true,
		},
		{
			name:     "session-like channel without session",
			msg:      msg("a", "t1", "u1", "hi"),
			wantSess: 1,
		},
		{
			name:     "existing session has priority over offers",
			setup:    func(f *fixture) { f.withSession("pub", session.AwaitingCoordinator) },
			msg:      msg("a", "pub", "u1", "10v10"),
			wantSess: 1,
		},
		{
			name: "excluded by name",
			msg:  msg("a", "vouchy", "u1", "10v10"),
		},
		{
			name: "excluded by blocklist",
			msg:  msg("a", "blocked", "u1", "10v10"),
		},
		{
			name: "own message outside game",
			setup: func(f *fixture) {
				f.withSession("t1", session.AwaitingAddress)
			},
			msg: func() transport.Message { m := msg("a", "t1", "bot", "Confirm"); m.Own = true; return m }(),
		},
		{
			name:     "own dice roll in game",
			setup:    func(f *fixture) { f.withSession("t1", session.GameInProgress) },
			msg:      func() transport.Message { m := msg("a", "t1", "bot", "!dice"); m.Own = true; return m }(),
			wantSess: 1,
		},
		{
			name:  "dice bot before the game",
			setup: func(f *fixture) { f.withSession("t1", session.TransferSent) },
			msg:   func() transport.Message { m := msg("a", "t1", "dicebot", "rolled 4"); m.AuthorBot = true; return m }(),
		},
		{
			name:     "dice bot awaiting start",
			setup:    func(f *fixture) { f.withSession("t1", session.AwaitingGameStart) },
			msg:      func() transport.Message { m := msg("a", "t1", "dicebot", "rolled 4"); m.AuthorBot = true; return m }(),
			wantSess: 1,
		},
		{
			name:  "other bot in game",
			setup: func(f *fixture) { f.withSession("t1", session.GameInProgress) },
			msg:   func() transport.Message { m := msg("a", "t1", "spam", "rolled 6"); m.AuthorBot = true; return m }(),
		},
		{
			name: "direct message without command",
			msg:  msg("a", "dm", "op", "hello"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.offers.claim = tt.claimOffer
			if tt.setup != nil {
				tt.setup(f)
			}
			f.r.Handle(context.Background(), tt.msg)
			assert.Equal(t, tt.wantOffer, f.offers.calls)
			assert.Equal(t, tt.wantSess, f.sessions.count())
		})
	}
}

func TestChannelLookupFillsName(t *testing.T) {
	f := newFixture()
	f.r.Handle(context.Background(), msg("a", "t1", "u1", "hi"))
	require.Equal(t, 1, f.sessions.count())
	assert.Equal(t, "ticket-0001", f.sessions.calls[0].ChannelName)

	f.r.Handle(context.Background(), msg("b", "unknown", "u1", "hi"))
	assert.Equal(t, 1, f.sessions.count())
}

func TestWalletQueryInDirect(t *testing.T) {
	f := newFixture()
	f.r.Handle(context.Background(), msg("a", "dm", "stranger", "!wallet"))
	assert.Empty(t, f.out.msgs)

	f.r.Handle(context.Background(), msg("b", "dm", "op", "!wallet"))
	require.Len(t, f.out.msgs, 1)
	assert.Equal(t, "b", f.out.msgs[0].ReplyTo)
	assert.Equal(t, "balance: 42 LTC\npayout: ltc1qpayout", f.out.msgs[0].Content)

	f.r.Handle(context.Background(), msg("c", "pub", "op", "!wallet"))
	assert.Len(t, f.out.msgs, 1, "wallet query only in direct channels")
}

func TestPanicRecovered(t *testing.T) {
	f := newFixture()
	f.sessions.panicOn = "boom"
	assert.NotPanics(t, func() {
		f.r.Handle(context.Background(), msg("boom", "t1", "u1", "hi"))
	})
	f.sessions.panicOn = ""
	f.r.Handle(context.Background(), msg("boom", "t1", "u1", "hi"))
	assert.Equal(t, 0, f.sessions.count(), "panicked message stays consumed")

	f.r.Handle(context.Background(), msg("next", "t1", "u1", "hi"))
	assert.Equal(t, 1, f.sessions.count())
}
