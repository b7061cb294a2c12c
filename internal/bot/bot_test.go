package bot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/susu3304/wagerbot/internal/clock"
	"github.com/susu3304/wagerbot/internal/config"
	"github.com/susu3304/wagerbot/internal/session"
	"github.com/susu3304/wagerbot/internal/transport"
	"github.com/susu3304/wagerbot/internal/wallet"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Defaults()
	require.NoError(t, err)
	cfg.StatePath = filepath.Join(t.TempDir(), "state.json")
	cfg.ArchivePath = ""
	cfg.WebBind = ""
	cfg.MinOutboundGapMS = 0
	cfg.MaxOutboundGapMS = 0
	cfg.VerificationMode = true
	return cfg
}

func newTestBot(t *testing.T, cfg *config.Config, c clock.Clock) (*Bot, *transport.Memory) {
	t.Helper()
	mem := transport.NewMemory("bot", c)
	mem.AddChannel(transport.Channel{ID: "general", Name: "general"})
	patterns, err := cfg.AddressPatternMap()
	require.NoError(t, err)
	b, err := New(cfg, Options{
		Transport: mem,
		Backend:   wallet.NewMemory(wallet.NewAddresses(patterns), ""),
		Clock:     c,
	})
	require.NoError(t, err)
	return b, mem
}

func TestNewRequiresTransport(t *testing.T) {
	_, err := New(testConfig(t), Options{})
	assert.Error(t, err)
}

func TestLifecycleKeepsStateAcrossRestart(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	c := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	b, mem := newTestBot(t, cfg, c)
	require.NoError(t, b.Start(ctx))
	mem.Deliver(transport.Message{ChannelID: "general", AuthorID: "u1", AuthorName: "alice", Content: "15v15 anyone"})

	require.Len(t, mem.SentTo("general"), 1)
	require.Len(t, b.Store().Offers(), 1)
	require.NoError(t, b.Stop(ctx))
	require.NoError(t, b.Stop(ctx), "second stop is a no-op")

	_, err := os.Stat(cfg.StatePath)
	require.NoError(t, err)

	restarted, _ := newTestBot(t, cfg, c)
	require.NoError(t, restarted.Start(ctx))
	defer restarted.Stop(ctx)

	offers := restarted.Store().Offers()
	require.Len(t, offers, 1)
	assert.Equal(t, "u1", offers[0].ParticipantID)
	assert.True(t, offers[0].OurAmount.Equal(decimal.RequireFromString("15.75")))
}

func TestStartCatchesUpOnMissedMessages(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.CoordinatorIDs = []string{"mm1"}
	c := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	ticket := transport.Channel{ID: "t1", Name: "ticket-alice"}

	b, mem := newTestBot(t, cfg, c)
	require.NoError(t, b.Start(ctx))
	mem.Deliver(transport.Message{ChannelID: "general", AuthorID: "u1", AuthorName: "alice", Content: "15v15 anyone"})
	mem.CreateChannel(ticket)
	s, ok := b.Store().Get("t1")
	require.True(t, ok)
	assert.Equal(t, session.AwaitingCoordinator, s.State)
	require.NoError(t, b.Stop(ctx))

	c.Advance(time.Minute)
	restarted, mem2 := newTestBot(t, cfg, c)
	mem2.AddChannel(ticket)
	// Posted while the bot was offline.
	mem2.Record(transport.Message{ChannelID: "t1", AuthorID: "mm1", AuthorName: "mm", Content: "15v15"})

	require.NoError(t, restarted.Start(ctx))
	defer restarted.Stop(ctx)

	s, ok = restarted.Store().Get("t1")
	require.True(t, ok)
	assert.Equal(t, session.AwaitingAddress, s.State)
	assert.Equal(t, "mm1", s.CoordinatorID)
	require.NotEmpty(t, mem2.SentTo("t1"))
	assert.Equal(t, "Confirm", mem2.SentTo("t1")[0].Content)
}

func TestNewBackendFollowsLiveSwitch(t *testing.T) {
	cfg := testConfig(t)
	cfg.PayoutAddress = "ltc1qg82tsuum5ze6jrfmhcp2pw3ux6zqu3ctjwqmyj"
	prices := &stubPrices{}

	cfg.EnableLiveTransfers = false
	dry, ok := NewBackend(cfg, wallet.NewAddresses(nil), prices).(*wallet.DryRun)
	require.True(t, ok)
	assert.Equal(t, cfg.PayoutAddress, dry.Payout)

	cfg.EnableLiveTransfers = true
	live, ok := NewBackend(cfg, wallet.NewAddresses(nil), prices).(*wallet.HTTPBackend)
	require.True(t, ok)
	assert.Equal(t, cfg.PayoutAddress, live.Payout)
}

func TestOpenArchiveWithoutStorage(t *testing.T) {
	cfg := testConfig(t)
	arch, closeFn, err := OpenArchive(context.Background(), cfg)
	require.NoError(t, err)
	assert.Nil(t, arch)
	closeFn()
}

func TestOpenArchiveBolt(t *testing.T) {
	cfg := testConfig(t)
	cfg.ArchivePath = filepath.Join(t.TempDir(), "nested", "archive.db")
	arch, closeFn, err := OpenArchive(context.Background(), cfg)
	require.NoError(t, err)
	defer closeFn()

	records, err := arch.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

type stubPrices struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *stubPrices) Prefetch(ctx context.Context, network string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.err
}

func (s *stubPrices) ConvertUSDToNative(ctx context.Context, amountUSD decimal.Decimal, network string) (decimal.Decimal, error) {
	return amountUSD, nil
}

func (s *stubPrices) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestPriceRefresherTicks(t *testing.T) {
	prices := &stubPrices{err: errors.New("feed down")}
	w := newPriceRefresher(prices, "ltc", 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.start(ctx)
	assert.Eventually(t, func() bool { return prices.count() >= 2 }, time.Second, 5*time.Millisecond)
	w.stop()
	w.stop()
}

func TestPriceRefresherNilSafe(t *testing.T) {
	var w *priceRefresher
	w.start(context.Background())
	w.stop()
}
