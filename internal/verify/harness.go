// Package verify drives the whole engine through literal end-to-end
// scenarios on the in-memory transport.
package verify

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/susu3304/wagerbot/internal/bot"
	"github.com/susu3304/wagerbot/internal/clock"
	"github.com/susu3304/wagerbot/internal/config"
	"github.com/susu3304/wagerbot/internal/session"
	"github.com/susu3304/wagerbot/internal/transport"
	"github.com/susu3304/wagerbot/internal/wallet"
)

const (
	selfID       = "bot"
	coordinator  = "mm1"
	diceBot      = "dicebot"
	publicID     = "general"
	vouchChannel = "vouches"
	payee        = "LQ3B36Yv2rBTxdgAdYpU2UcEZsaNwXeATk"
	payout       = "ltc1qg82tsuum5ze6jrfmhcp2pw3ux6zqu3ctjwqmyj"
)

// Config returns a copy of base with the fixed identities and timings the
// scenarios rely on.
func Config(base *config.Config, stateDir string) *config.Config {
	cfg := *base
	cfg.DiscordToken = ""
	cfg.EnableLiveTransfers = true
	cfg.PaymentNetwork = "ltc"
	cfg.SelfAddresses = []string{payout}
	cfg.PayoutAddress = payout
	cfg.TaxRate = decimal.RequireFromString("0.05")
	cfg.OfferMaxAmount = decimal.NewFromInt(100)
	cfg.MinPaymentUSD = decimal.NewFromInt(1)
	cfg.MaxPaymentPerTxUSD = decimal.NewFromInt(100)
	cfg.MaxDailyUSD = decimal.NewFromInt(500)
	cfg.OfferCooldownMS = 8000
	cfg.MinReplyDelayMS = 2000
	cfg.MaxReplyDelayMS = 3000
	// No outbound spacing, so transcript timestamps carry only reply delays.
	cfg.MinOutboundGapMS = 0
	cfg.MaxOutboundGapMS = 0
	cfg.WinsNeeded = 5
	cfg.BotWinsTies = false
	cfg.SessionNamePatterns = []string{"ticket"}
	cfg.ExcludedNamePatterns = []string{"vouch", "logs"}
	cfg.MonitoredChannelIDs = nil
	cfg.BlocklistedChannelIDs = nil
	cfg.CoordinatorIDs = []string{coordinator}
	cfg.TrustedSenderIDs = nil
	cfg.AddressSenderPolicy = config.PolicyCoordinator
	cfg.DiceBotIDs = []string{diceBot}
	cfg.VouchChannelID = vouchChannel
	cfg.StatePath = filepath.Join(stateDir, "state.json")
	cfg.DatabaseURL = ""
	cfg.ArchivePath = ""
	cfg.WebBind = ""
	cfg.VerificationMode = false
	return &cfg
}

type harness struct {
	cfg    *config.Config
	clock  *clock.Fake
	mem    *transport.Memory
	wallet *wallet.Memory
	bot    *bot.Bot
	seq    int
	dir    string
	// session channels survive restarts
	channels []transport.Channel
}

func newHarness(ctx context.Context, base *config.Config) (*harness, error) {
	dir, err := os.MkdirTemp("", "wagerbot-verify-")
	if err != nil {
		return nil, err
	}
	cfg := Config(base, dir)
	patterns, err := cfg.AddressPatternMap()
	if err != nil {
		return nil, err
	}
	h := &harness{
		cfg:    cfg,
		clock:  clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		wallet: wallet.NewMemory(wallet.NewAddresses(patterns), payout),
		dir:    dir,
	}
	if err := h.boot(ctx); err != nil {
		h.close(ctx)
		return nil, err
	}
	return h, nil
}

// boot starts a fresh bot on a fresh transport, as after a process restart.
func (h *harness) boot(ctx context.Context) error {
	h.mem = transport.NewMemory(selfID, h.clock)
	h.mem.AddChannel(transport.Channel{ID: publicID, Name: publicID})
	h.mem.AddChannel(transport.Channel{ID: vouchChannel, Name: vouchChannel})
	for _, ch := range h.channels {
		h.mem.AddChannel(ch)
	}
	b, err := bot.New(h.cfg, bot.Options{Transport: h.mem, Backend: h.wallet, Clock: h.clock})
	if err != nil {
		return err
	}
	if err := b.Start(ctx); err != nil {
		return err
	}
	h.bot = b
	return nil
}

func (h *harness) restart(ctx context.Context) error {
	if err := h.bot.Stop(ctx); err != nil {
		return err
	}
	return h.boot(ctx)
}

func (h *harness) close(ctx context.Context) {
	if h.bot != nil {
		_ = h.bot.Stop(ctx)
	}
	_ = os.RemoveAll(h.dir)
}

func (h *harness) msg(channelID, author, content string) transport.Message {
	h.seq++
	h.clock.Advance(time.Second)
	return transport.Message{
		ID:         fmt.Sprintf("v%d", h.seq),
		ChannelID:  channelID,
		AuthorID:   author,
		AuthorName: author,
		Content:    content,
	}
}

func (h *harness) say(channelID, author, content string) transport.Message {
	return h.mem.Deliver(h.msg(channelID, author, content))
}

// roll posts a dice result produced for the given user.
func (h *harness) roll(channelID, forUser string, v int) transport.Message {
	m := h.msg(channelID, diceBot, fmt.Sprintf("🎲 rolled %d", v))
	m.AuthorBot = true
	m.OnBehalfOf = forUser
	return h.mem.Deliver(m)
}

func (h *harness) session(channelID string) (*session.Session, error) {
	s, ok := h.bot.Store().Get(channelID)
	if !ok {
		return nil, fmt.Errorf("no session in %s", channelID)
	}
	return s, nil
}

func (h *harness) expectState(channelID string, want session.State) (*session.Session, error) {
	s, err := h.session(channelID)
	if err != nil {
		return nil, err
	}
	if s.State != want {
		return s, fmt.Errorf("%s: state %s, want %s", channelID, s.State, want)
	}
	return s, nil
}

// open advertises amount in the public channel and opens the participant's
// session channel.
func (h *harness) open(participant string, amount int) (string, error) {
	h.say(publicID, participant, fmt.Sprintf("anyone %dv%d?", amount, amount))
	channelID := h.create(participant)
	h.say(channelID, participant, "hi")
	if _, err := h.expectState(channelID, session.AwaitingCoordinator); err != nil {
		return "", err
	}
	return channelID, nil
}

func (h *harness) create(participant string) string {
	ch := transport.Channel{ID: "ticket-" + participant, Name: "ticket-" + participant}
	h.channels = append(h.channels, ch)
	h.mem.CreateChannel(ch)
	return ch.ID
}

// pay confirms terms and supplies the address.
func (h *harness) pay(channelID string, amount int) error {
	h.say(channelID, coordinator, fmt.Sprintf("%dv%d", amount, amount))
	if _, err := h.expectState(channelID, session.AwaitingAddress); err != nil {
		return err
	}
	h.say(channelID, coordinator, "send to "+payee)
	_, err := h.expectState(channelID, session.TransferSent)
	return err
}

func count(sent []transport.Sent, substr string) int {
	n := 0
	for _, s := range sent {
		if strings.Contains(s.Content, substr) {
			n++
		}
	}
	return n
}
