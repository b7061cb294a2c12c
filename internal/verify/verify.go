package verify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/susu3304/wagerbot/internal/config"
	"github.com/susu3304/wagerbot/internal/session"
	"github.com/susu3304/wagerbot/internal/transport"
)

// Scenario is one end-to-end check run against a fresh engine.
type Scenario struct {
	Name string
	Run  func(ctx context.Context, h *harness) error
}

// Result is the outcome of one scenario.
type Result struct {
	Name     string
	Err      error
	Duration time.Duration
}

func (r Result) Passed() bool { return r.Err == nil }

// Scenarios lists every check in the order Run executes them.
func Scenarios() []Scenario {
	return []Scenario{
		{Name: "single snipe", Run: singleSnipe},
		{Name: "parallel sessions", Run: parallelSessions},
		{Name: "crash recovery", Run: crashRecovery},
		{Name: "terms mismatch", Run: termsMismatch},
		{Name: "double-send protection", Run: doubleSend},
		{Name: "vouch dedupe", Run: vouchDedupe},
	}
}

// Run executes every scenario on its own in-memory engine built from base.
func Run(ctx context.Context, base *config.Config) []Result {
	var results []Result
	for _, sc := range Scenarios() {
		logger := log.WithField("scenario", sc.Name)
		start := time.Now()
		err := runOne(ctx, base, sc)
		r := Result{Name: sc.Name, Err: err, Duration: time.Since(start)}
		if err != nil {
			logger.WithError(err).Error("scenario failed")
		} else {
			logger.WithField("duration", r.Duration.String()).Info("scenario passed")
		}
		results = append(results, r)
	}
	return results
}

func runOne(ctx context.Context, base *config.Config, sc Scenario) (err error) {
	h, err := newHarness(ctx, base)
	if err != nil {
		return fmt.Errorf("setup: %w", err)
	}
	defer h.close(ctx)
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return sc.Run(ctx, h)
}

func singleSnipe(ctx context.Context, h *harness) error {
	first := h.say(publicID, "alice", "anyone 10v10?")
	replies := h.mem.SentTo(publicID)
	if len(replies) != 1 {
		return fmt.Errorf("want 1 reply, got %d", len(replies))
	}
	if replies[0].ReplyTo != first.ID {
		return fmt.Errorf("reply targets %q, want %q", replies[0].ReplyTo, first.ID)
	}
	if d := replies[0].At.Sub(first.Timestamp); d < 2*time.Second {
		return fmt.Errorf("reply after %s, want at least 2s", d)
	}

	offers := h.bot.Store().Offers()
	if len(offers) != 1 {
		return fmt.Errorf("want 1 pending offer, got %d", len(offers))
	}
	o := offers[0]
	if o.ParticipantID != "alice" || !o.OfferAmount.Equal(decimal.NewFromInt(10)) || !o.OurAmount.Equal(decimal.RequireFromString("10.50")) {
		return fmt.Errorf("unexpected offer %s %s/%s", o.ParticipantID, o.OfferAmount, o.OurAmount)
	}

	second := h.say(publicID, "alice", "anyone 10v10?")
	if d := second.Timestamp.Sub(first.Timestamp); d >= 8*time.Second {
		return fmt.Errorf("second offer came %s later, outside the cooldown", d)
	}
	if n := len(h.mem.SentTo(publicID)); n != 1 {
		return fmt.Errorf("second offer answered: %d replies", n)
	}
	return nil
}

func parallelSessions(ctx context.Context, h *harness) error {
	amounts := map[string]int64{"alice": 10, "bobby": 20, "carol": 30}
	names := []string{"alice", "bobby", "carol"}
	offerMsg := make(map[string]string)
	for _, name := range names {
		m := h.say(publicID, name, fmt.Sprintf("%dv%d anyone", amounts[name], amounts[name]))
		offerMsg[name] = m.ID
	}
	for _, r := range h.mem.SentTo(publicID) {
		found := false
		for _, id := range offerMsg {
			found = found || r.ReplyTo == id
		}
		if !found {
			return fmt.Errorf("public reply %q answers no offer", r.Content)
		}
	}

	msgs := make([]transport.Message, 0, len(names))
	for _, name := range names {
		channelID := h.create(name)
		msgs = append(msgs, h.msg(channelID, name, "here, "+name+" ready"))
	}
	var wg sync.WaitGroup
	for _, m := range msgs {
		wg.Add(1)
		go func(m transport.Message) {
			defer wg.Done()
			h.mem.Deliver(m)
		}(m)
	}
	wg.Wait()

	for _, name := range names {
		channelID := "ticket-" + name
		s, err := h.expectState(channelID, session.AwaitingCoordinator)
		if err != nil {
			return err
		}
		if s.ParticipantID != name || !s.OfferAmount.Equal(decimal.NewFromInt(amounts[name])) {
			return fmt.Errorf("%s linked to %s for %s", channelID, s.ParticipantID, s.OfferAmount)
		}
		for _, sent := range h.mem.SentTo(channelID) {
			for _, other := range names {
				if other != name && strings.Contains(sent.Content, other) {
					return fmt.Errorf("%s transcript mentions %s: %q", channelID, other, sent.Content)
				}
			}
		}
	}
	if n := len(h.bot.Store().Offers()); n != 0 {
		return fmt.Errorf("%d offers left unlinked", n)
	}
	return nil
}

// playRound posts the participant's roll and then ours.
func (h *harness) playRound(channelID, participant string, them, us int) {
	h.roll(channelID, participant, them)
	h.roll(channelID, selfID, us)
}

func crashRecovery(ctx context.Context, h *harness) error {
	channelID, err := h.open("alice", 10)
	if err != nil {
		return err
	}
	if err := h.pay(channelID, 10); err != nil {
		return err
	}
	h.say(channelID, coordinator, "payment received, start")
	if _, err := h.expectState(channelID, session.GameInProgress); err != nil {
		return err
	}
	h.playRound(channelID, "alice", 3, 5)
	h.playRound(channelID, "alice", 2, 6)
	h.playRound(channelID, "alice", 6, 1)

	before, err := h.session(channelID)
	if err != nil {
		return err
	}
	if got := before.Turn.Scores; got.Us != 2 || got.Them != 1 {
		return fmt.Errorf("score before restart %d-%d, want 2-1", got.Us, got.Them)
	}
	if err := h.restart(ctx); err != nil {
		return fmt.Errorf("restart: %w", err)
	}

	after, err := h.expectState(channelID, session.GameInProgress)
	if err != nil {
		return err
	}
	if after.Turn.Scores != before.Turn.Scores || len(after.Turn.Rounds) != len(before.Turn.Rounds) {
		return fmt.Errorf("score after restart %d-%d, want 2-1", after.Turn.Scores.Us, after.Turn.Scores.Them)
	}
	h.playRound(channelID, "alice", 1, 4)
	s, err := h.expectState(channelID, session.GameInProgress)
	if err != nil {
		return err
	}
	if s.Turn.Scores.Us != 3 || s.Turn.Scores.Them != 1 {
		return fmt.Errorf("score after next round %d-%d, want 3-1", s.Turn.Scores.Us, s.Turn.Scores.Them)
	}
	if count(h.mem.SentTo(channelID), "3-1") != 1 {
		return fmt.Errorf("scoreboard 3-1 not posted")
	}
	return nil
}

func termsMismatch(ctx context.Context, h *harness) error {
	channelID, err := h.open("bobby", 20)
	if err != nil {
		return err
	}
	before := len(h.mem.SentTo(channelID))
	h.say(channelID, coordinator, "Confirm 50v50")

	if _, err := h.expectState(channelID, session.AwaitingCoordinator); err != nil {
		return err
	}
	replies := h.mem.SentTo(channelID)[before:]
	if len(replies) != 1 {
		return fmt.Errorf("want 1 reply, got %d", len(replies))
	}
	if !strings.Contains(replies[0].Content, "20") || !strings.Contains(replies[0].Content, "50") {
		return fmt.Errorf("reply %q does not name both amounts", replies[0].Content)
	}
	return nil
}

func doubleSend(ctx context.Context, h *harness) error {
	channelID, err := h.open("carol", 10)
	if err != nil {
		return err
	}
	h.say(channelID, coordinator, "10v10")
	if _, err := h.expectState(channelID, session.AwaitingAddress); err != nil {
		return err
	}
	addr := h.say(channelID, coordinator, "send to "+payee)
	h.mem.Redeliver(addr)
	h.say(channelID, coordinator, "again: "+payee)

	// The in-memory dedupe is gone after a restart; the session and the
	// intent ledger still hold.
	if err := h.restart(ctx); err != nil {
		return fmt.Errorf("restart: %w", err)
	}
	h.mem.Redeliver(addr)

	if n := len(h.wallet.Transfers()); n != 1 {
		return fmt.Errorf("want 1 transfer, got %d", n)
	}
	s, err := h.expectState(channelID, session.TransferSent)
	if err != nil {
		return err
	}
	if s.PaymentTx != h.wallet.Transfers()[0].Tx {
		return fmt.Errorf("session tx %q does not match transfer", s.PaymentTx)
	}
	return nil
}

func vouchDedupe(ctx context.Context, h *harness) error {
	channelID, err := h.open("alice", 10)
	if err != nil {
		return err
	}
	if err := h.pay(channelID, 10); err != nil {
		return err
	}
	h.say(channelID, coordinator, "payment received, ft 1, bot first")
	if _, err := h.expectState(channelID, session.GameInProgress); err != nil {
		return err
	}
	if count(h.mem.SentTo(channelID), h.cfg.DiceCommandToken) != 1 {
		return fmt.Errorf("bot did not roll first")
	}
	h.roll(channelID, selfID, 6)
	h.roll(channelID, "alice", 2)
	s, err := h.expectState(channelID, session.Complete)
	if err != nil {
		return err
	}
	if s.Winner != session.WinnerUs {
		return fmt.Errorf("winner %s, want us", s.Winner)
	}

	for i := 0; i < 3; i++ {
		if _, err := h.bot.Vouch(ctx, channelID); err != nil {
			return fmt.Errorf("vouch: %w", err)
		}
	}
	posted := len(h.mem.SentTo(vouchChannel))
	if err := h.restart(ctx); err != nil {
		return fmt.Errorf("restart: %w", err)
	}
	if _, err := h.bot.Vouch(ctx, channelID); err != nil {
		return fmt.Errorf("vouch after restart: %w", err)
	}
	// The restarted transport starts with an empty outbox.
	posted += len(h.mem.SentTo(vouchChannel))
	if posted != 1 {
		return fmt.Errorf("want 1 vouch, got %d", posted)
	}
	return nil
}
