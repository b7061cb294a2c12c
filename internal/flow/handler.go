// Package flow runs the per-channel session workflow: linking, address
// exchange, payment, the dice game and completion.
package flow

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/susu3304/wagerbot/internal/channel"
	"github.com/susu3304/wagerbot/internal/clock"
	"github.com/susu3304/wagerbot/internal/ledger"
	"github.com/susu3304/wagerbot/internal/money"
	"github.com/susu3304/wagerbot/internal/outbound"
	"github.com/susu3304/wagerbot/internal/session"
	"github.com/susu3304/wagerbot/internal/transport"
	"github.com/susu3304/wagerbot/internal/wallet"
)

var ErrNoSession = errors.New("no session for channel")

// Outbox is where session messages are queued.
type Outbox interface {
	Send(ctx context.Context, msg outbound.Message) (string, error)
}

// Flusher writes the durable snapshot.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Archiver keeps finished sessions after they leave the store.
type Archiver interface {
	ArchiveSession(ctx context.Context, s *session.Session) error
}

type Config struct {
	Coordinators  []string
	Trusted       []string
	DiceBots      []string
	SelfAddresses []string
	AddressPolicy string
	Network       string
	TaxRate       decimal.Decimal
	WinsNeeded    int
	BotWinsTies   bool
	DiceCommand   string
	ActionDelay   time.Duration
	VouchDelay    time.Duration
	LiveTransfers bool
	MinPayment    decimal.Decimal
	MaxPerTx      decimal.Decimal
	MaxDaily      decimal.Decimal
	VouchChannel  string
	Templates     Templates
	// VerificationMode skips action and vouch delays.
	VerificationMode bool
}

type Deps struct {
	Store   *session.Store
	Ledger  *ledger.Ledger
	Out     Outbox
	Backend wallet.Backend
	Addrs   *wallet.Addresses
	Text    *Text
	Policy  *channel.Policy
	Clock   clock.Clock
	SelfID  func() string
	Persist Flusher
	Archive Archiver
}

type Handler struct {
	cfg     Config
	deps    Deps
	coord   map[string]bool
	trusted map[string]bool
	dice    map[string]bool
	self    map[string]bool
	logger  *log.Entry
}

func New(cfg Config, deps Deps) *Handler {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.SelfID == nil {
		deps.SelfID = func() string { return "" }
	}
	if cfg.AddressPolicy == "" {
		cfg.AddressPolicy = PolicyCoordinator
	}
	return &Handler{
		cfg:     cfg,
		deps:    deps,
		coord:   set(cfg.Coordinators),
		trusted: set(cfg.Trusted),
		dice:    set(cfg.DiceBots),
		self:    set(cfg.SelfAddresses),
		logger:  log.WithField("component", "session"),
	}
}

func set(ids []string) map[string]bool {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id != "" {
			m[id] = true
		}
	}
	return m
}

func (h *Handler) env() *Env {
	return &Env{
		Now:           h.deps.Clock.Now(),
		SelfID:        h.deps.SelfID(),
		Coordinators:  h.coord,
		Trusted:       h.trusted,
		DiceBots:      h.dice,
		AddressPolicy: h.cfg.AddressPolicy,
		Network:       h.cfg.Network,
		TaxRate:       h.cfg.TaxRate,
		WinsNeeded:    h.cfg.WinsNeeded,
		BotWinsTies:   h.cfg.BotWinsTies,
		DiceCommand:   h.cfg.DiceCommand,
		ActionDelay:   h.cfg.ActionDelay,
		Text:          h.deps.Text,
		Addrs:         h.deps.Addrs,
		Templates:     h.cfg.Templates,
	}
}

// IsDiceEmitter reports whether msg comes from a recognized game-result source.
func (h *Handler) IsDiceEmitter(msg transport.Message) bool {
	return h.env().diceEmitter(msg)
}

// Handle runs one message through the session of its channel, creating the
// session when the linking rule allows. It returns whether the message was
// meaningful to a session.
func (h *Handler) Handle(ctx context.Context, msg transport.Message, class channel.Class) bool {
	unlock := h.deps.Store.Lock(msg.ChannelID)
	defer unlock()

	logger := h.logger.WithFields(log.Fields{"channel_id": msg.ChannelID, "message_id": msg.ID})
	env := h.env()
	cur, exists := h.deps.Store.Get(msg.ChannelID)
	if !exists {
		if msg.Own || msg.AuthorBot {
			return false
		}
		cur = session.New(msg.ChannelID, env.Now)
		cur.ChannelName = msg.ChannelName
	}
	if cur.State == session.AwaitingParticipant {
		if o, ok := h.deps.Store.FindOffer(msg.AuthorID, msg.ChannelName, env.Now); ok {
			env.Offer = &o
		}
	}

	out := Step(cur, msg, env)
	if out.Err != nil {
		logger.WithError(out.Err).WithField("state", cur.State).Error("state-machine violation")
		return true
	}
	if !exists && out.Session.State == session.AwaitingParticipant {
		return out.Handled
	}
	if !out.Handled {
		return false
	}
	if err := out.Session.Validate(); err != nil {
		logger.WithError(err).Error("session invariant violated, change dropped")
		return true
	}
	if !exists {
		if err := h.deps.Store.Create(out.Session); err != nil {
			logger.WithError(err).Error("create session")
			return true
		}
		logger.WithField("participant_id", out.Session.ParticipantID).Info("session created")
	} else {
		h.deps.Store.Put(out.Session)
	}
	if env.Offer != nil && out.Session.OfferID == env.Offer.OfferID && out.Session.ParticipantID == env.Offer.ParticipantID {
		h.deps.Store.TakeOffer(env.Offer.ParticipantID)
	}
	if cur.State != out.Session.State {
		logger.WithFields(log.Fields{"from": cur.State, "to": out.Session.State}).Info("session transition")
		if out.Session.State.Terminal() {
			h.flush(ctx)
		}
	}

	h.run(ctx, out.Session, msg, class, out.Effects)
	return true
}

func (h *Handler) run(ctx context.Context, s *session.Session, msg transport.Message, class channel.Class, effects []Effect) {
	for _, e := range effects {
		switch e := e.(type) {
		case Reply:
			h.send(ctx, s.ChannelID, e.Content, msg.ID)
		case Say:
			h.send(ctx, s.ChannelID, e.Content, "")
		case Pause:
			h.pause(ctx, e.D)
		case Transfer:
			s = h.transfer(ctx, s, msg, class, e)
		case ConfirmIntent:
			if err := h.deps.Ledger.RecordConfirmed(e.IntentID); err != nil {
				h.logger.WithError(err).WithField("intent_id", e.IntentID).Debug("confirm intent")
			} else {
				h.flush(ctx)
			}
		case Payout:
			h.payout(ctx, s)
		case Vouch:
			h.pause(ctx, h.cfg.VouchDelay)
			if _, err := h.vouch(ctx, s); err != nil {
				h.logger.WithError(err).WithField("channel_id", s.ChannelID).Warn("vouch failed")
			}
		}
	}
}

func (h *Handler) send(ctx context.Context, channelID, content, replyTo string) {
	if content == "" {
		return
	}
	if _, err := h.deps.Out.Send(ctx, outbound.Message{ChannelID: channelID, Content: content, ReplyTo: replyTo}); err != nil {
		h.logger.WithError(err).WithField("channel_id", channelID).Warn("session message not sent")
	}
}

func (h *Handler) pause(ctx context.Context, d time.Duration) {
	if h.cfg.VerificationMode || d <= 0 {
		return
	}
	_ = h.deps.Clock.Sleep(ctx, d)
}

func (h *Handler) flush(ctx context.Context) {
	if h.deps.Persist == nil {
		return
	}
	if err := h.deps.Persist.Flush(ctx); err != nil {
		h.logger.WithError(err).Error("persist snapshot")
	}
}

func (h *Handler) payout(ctx context.Context, s *session.Session) {
	addr, err := h.deps.Backend.PayoutAddress(ctx, h.cfg.Network)
	if err != nil || addr == "" {
		h.logger.WithError(err).WithField("channel_id", s.ChannelID).Warn("no payout address")
		return
	}
	h.send(ctx, s.ChannelID, render(h.cfg.Templates.Payout, map[string]string{
		"address":    addr,
		"network":    h.cfg.Network,
		"our_amount": money.Format(s.OurAmount),
		"amount":     money.Format(s.OfferAmount),
	}), "")
}

// Vouch posts the acknowledgement for a won session at most once per
// channel. It reports whether a post was made by this call.
func (h *Handler) Vouch(ctx context.Context, channelID string) (bool, error) {
	s, ok := h.deps.Store.Get(channelID)
	if !ok {
		return false, ErrNoSession
	}
	return h.vouch(ctx, s)
}

func (h *Handler) vouch(ctx context.Context, s *session.Session) (bool, error) {
	if h.cfg.VouchChannel == "" || s.State != session.Complete || s.Winner != session.WinnerUs {
		return false, nil
	}
	content := render(h.cfg.Templates.Vouch, map[string]string{
		"amount":      money.Format(s.OfferAmount),
		"coordinator": s.CoordinatorID,
		"participant": s.ParticipantID,
	})
	posted, err := h.deps.Ledger.Vouch(s.ChannelID, func() error {
		if h.deps.Persist == nil {
			return nil
		}
		return h.deps.Persist.Flush(ctx)
	}, func() (string, error) {
		return h.deps.Out.Send(ctx, outbound.Message{ChannelID: h.cfg.VouchChannel, Content: content})
	})
	if err != nil {
		return false, err
	}
	if posted {
		h.logger.WithField("channel_id", s.ChannelID).Info("vouch posted")
		h.flush(ctx)
	} else {
		h.logger.WithField("channel_id", s.ChannelID).Debug("vouch already posted")
	}
	return posted, nil
}

// OnChannelCreated opens a session for a new session-like channel whose
// name matches a pending offer.
func (h *Handler) OnChannelCreated(ctx context.Context, ch transport.Channel) {
	if h.deps.Policy == nil || h.deps.Policy.Classify(ch).Kind != channel.Session {
		return
	}
	unlock := h.deps.Store.Lock(ch.ID)
	defer unlock()
	if h.deps.Store.Exists(ch.ID) {
		return
	}
	now := h.deps.Clock.Now()
	o, ok := h.deps.Store.FindOffer("", ch.Name, now)
	if !ok {
		return
	}
	s := session.New(ch.ID, now)
	s.ChannelName = ch.Name
	if err := Link(s, &o, now); err != nil {
		h.logger.WithError(err).Error("link session")
		return
	}
	if err := h.deps.Store.Create(s); err != nil {
		return
	}
	h.deps.Store.TakeOffer(o.ParticipantID)
	h.logger.WithFields(log.Fields{"channel_id": ch.ID, "participant_id": o.ParticipantID}).Info("session opened for new channel")
}

// OnChannelDeleted drops the channel's session and archives it.
func (h *Handler) OnChannelDeleted(ctx context.Context, channelID string) {
	unlock := h.deps.Store.Lock(channelID)
	s, ok := h.deps.Store.Remove(channelID)
	unlock()
	if !ok {
		return
	}
	if !s.State.Terminal() {
		s.Transition(session.Cancelled, "channel deleted", h.deps.Clock.Now())
	}
	if s.PaymentLocked {
		h.logger.WithFields(log.Fields{"channel_id": channelID, "intent_id": s.PaymentIntentID}).Error("channel deleted with a payment in flight")
	}
	if h.deps.Archive != nil {
		if err := h.deps.Archive.ArchiveSession(ctx, s); err != nil {
			h.logger.WithError(err).WithField("channel_id", channelID).Warn("archive session")
		}
	}
	h.logger.WithField("channel_id", channelID).Info("session removed: channel deleted")
	h.flush(ctx)
}
