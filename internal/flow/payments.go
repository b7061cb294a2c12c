package flow

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/susu3304/wagerbot/internal/channel"
	"github.com/susu3304/wagerbot/internal/ledger"
	"github.com/susu3304/wagerbot/internal/metrics"
	"github.com/susu3304/wagerbot/internal/money"
	"github.com/susu3304/wagerbot/internal/session"
	"github.com/susu3304/wagerbot/internal/transport"
	"github.com/susu3304/wagerbot/internal/wallet"
)

const (
	sendTimeout    = 60 * time.Second
	maxFailureText = 120
)

// IntentID is the stable payment intent id of a session.
func IntentID(s *session.Session) string {
	key := s.OfferID
	if key == "" {
		key = s.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("intent|"+s.ChannelID+"|"+key)).String()
}

func bounded(err error) string {
	msg := err.Error()
	if len(msg) > maxFailureText {
		msg = msg[:maxFailureText] + "..."
	}
	return msg
}

func (h *Handler) put(s *session.Session) {
	if err := s.Validate(); err != nil {
		h.logger.WithError(err).WithField("channel_id", s.ChannelID).Error("session invariant violated")
	}
	h.deps.Store.Put(s)
}

// transfer runs the payment gates and, when they all pass, the backend send.
// It returns the session as it stands afterwards.
func (h *Handler) transfer(ctx context.Context, s *session.Session, msg transport.Message, class channel.Class, t Transfer) *session.Session {
	logger := h.logger.WithFields(log.Fields{
		"channel_id": s.ChannelID,
		"message_id": t.MessageID,
		"address":    t.Address,
		"amount":     t.Amount.String(),
	})
	if !class.AllowValueTransfer {
		logger.Warn("transfer refused: channel does not allow value transfers")
		metrics.Transfer("blocked")
		return s
	}
	if err := h.deps.Backend.ValidateAddress(ctx, t.Address, t.Network); err != nil {
		logger.WithError(err).Debug("address rejected")
		h.send(ctx, s.ChannelID, "that address doesn't look valid for "+t.Network, msg.ID)
		return s
	}

	// 3 and 4 also guard the dry run so it is recorded once.
	acted := h.deps.Ledger.MessageActed(t.MessageID)
	locked := s.PaymentTx != "" || s.PaymentLocked

	// 1. live switch
	if !h.cfg.LiveTransfers {
		if acted || locked {
			logger.Debug("dry run already recorded")
			return s
		}
		return h.dryRun(ctx, s, msg, t, logger)
	}
	// 2. trusted sender
	if !h.mayAddress(s, t.SenderID) {
		logger.WithField("sender_id", t.SenderID).Warn("transfer refused: untrusted sender")
		metrics.Transfer("blocked")
		return s
	}
	// 3. message already acted upon
	if acted {
		logger.Debug("transfer skipped: message already acted upon")
		return s
	}
	// 4. session already paid or paying
	if locked {
		logger.WithField("tx", s.PaymentTx).Debug("transfer skipped: session already paid or locked")
		return s
	}
	// 5. per-transfer bounds
	if t.Amount.LessThan(h.cfg.MinPayment) || t.Amount.GreaterThan(h.cfg.MaxPerTx) {
		logger.Warn("transfer refused: amount outside limits")
		metrics.Transfer("blocked")
		h.send(ctx, s.ChannelID, "can't send $"+money.Format(t.Amount)+": outside the per-transfer limits", msg.ID)
		return s
	}
	// 6. own address and daily limit
	if h.self[t.Address] {
		logger.Warn("transfer refused: recipient is one of our addresses")
		metrics.Transfer("blocked")
		h.send(ctx, s.ChannelID, "that's one of our own addresses, send the right one", msg.ID)
		return s
	}
	now := h.deps.Clock.Now()
	if h.deps.Ledger.DailyCommitted(now).Add(t.Amount).GreaterThan(h.cfg.MaxDaily) {
		logger.Error("transfer refused: daily limit reached")
		metrics.Transfer("blocked")
		h.send(ctx, s.ChannelID, "daily limit reached, can't send right now", msg.ID)
		return s
	}
	return h.commit(ctx, s, msg, t, logger)
}

func (h *Handler) mayAddress(s *session.Session, sender string) bool {
	return h.env().mayAddress(s, sender)
}

func (h *Handler) dryRun(ctx context.Context, s *session.Session, msg transport.Message, t Transfer, logger *log.Entry) *session.Session {
	id := IntentID(s)
	req := ledger.IntentRequest{ID: id, Address: t.Address, Network: t.Network, Amount: t.Amount, ChannelID: s.ChannelID, MessageID: t.MessageID, DryRun: true}
	if !h.deps.Ledger.RecordIntent(req) {
		if err := h.deps.Ledger.RetryIntent(req); err != nil {
			logger.WithError(err).Debug("dry run intent exists")
			return s
		}
	}
	tx := wallet.DryRunTx()
	if err := h.deps.Ledger.RecordBroadcast(id, tx); err != nil {
		logger.WithError(err).Error("record dry run")
		return s
	}
	s.PaymentIntentID = id
	s.PaymentTx = tx
	if err := s.Transition(session.TransferSent, "dry run", h.deps.Clock.Now()); err != nil {
		logger.WithError(err).Error("state-machine violation")
		return s
	}
	h.put(s)
	h.flush(ctx)
	metrics.Transfer("dry_run")
	logger.WithField("tx", tx).Info("dry run transfer recorded")
	h.send(ctx, s.ChannelID, "live transfers are off: would send $"+money.Format(t.Amount)+" to "+t.Address+" ("+tx+")", msg.ID)
	return s
}

func (h *Handler) commit(ctx context.Context, s *session.Session, msg transport.Message, t Transfer, logger *log.Entry) *session.Session {
	id := IntentID(s)
	logger = logger.WithField("intent_id", id)
	req := ledger.IntentRequest{ID: id, Address: t.Address, Network: t.Network, Amount: t.Amount, ChannelID: s.ChannelID, MessageID: t.MessageID}

	dec := h.deps.Ledger.CanSend(id)
	if !dec.CanSend {
		s.PaymentIntentID = id
		if dec.State == ledger.IntentPending {
			s.PaymentLocked = true
			h.put(s)
			logger.Error("payment intent still pending from an earlier attempt, not resending")
			return s
		}
		return h.adopt(ctx, s, dec.ExistingTx, logger)
	}
	if dec.State == ledger.IntentFailed {
		if err := h.deps.Ledger.RetryIntent(req); err != nil {
			logger.WithError(err).Error("retry intent")
			return s
		}
	} else if !h.deps.Ledger.RecordIntent(req) {
		logger.Debug("intent recorded concurrently")
		return s
	}

	s.PaymentIntentID = id
	s.PaymentLocked = true
	h.put(s)
	h.flush(ctx)

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	tx, err := h.deps.Backend.Send(sendCtx, t.Address, t.Amount, t.Network, s.ChannelID)
	cancel()
	if err != nil {
		if rerr := h.deps.Ledger.RecordFailed(id, bounded(err)); rerr != nil {
			logger.WithError(rerr).Error("record failed intent")
		}
		s.PaymentLocked = false
		h.put(s)
		h.flush(ctx)
		metrics.Transfer("failed")
		logger.WithError(err).Warn("transfer failed")
		h.send(ctx, s.ChannelID, "transfer failed ("+bounded(err)+"), send the address again to retry", msg.ID)
		return s
	}
	if err := h.deps.Ledger.RecordBroadcast(id, tx); err != nil {
		logger.WithError(err).Error("record broadcast")
	}
	s.PaymentTx = tx
	s.PaymentLocked = false
	if err := s.Transition(session.TransferSent, "transfer broadcast", h.deps.Clock.Now()); err != nil {
		logger.WithError(err).Error("state-machine violation")
	}
	h.put(s)
	h.flush(ctx)
	metrics.Transfer("sent")
	logger.WithField("tx", tx).Info("transfer sent")

	native := "?"
	if n, err := h.deps.Backend.ConvertUSDToNative(ctx, t.Amount, t.Network); err == nil {
		native = n.String()
	}
	h.send(ctx, s.ChannelID, render(h.cfg.Templates.PaymentSent, map[string]string{
		"our_amount": money.Format(t.Amount),
		"amount":     money.Format(s.OfferAmount),
		"native":     native,
		"network":    strings.ToUpper(t.Network),
		"tx":         tx,
		"address":    t.Address,
	}), "")
	return s
}

// adopt records a transfer the ledger already knows about.
func (h *Handler) adopt(ctx context.Context, s *session.Session, tx string, logger *log.Entry) *session.Session {
	s.PaymentTx = tx
	s.PaymentLocked = false
	if s.State == session.AwaitingAddress {
		if err := s.Transition(session.TransferSent, "transfer already broadcast", h.deps.Clock.Now()); err != nil {
			logger.WithError(err).Error("state-machine violation")
		}
	}
	h.put(s)
	h.flush(ctx)
	logger.WithField("tx", tx).Warn("transfer already sent, session repaired")
	return s
}

// Reconcile repairs sessions left locked by a crash during a transfer. A
// broadcast intent is adopted, a failed one unlocks the session, and a
// pending one stays locked and is reported.
func (h *Handler) Reconcile(ctx context.Context) {
	for _, cur := range h.deps.Store.All() {
		if !cur.PaymentLocked || cur.PaymentIntentID == "" {
			continue
		}
		unlock := h.deps.Store.Lock(cur.ChannelID)
		s, ok := h.deps.Store.Get(cur.ChannelID)
		if !ok || !s.PaymentLocked {
			unlock()
			continue
		}
		logger := h.logger.WithFields(log.Fields{"channel_id": s.ChannelID, "intent_id": s.PaymentIntentID})
		in, ok := h.deps.Ledger.Intent(s.PaymentIntentID)
		switch {
		case !ok || in.State == ledger.IntentFailed:
			s.PaymentLocked = false
			h.put(s)
			logger.Warn("unlocked session with no live intent")
		case in.State == ledger.IntentPending:
			logger.Error("payment intent left pending by a crash, check the backend before unlocking")
		default:
			h.adopt(ctx, s, in.Tx, logger)
		}
		unlock()
	}
	h.flush(ctx)
}
