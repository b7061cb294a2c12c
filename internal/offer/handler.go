// Package offer answers wager advertisements in public channels.
package offer

import (
	"context"
	"math/rand"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/susu3304/wagerbot/internal/clock"
	"github.com/susu3304/wagerbot/internal/metrics"
	"github.com/susu3304/wagerbot/internal/money"
	"github.com/susu3304/wagerbot/internal/outbound"
	"github.com/susu3304/wagerbot/internal/session"
	"github.com/susu3304/wagerbot/internal/transport"
)

// Outbox is where replies are queued.
type Outbox interface {
	Send(ctx context.Context, msg outbound.Message) (string, error)
}

type Config struct {
	Pattern   *regexp.Regexp
	MaxAmount decimal.Decimal
	TaxRate   decimal.Decimal
	Cooldown  time.Duration
	MinDelay  time.Duration
	MaxDelay  time.Duration
	Templates []string
	// VerificationMode skips the reply delay.
	VerificationMode bool
}

type Handler struct {
	cfg    Config
	store  *session.Store
	out    Outbox
	clock  clock.Clock
	logger *log.Entry

	mu           sync.Mutex
	cooldown     map[string]time.Time
	processing   map[string]bool
	rng          *rand.Rand
	lastTemplate int
}

func New(cfg Config, store *session.Store, out Outbox, c clock.Clock, rng *rand.Rand) *Handler {
	if c == nil {
		c = clock.Real{}
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if len(cfg.Templates) == 0 {
		cfg.Templates = []string{"im down"}
	}
	return &Handler{
		cfg:          cfg,
		store:        store,
		out:          out,
		clock:        c,
		logger:       log.WithField("component", "offer"),
		cooldown:     make(map[string]time.Time),
		processing:   make(map[string]bool),
		rng:          rng,
		lastTemplate: -1,
	}
}

// Parse extracts the wager amount from content. Both sides of the
// "<amount> v <amount>" pattern must name the same amount.
func Parse(re *regexp.Regexp, content string) (decimal.Decimal, bool) {
	m := re.FindStringSubmatch(content)
	if len(m) < 3 {
		return decimal.Zero, false
	}
	a, err := money.Parse(m[1])
	if err != nil {
		return decimal.Zero, false
	}
	b, err := money.Parse(m[2])
	if err != nil || !a.Equal(b) || !a.IsPositive() {
		return decimal.Zero, false
	}
	return a, true
}

// Handle processes a public channel message. It returns true when the
// message advertised a wager, whether or not a reply was sent.
func (h *Handler) Handle(ctx context.Context, msg transport.Message) bool {
	if msg.Own {
		return false
	}
	amount, ok := Parse(h.cfg.Pattern, msg.Content)
	if !ok {
		return false
	}
	logger := h.logger.WithFields(log.Fields{
		"channel_id":     msg.ChannelID,
		"participant_id": msg.AuthorID,
		"message_id":     msg.ID,
	})
	if amount.GreaterThan(h.cfg.MaxAmount) {
		logger.WithField("amount", amount.String()).Debug("offer above max")
		metrics.Offer("over_max")
		return true
	}
	if !h.claim(msg.AuthorID) {
		logger.Debug("offer ignored: cooldown or in flight")
		metrics.Offer("cooldown")
		return true
	}
	defer h.release(msg.AuthorID)

	now := h.clock.Now()
	o := session.PendingOffer{
		ParticipantID:   msg.AuthorID,
		ParticipantName: msg.AuthorName,
		OfferAmount:     amount,
		OurAmount:       money.WithTax(amount, h.cfg.TaxRate),
		SourceChannelID: msg.ChannelID,
		OfferID:         OfferID(msg.AuthorID, msg.Timestamp),
		MessageID:       msg.ID,
		CreatedAt:       now,
	}
	h.store.PutOffer(o)
	logger.WithFields(log.Fields{"amount": amount.String(), "our_amount": o.OurAmount.String()}).Info("offer recorded")

	if !h.cfg.VerificationMode {
		if err := h.clock.Sleep(ctx, h.delay()); err != nil {
			return true
		}
	}
	if _, err := h.out.Send(ctx, outbound.Message{
		ChannelID: msg.ChannelID,
		Content:   h.reply(),
		ReplyTo:   msg.ID,
	}); err != nil {
		logger.WithError(err).Warn("offer reply failed")
		metrics.Offer("reply_failed")
		return true
	}
	metrics.Offer("replied")
	return true
}

// OfferID is a stable id for the offer a participant made at ts.
func OfferID(participantID string, ts time.Time) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(participantID+"|"+ts.UTC().Format(time.RFC3339Nano))).String()
}

// claim sets the cooldown and then the processing flag for participantID.
// It fails when either is already set.
func (h *Handler) claim(participantID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.clock.Now()
	if h.processing[participantID] {
		return false
	}
	if until, ok := h.cooldown[participantID]; ok && now.Before(until) {
		return false
	}
	h.cooldown[participantID] = now.Add(h.cfg.Cooldown)
	h.processing[participantID] = true
	return true
}

func (h *Handler) release(participantID string) {
	h.mu.Lock()
	delete(h.processing, participantID)
	h.mu.Unlock()
}

// Forget drops cooldowns that have expired.
func (h *Handler) Forget(now time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for id, until := range h.cooldown {
		if !now.Before(until) {
			delete(h.cooldown, id)
			n++
		}
	}
	return n
}

func (h *Handler) delay() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	span := h.cfg.MaxDelay - h.cfg.MinDelay
	if span <= 0 {
		return h.cfg.MinDelay
	}
	return h.cfg.MinDelay + time.Duration(h.rng.Int63n(int64(span)+1))
}

// reply picks a template different from the previous one and varies its casing.
func (h *Handler) reply() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.cfg.Templates)
	i := h.rng.Intn(n)
	if n > 1 && i == h.lastTemplate {
		i = (i + 1 + h.rng.Intn(n-1)) % n
	}
	h.lastTemplate = i
	return vary(h.cfg.Templates[i], h.rng.Intn(3))
}

func vary(s string, mode int) string {
	switch mode {
	case 1:
		return strings.ToLower(s)
	case 2:
		r := []rune(s)
		for i, c := range r {
			if unicode.IsLetter(c) {
				r[i] = unicode.ToUpper(c)
				break
			}
		}
		return string(r)
	default:
		return s
	}
}
