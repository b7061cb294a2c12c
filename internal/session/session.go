// Package session holds the per-channel session model, its state machine and
// the store that owns every live session.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Winner string

const (
	WinnerNone Winner = "none"
	WinnerUs   Winner = "us"
	WinnerThem Winner = "them"
)

type Transition struct {
	From   State     `json:"from_state"`
	To     State     `json:"to_state"`
	Reason string    `json:"reason"`
	At     time.Time `json:"ts"`
}

type Scores struct {
	Us   int `json:"us"`
	Them int `json:"them"`
}

type Round struct {
	Us     int    `json:"us"`
	Them   int    `json:"them"`
	Winner Winner `json:"winner"`
}

// TurnState is the dice game sub-record.
type TurnState struct {
	WinsNeeded   int     `json:"wins_needed"`
	BotWinsTies  bool    `json:"bot_wins_ties"`
	Scores       Scores  `json:"scores"`
	Rounds       []Round `json:"rounds"`
	LastUsRoll   *int    `json:"last_us_roll,omitempty"`
	LastThemRoll *int    `json:"last_them_roll,omitempty"`
	BotGoesFirst bool    `json:"bot_goes_first"`
	// DiceRequested is set once the dice command was queued for the current round.
	DiceRequested   bool      `json:"dice_requested,omitempty"`
	DiceRequestedAt time.Time `json:"dice_requested_at,omitempty"`
}

func (t *TurnState) clone() *TurnState {
	if t == nil {
		return nil
	}
	c := *t
	c.Rounds = append([]Round(nil), t.Rounds...)
	if t.LastUsRoll != nil {
		v := *t.LastUsRoll
		c.LastUsRoll = &v
	}
	if t.LastThemRoll != nil {
		v := *t.LastThemRoll
		c.LastThemRoll = &v
	}
	return &c
}

type Session struct {
	ChannelID          string          `json:"channel_id"`
	ChannelName        string          `json:"channel_name,omitempty"`
	State              State           `json:"state"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	ParticipantID      string          `json:"participant_id,omitempty"`
	ParticipantName    string          `json:"participant_name,omitempty"`
	CoordinatorID      string          `json:"coordinator_id,omitempty"`
	OfferAmount        decimal.Decimal `json:"offer_amount"`
	OurAmount          decimal.Decimal `json:"our_amount"`
	SourceChannelID    string          `json:"source_channel_id,omitempty"`
	OfferID            string          `json:"offer_id,omitempty"`
	NeedsClarification bool            `json:"needs_clarification,omitempty"`
	PaymentAddress     string          `json:"payment_address,omitempty"`
	PaymentNetwork     string          `json:"payment_network,omitempty"`
	PaymentIntentID    string          `json:"payment_intent_id,omitempty"`
	PaymentLocked      bool            `json:"payment_locked"`
	PaymentTx          string          `json:"payment_tx,omitempty"`
	Turn               *TurnState      `json:"turn_state,omitempty"`
	Winner             Winner          `json:"winner"`
	Acknowledged       bool            `json:"acknowledged"`
	History            []Transition    `json:"history"`
	// LastEventAt and Seen let replayed history be recognized after a restart.
	LastEventAt time.Time `json:"last_event_at,omitempty"`
	Seen        []string  `json:"seen_message_ids,omitempty"`
}

// MaxSeen bounds the per-session list of handled message ids.
const MaxSeen = 64

// New returns a session in AwaitingParticipant.
func New(channelID string, now time.Time) *Session {
	return &Session{
		ChannelID: channelID,
		State:     AwaitingParticipant,
		CreatedAt: now,
		UpdatedAt: now,
		Winner:    WinnerNone,
	}
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Turn = s.Turn.clone()
	c.History = append([]Transition(nil), s.History...)
	c.Seen = append([]string(nil), s.Seen...)
	return &c
}

// Transition moves the session to a new state and appends to its history.
// An illegal transition leaves the session untouched.
func (s *Session) Transition(to State, reason string, now time.Time) error {
	if !CanTransition(s.State, to) {
		return illegal(s.State, to)
	}
	s.History = append(s.History, Transition{From: s.State, To: to, Reason: reason, At: now})
	s.State = to
	s.UpdatedAt = now
	return nil
}

// Touch records activity without a state change.
func (s *Session) Touch(now time.Time) {
	if now.After(s.UpdatedAt) {
		s.UpdatedAt = now
	}
}

// HasSeen reports whether this session already handled messageID.
func (s *Session) HasSeen(messageID string) bool {
	for _, id := range s.Seen {
		if id == messageID {
			return true
		}
	}
	return false
}

// Predates reports whether ts is older than the last message the session
// handled. Only replayed history is cut this way; live events may arrive
// out of order.
func (s *Session) Predates(ts time.Time) bool {
	return !ts.IsZero() && ts.Before(s.LastEventAt)
}

// MarkSeen records a handled message.
func (s *Session) MarkSeen(messageID string, ts time.Time) {
	if messageID == "" {
		return
	}
	s.Seen = append(s.Seen, messageID)
	if len(s.Seen) > MaxSeen {
		s.Seen = append([]string(nil), s.Seen[len(s.Seen)-MaxSeen:]...)
	}
	if ts.After(s.LastEventAt) {
		s.LastEventAt = ts
	}
}

// Complete moves to Complete with the given winner.
func (s *Session) Complete(w Winner, now time.Time) error {
	if w == WinnerNone {
		return fmt.Errorf("complete without winner")
	}
	if err := s.Transition(Complete, "winner "+string(w), now); err != nil {
		return err
	}
	s.Winner = w
	return nil
}

// Validate checks the invariants required by the current state.
func (s *Session) Validate() error {
	var errs []error
	if !s.State.Valid() {
		errs = append(errs, fmt.Errorf("unknown state %q", s.State))
	}
	switch s.State {
	case AwaitingCoordinator:
		if s.ParticipantID == "" && !s.NeedsClarification {
			errs = append(errs, errors.New("participant_id required"))
		}
	case AwaitingAddress:
		if s.CoordinatorID == "" {
			errs = append(errs, errors.New("coordinator_id required"))
		}
	case TransferSent:
		if s.PaymentTx == "" && !(s.PaymentLocked && s.PaymentIntentID != "") {
			errs = append(errs, errors.New("payment_tx required"))
		}
	case GameInProgress:
		if s.Turn == nil {
			errs = append(errs, errors.New("turn_state required"))
		}
	case Complete:
		if s.Winner == WinnerNone || s.Winner == "" {
			errs = append(errs, errors.New("winner required"))
		}
	}
	if err := ValidateHistory(s.History); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ValidateHistory checks that h is a connected path of allowed transitions.
func ValidateHistory(h []Transition) error {
	for i, t := range h {
		if !CanTransition(t.From, t.To) {
			return fmt.Errorf("history[%d]: %w", i, illegal(t.From, t.To))
		}
		if i > 0 && h[i-1].To != t.From {
			return fmt.Errorf("history[%d]: starts at %s, previous ended at %s", i, t.From, h[i-1].To)
		}
	}
	return nil
}
