package flow

import (
	"time"

	"github.com/shopspring/decimal"
)

// Effect is an action decided by Step and carried out by the Handler.
type Effect interface {
	effect()
}

// Reply answers the triggering message.
type Reply struct{ Content string }

// Say posts to the session channel without a reply reference.
type Say struct{ Content string }

// Pause waits a human-like delay before the next effect.
type Pause struct{ D time.Duration }

// Transfer asks for the value transfer of Amount to Address.
type Transfer struct {
	Address   string
	Network   string
	Amount    decimal.Decimal
	MessageID string
	SenderID  string
}

// ConfirmIntent marks the session's payment intent confirmed.
type ConfirmIntent struct{ IntentID string }

// Payout posts the payout address block after a win.
type Payout struct{}

// Vouch posts the one-time acknowledgement to the vouch channel.
type Vouch struct{}

func (Reply) effect()         {}
func (Say) effect()           {}
func (Pause) effect()         {}
func (Transfer) effect()      {}
func (ConfirmIntent) effect() {}
func (Payout) effect()        {}
func (Vouch) effect()         {}
