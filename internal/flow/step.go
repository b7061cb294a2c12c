package flow

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/susu3304/wagerbot/internal/money"
	"github.com/susu3304/wagerbot/internal/session"
	"github.com/susu3304/wagerbot/internal/transport"
	"github.com/susu3304/wagerbot/internal/wallet"
)

// Address sender policies.
const (
	PolicyCoordinator = "coordinator"
	PolicyTrusted     = "trusted"
)

// Templates are the configured closing and payment messages.
type Templates struct {
	Win         string
	Loss        string
	Payout      string
	PaymentSent string
	Vouch       string
}

// Env is everything Step may read besides the session and the message.
type Env struct {
	Now           time.Time
	SelfID        string
	Coordinators  map[string]bool
	Trusted       map[string]bool
	DiceBots      map[string]bool
	AddressPolicy string
	Network       string
	TaxRate       decimal.Decimal
	WinsNeeded    int
	BotWinsTies   bool
	DiceCommand   string
	ActionDelay   time.Duration
	Text          *Text
	Addrs         *wallet.Addresses
	Templates     Templates
	// Offer is the pending offer matched to a session that has no participant yet.
	Offer *session.PendingOffer
}

func (e *Env) isCoordinator(s *session.Session, id string) bool {
	return id != "" && (id == s.CoordinatorID || e.Coordinators[id])
}

// mayAddress reports whether id may supply the payment address.
func (e *Env) mayAddress(s *session.Session, id string) bool {
	if e.isCoordinator(s, id) {
		return true
	}
	return e.AddressPolicy == PolicyTrusted && e.Trusted[id]
}

// diceEmitter reports whether id is an authoritative dice result source.
func (e *Env) diceEmitter(m transport.Message) bool {
	if len(e.DiceBots) == 0 {
		return m.AuthorBot
	}
	return e.DiceBots[m.AuthorID]
}

// Outcome is the result of Step.
type Outcome struct {
	Session *session.Session
	Effects []Effect
	// Handled is false when the message meant nothing to the session.
	Handled bool
	// Err is set when a transition was refused; Session is then the input.
	Err error
}

// Link attaches o to s and moves it to AwaitingCoordinator. Without an
// offer the session is flagged for clarification.
func Link(s *session.Session, o *session.PendingOffer, now time.Time) error {
	reason := "linked to offer"
	if o != nil {
		s.ParticipantID = o.ParticipantID
		s.ParticipantName = o.ParticipantName
		s.OfferAmount = o.OfferAmount
		s.OurAmount = o.OurAmount
		s.SourceChannelID = o.SourceChannelID
		s.OfferID = o.OfferID
	} else {
		s.NeedsClarification = true
		reason = "opened without offer"
	}
	return s.Transition(session.AwaitingCoordinator, reason, now)
}

type stepper struct {
	s   *session.Session
	m   transport.Message
	env *Env
	out *Outcome
}

// Step decides how the session reacts to msg. It never performs I/O; the
// returned effects are executed by the Handler.
func Step(cur *session.Session, msg transport.Message, env *Env) Outcome {
	if cur.State.Terminal() {
		return Outcome{Session: cur}
	}
	if cur.HasSeen(msg.ID) || (msg.Replayed && cur.Predates(msg.Timestamp)) {
		return Outcome{Session: cur, Handled: true}
	}
	o := Outcome{Session: cur.Clone(), Handled: true}
	st := &stepper{s: o.Session, m: msg, env: env, out: &o}
	st.run()
	if o.Err != nil {
		return Outcome{Session: cur, Err: o.Err}
	}
	if o.Handled {
		o.Session.MarkSeen(msg.ID, msg.Timestamp)
		o.Session.Touch(env.Now)
	}
	return o
}

func (st *stepper) reply(content string) { st.out.Effects = append(st.out.Effects, Reply{Content: content}) }
func (st *stepper) say(content string)   { st.out.Effects = append(st.out.Effects, Say{Content: content}) }
func (st *stepper) emit(e Effect)        { st.out.Effects = append(st.out.Effects, e) }

func (st *stepper) move(to session.State, reason string) bool {
	if err := st.s.Transition(to, reason, st.env.Now); err != nil {
		st.out.Err = err
		return false
	}
	return true
}

func (st *stepper) coordinator() bool {
	return st.env.isCoordinator(st.s, st.m.AuthorID)
}

func (st *stepper) participant() bool {
	return st.m.AuthorID != "" && st.m.AuthorID == st.s.ParticipantID
}

func (st *stepper) run() {
	if st.m.Own && !st.s.State.InGame() {
		st.out.Handled = false
		return
	}
	if !st.m.Own && (st.coordinator() || st.participant()) {
		if st.env.Text.Reset(st.m.Content) {
			st.reset()
			return
		}
		if st.env.Text.Cancel(st.m.Content) {
			if st.move(session.Cancelled, "cancelled by "+st.m.AuthorID) {
				st.say("cancelled")
			}
			return
		}
	}
	switch st.s.State {
	case session.AwaitingParticipant:
		st.awaitingParticipant()
	case session.AwaitingCoordinator:
		st.awaitingCoordinator()
	case session.AwaitingAddress:
		st.awaitingAddress()
	case session.TransferSent:
		st.transferSent()
	case session.AwaitingGameStart:
		st.awaitingGameStart()
	case session.GameInProgress:
		st.gameInProgress()
	}
}

func (st *stepper) reset() {
	switch st.s.State {
	case session.AwaitingAddress:
		if st.s.PaymentLocked || st.s.PaymentTx != "" {
			st.reply("payment already in progress, can't reset")
			return
		}
		st.s.CoordinatorID = ""
		st.s.PaymentAddress = ""
		if st.move(session.AwaitingCoordinator, "reset by "+st.m.AuthorID) {
			st.say("reset, waiting for terms")
		}
	case session.AwaitingParticipant, session.AwaitingCoordinator:
		st.say("reset, waiting for terms")
	default:
		st.reply("can't reset after payment, cancel instead")
	}
}

func (st *stepper) awaitingParticipant() {
	coord := st.coordinator()
	if st.env.Offer == nil && !coord {
		st.out.Handled = false
		return
	}
	if err := Link(st.s, st.env.Offer, st.env.Now); err != nil {
		st.out.Err = err
		return
	}
	if coord {
		st.awaitingCoordinator()
	}
}

// terms checks an amount stated in the message against the session. When
// adopt is set and the session has no amount yet, the stated one is taken.
func (st *stepper) terms(adopt bool) bool {
	stated, ok := st.env.Text.Amount(st.m.Content)
	if !ok {
		return true
	}
	if st.s.OfferAmount.IsZero() {
		if adopt {
			st.s.OfferAmount = stated
			st.s.OurAmount = money.WithTax(stated, st.env.TaxRate)
			st.s.NeedsClarification = false
		}
		return true
	}
	if money.Agree(stated, st.s.OfferAmount) || money.Agree(stated, st.s.OurAmount) {
		return true
	}
	st.reply(fmt.Sprintf("terms mismatch: this ticket is $%s, you wrote $%s",
		money.Format(st.s.OfferAmount), money.Format(stated)))
	return false
}

func (st *stepper) awaitingCoordinator() {
	if !st.coordinator() {
		if st.s.ParticipantID == "" && !st.m.AuthorBot && st.m.AuthorID != "" {
			st.s.ParticipantID = st.m.AuthorID
			st.s.ParticipantName = st.m.AuthorName
		}
		return
	}
	if !st.terms(true) {
		return
	}
	st.s.CoordinatorID = st.m.AuthorID
	st.say("Confirm")
	if !st.move(session.AwaitingAddress, "coordinator confirmed terms") {
		return
	}
	if _, ok := st.env.Addrs.Extract(st.m.Content, st.env.Network); ok {
		st.awaitingAddress()
	}
}

func (st *stepper) awaitingAddress() {
	if !st.env.mayAddress(st.s, st.m.AuthorID) {
		return
	}
	addr, ok := st.env.Addrs.Extract(st.m.Content, st.env.Network)
	if !ok {
		return
	}
	st.s.PaymentAddress = addr
	st.s.PaymentNetwork = st.env.Network
	st.emit(Transfer{
		Address:   addr,
		Network:   st.env.Network,
		Amount:    st.s.OurAmount,
		MessageID: st.m.ID,
		SenderID:  st.m.AuthorID,
	})
}

func (st *stepper) transferSent() {
	if !st.coordinator() {
		return
	}
	start, wins := st.env.Text.Start(st.m.Content)
	if !start && !st.env.Text.Confirmation(st.m.Content) {
		return
	}
	if !st.terms(false) {
		return
	}
	if st.s.PaymentIntentID != "" {
		st.emit(ConfirmIntent{IntentID: st.s.PaymentIntentID})
	}
	st.say("Confirm")
	if !st.move(session.AwaitingGameStart, "payment confirmed") {
		return
	}
	if start {
		st.startGame(wins)
	}
}

func (st *stepper) awaitingGameStart() {
	if _, _, ok := st.dice(); ok {
		// The counterparty rolled before anyone called the start.
		st.startGame(0)
		st.gameInProgress()
		return
	}
	if !st.coordinator() {
		return
	}
	if start, wins := st.env.Text.Start(st.m.Content); start {
		st.startGame(wins)
	}
}

func (st *stepper) startGame(wins int) {
	n := st.env.WinsNeeded
	if wins > 0 {
		n = wins
	}
	first := st.coordinator() && BotFirst(st.m.Content, st.env.SelfID, st.m.Mentioned(st.env.SelfID))
	st.s.Turn = &session.TurnState{
		WinsNeeded:   n,
		BotWinsTies:  st.env.BotWinsTies,
		BotGoesFirst: first,
	}
	if !st.move(session.GameInProgress, fmt.Sprintf("game started, first to %d", n)) {
		return
	}
	if first {
		st.roll()
	}
}

// DiceRetryAfter is how long our dice command may go unanswered before the
// next turn prompt sends it again.
const DiceRetryAfter = 20 * time.Second

// roll queues our dice command unless we already rolled this round or asked
// recently.
func (st *stepper) roll() {
	t := st.s.Turn
	if t.LastUsRoll != nil {
		return
	}
	if t.DiceRequested && st.env.Now.Sub(t.DiceRequestedAt) < DiceRetryAfter {
		return
	}
	t.DiceRequested = true
	t.DiceRequestedAt = st.env.Now
	st.emit(Pause{D: st.env.ActionDelay})
	st.say(st.env.DiceCommand)
}

// dice returns the roll in the message and whose it is.
func (st *stepper) dice() (int, session.Winner, bool) {
	m := st.m
	if !m.Own && !st.env.diceEmitter(m) {
		return 0, session.WinnerNone, false
	}
	v, ok := st.env.Text.Roll(m.Content)
	if !ok {
		return 0, session.WinnerNone, false
	}
	switch {
	case m.Own, m.OnBehalfOf == st.env.SelfID && st.env.SelfID != "":
		return v, session.WinnerUs, true
	case m.OnBehalfOf == "" && m.Mentioned(st.env.SelfID):
		return v, session.WinnerUs, true
	default:
		return v, session.WinnerThem, true
	}
}

func (st *stepper) gameInProgress() {
	if v, who, ok := st.dice(); ok {
		st.record(v, who)
		return
	}
	if (st.coordinator() || st.participant()) && st.env.Text.TurnPrompt(st.m.Content) {
		st.roll()
	}
}

func (st *stepper) record(v int, who session.Winner) {
	t := st.s.Turn
	if who == session.WinnerUs {
		if t.LastUsRoll != nil {
			return
		}
		t.LastUsRoll = &v
	} else {
		if t.LastThemRoll != nil {
			return
		}
		t.LastThemRoll = &v
	}
	if t.LastUsRoll == nil {
		st.roll()
		return
	}
	if t.LastThemRoll == nil {
		return
	}

	us, them := *t.LastUsRoll, *t.LastThemRoll
	w := session.WinnerNone
	switch {
	case us > them:
		w = session.WinnerUs
	case them > us:
		w = session.WinnerThem
	case t.BotWinsTies:
		w = session.WinnerUs
	}
	t.Rounds = append(t.Rounds, session.Round{Us: us, Them: them, Winner: w})
	switch w {
	case session.WinnerUs:
		t.Scores.Us++
	case session.WinnerThem:
		t.Scores.Them++
	}
	t.LastUsRoll, t.LastThemRoll = nil, nil
	t.DiceRequested = false
	t.DiceRequestedAt = time.Time{}

	board := fmt.Sprintf("%d-%d", t.Scores.Us, t.Scores.Them)
	if w == session.WinnerNone {
		board = "tie, reroll. " + board
	}
	st.say(board)

	switch {
	case t.Scores.Us >= t.WinsNeeded:
		st.complete(session.WinnerUs)
	case t.Scores.Them >= t.WinsNeeded:
		st.complete(session.WinnerThem)
	case t.BotGoesFirst:
		st.roll()
	}
}

func (st *stepper) complete(w session.Winner) {
	if err := st.s.Complete(w, st.env.Now); err != nil {
		st.out.Err = err
		return
	}
	t := st.s.Turn
	vars := map[string]string{
		"us":          fmt.Sprint(t.Scores.Us),
		"them":        fmt.Sprint(t.Scores.Them),
		"amount":      money.Format(st.s.OfferAmount),
		"participant": st.s.ParticipantID,
		"coordinator": st.s.CoordinatorID,
	}
	st.emit(Pause{D: st.env.ActionDelay})
	if w == session.WinnerUs {
		st.say(render(st.env.Templates.Win, vars))
		st.emit(Payout{})
		st.emit(Vouch{})
	} else {
		st.say(render(st.env.Templates.Loss, vars))
	}
	st.s.Acknowledged = true
}
