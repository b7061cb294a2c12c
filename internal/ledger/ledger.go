// Package ledger records which inbound messages were processed, every value
// transfer intent and the per-channel vouch bits.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shopspring/decimal"

	"github.com/susu3304/wagerbot/internal/clock"
)

var (
	ErrIntentExists   = errors.New("payment intent already exists")
	ErrIntentNotFound = errors.New("payment intent not found")
	ErrIntentState    = errors.New("payment intent is not in the required state")
)

// DefaultProcessedCap bounds the processed message set.
const DefaultProcessedCap = 1000

type IntentState string

const (
	IntentPending   IntentState = "PENDING"
	IntentBroadcast IntentState = "BROADCAST"
	IntentConfirmed IntentState = "CONFIRMED"
	IntentFailed    IntentState = "FAILED"
)

type Intent struct {
	ID         string          `json:"id"`
	State      IntentState     `json:"state"`
	Address    string          `json:"address"`
	Network    string          `json:"network"`
	Amount     decimal.Decimal `json:"amount"`
	ChannelID  string          `json:"channel_id"`
	MessageIDs []string        `json:"message_ids,omitempty"`
	Tx         string          `json:"tx,omitempty"`
	DryRun     bool            `json:"dry_run,omitempty"`
	Failure    string          `json:"failure,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

func (i Intent) clone() Intent {
	i.MessageIDs = append([]string(nil), i.MessageIDs...)
	return i
}

// IntentRequest describes a transfer about to be attempted.
type IntentRequest struct {
	ID        string
	Address   string
	Network   string
	Amount    decimal.Decimal
	ChannelID string
	MessageID string
	DryRun    bool
}

type VouchRecord struct {
	ChannelID string    `json:"channel_id"`
	MessageID string    `json:"message_id,omitempty"`
	PostedAt  time.Time `json:"posted_at"`
}

// Decision is the answer of CanSend.
type Decision struct {
	CanSend    bool
	Reason     string
	State      IntentState
	ExistingTx string
}

// Snapshot is the durable part of the ledger.
type Snapshot struct {
	Intents    []Intent                   `json:"payment_intents"`
	DailySpend map[string]decimal.Decimal `json:"daily_spend"`
	Vouches    map[string]VouchRecord     `json:"vouches"`
}

type Ledger struct {
	clock     clock.Clock
	processed *lru.Cache[string, struct{}]

	mu       sync.Mutex
	intents  map[string]*Intent
	acted    map[string]string
	daily    map[string]decimal.Decimal
	vouches  map[string]VouchRecord
	vouchMus map[string]*sync.Mutex
}

func New(c clock.Clock, processedCap int) *Ledger {
	if c == nil {
		c = clock.Real{}
	}
	if processedCap <= 0 {
		processedCap = DefaultProcessedCap
	}
	cache, err := lru.New[string, struct{}](processedCap)
	if err != nil {
		// only returned for a non-positive size
		panic(err)
	}
	return &Ledger{
		clock:     c,
		processed: cache,
		intents:   make(map[string]*Intent),
		acted:     make(map[string]string),
		daily:     make(map[string]decimal.Decimal),
		vouches:   make(map[string]VouchRecord),
		vouchMus:  make(map[string]*sync.Mutex),
	}
}

// MarkProcessed inserts id into the processed set. It returns false when the
// id was already present. The oldest id is evicted past the cap.
func (l *Ledger) MarkProcessed(id string) bool {
	seen, _ := l.processed.ContainsOrAdd(id, struct{}{})
	return !seen
}

func (l *Ledger) Processed(id string) bool {
	return l.processed.Contains(id)
}

// DayKey is the daily spend bucket for t.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// RecordIntent stores a new PENDING intent. It returns false when the id already exists.
func (l *Ledger) RecordIntent(req IntentRequest) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.intents[req.ID]; ok {
		return false
	}
	now := l.clock.Now()
	in := &Intent{
		ID:        req.ID,
		State:     IntentPending,
		Address:   req.Address,
		Network:   req.Network,
		Amount:    req.Amount,
		ChannelID: req.ChannelID,
		DryRun:    req.DryRun,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.MessageID != "" {
		in.MessageIDs = []string{req.MessageID}
		l.acted[req.MessageID] = req.ID
	}
	l.intents[req.ID] = in
	return true
}

// RetryIntent moves a FAILED intent back to PENDING for a new attempt.
func (l *Ledger) RetryIntent(req IntentRequest) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	in, ok := l.intents[req.ID]
	if !ok {
		return ErrIntentNotFound
	}
	if in.State != IntentFailed {
		return fmt.Errorf("%w: retry from %s", ErrIntentState, in.State)
	}
	in.State = IntentPending
	in.Address = req.Address
	in.Network = req.Network
	in.Amount = req.Amount
	in.DryRun = req.DryRun
	in.Failure = ""
	in.UpdatedAt = l.clock.Now()
	if req.MessageID != "" {
		in.MessageIDs = append(in.MessageIDs, req.MessageID)
		l.acted[req.MessageID] = req.ID
	}
	return nil
}

func (l *Ledger) RecordBroadcast(id, tx string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	in, ok := l.intents[id]
	if !ok {
		return ErrIntentNotFound
	}
	if in.State != IntentPending {
		return fmt.Errorf("%w: broadcast from %s", ErrIntentState, in.State)
	}
	in.State = IntentBroadcast
	in.Tx = tx
	in.UpdatedAt = l.clock.Now()
	return nil
}

// RecordConfirmed marks a broadcast intent confirmed and books it into today's spend.
func (l *Ledger) RecordConfirmed(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	in, ok := l.intents[id]
	if !ok {
		return ErrIntentNotFound
	}
	if in.State != IntentBroadcast {
		return fmt.Errorf("%w: confirm from %s", ErrIntentState, in.State)
	}
	now := l.clock.Now()
	in.State = IntentConfirmed
	in.UpdatedAt = now
	if !in.DryRun {
		day := DayKey(now)
		l.daily[day] = l.daily[day].Add(in.Amount)
	}
	return nil
}

func (l *Ledger) RecordFailed(id, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	in, ok := l.intents[id]
	if !ok {
		return ErrIntentNotFound
	}
	in.State = IntentFailed
	in.Failure = reason
	in.UpdatedAt = l.clock.Now()
	return nil
}

func (l *Ledger) CanSend(id string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	in, ok := l.intents[id]
	if !ok {
		return Decision{CanSend: true, Reason: "new intent"}
	}
	switch in.State {
	case IntentFailed:
		return Decision{CanSend: true, Reason: "previous attempt failed", State: in.State}
	case IntentPending:
		return Decision{Reason: "previous attempt still pending", State: in.State}
	default:
		return Decision{Reason: "already sent", State: in.State, ExistingTx: in.Tx}
	}
}

// MessageActed reports whether an inbound message already triggered a transfer attempt.
func (l *Ledger) MessageActed(messageID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.acted[messageID]
	return ok
}

func (l *Ledger) Intent(id string) (Intent, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	in, ok := l.intents[id]
	if !ok {
		return Intent{}, false
	}
	return in.clone(), true
}

func (l *Ledger) Intents() []Intent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.intentsLocked()
}

func (l *Ledger) intentsLocked() []Intent {
	out := make([]Intent, 0, len(l.intents))
	for _, in := range l.intents {
		out = append(out, in.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// DailySpend is the confirmed amount for the day containing t.
func (l *Ledger) DailySpend(t time.Time) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.daily[DayKey(t)]
}

// DailyCommitted is DailySpend plus live intents of the same day that are
// pending or broadcast and so not yet booked.
func (l *Ledger) DailyCommitted(t time.Time) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	day := DayKey(t)
	total := l.daily[day]
	for _, in := range l.intents {
		if in.DryRun || DayKey(in.UpdatedAt) != day {
			continue
		}
		if in.State == IntentPending || in.State == IntentBroadcast {
			total = total.Add(in.Amount)
		}
	}
	return total
}

func (l *Ledger) vouchMutex(channelID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	mu, ok := l.vouchMus[channelID]
	if !ok {
		mu = &sync.Mutex{}
		l.vouchMus[channelID] = mu
	}
	return mu
}

// Vouch runs post at most once per channel for the lifetime of the store.
// The bit is set and handed to commit before post runs, all under a
// per-channel mutex, so a crash after the post can never repeat it. A commit
// error clears the bit and skips the post; a post error keeps the bit.
// It returns false without calling post when the bit is already set.
func (l *Ledger) Vouch(channelID string, commit func() error, post func() (string, error)) (bool, error) {
	mu := l.vouchMutex(channelID)
	mu.Lock()
	defer mu.Unlock()

	if l.Vouched(channelID) {
		return false, nil
	}
	l.mu.Lock()
	l.vouches[channelID] = VouchRecord{ChannelID: channelID, PostedAt: l.clock.Now()}
	l.mu.Unlock()
	if commit != nil {
		if err := commit(); err != nil {
			l.mu.Lock()
			delete(l.vouches, channelID)
			l.mu.Unlock()
			return false, fmt.Errorf("commit vouch bit: %w", err)
		}
	}
	msgID, err := post()
	if err != nil {
		return false, err
	}
	l.mu.Lock()
	l.vouches[channelID] = VouchRecord{ChannelID: channelID, MessageID: msgID, PostedAt: l.clock.Now()}
	l.mu.Unlock()
	return true, nil
}

func (l *Ledger) Vouched(channelID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.vouches[channelID]
	return ok
}

func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	snap := Snapshot{
		Intents:    l.intentsLocked(),
		DailySpend: make(map[string]decimal.Decimal, len(l.daily)),
		Vouches:    make(map[string]VouchRecord, len(l.vouches)),
	}
	for k, v := range l.daily {
		snap.DailySpend[k] = v
	}
	for k, v := range l.vouches {
		snap.Vouches[k] = v
	}
	return snap
}

// Restore replaces the durable tables. The processed set is left untouched.
func (l *Ledger) Restore(snap Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.intents = make(map[string]*Intent, len(snap.Intents))
	l.acted = make(map[string]string)
	for _, in := range snap.Intents {
		in := in.clone()
		l.intents[in.ID] = &in
		for _, m := range in.MessageIDs {
			l.acted[m] = in.ID
		}
	}
	l.daily = make(map[string]decimal.Decimal, len(snap.DailySpend))
	for k, v := range snap.DailySpend {
		l.daily[k] = v
	}
	l.vouches = make(map[string]VouchRecord, len(snap.Vouches))
	for k, v := range snap.Vouches {
		l.vouches[k] = v
	}
}
