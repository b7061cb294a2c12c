package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var ErrExists = errors.New("session already exists")

// PendingOffer is an advertised wager waiting for its session channel.
type PendingOffer struct {
	ParticipantID   string          `json:"participant_id"`
	ParticipantName string          `json:"participant_name"`
	OfferAmount     decimal.Decimal `json:"offer_amount"`
	OurAmount       decimal.Decimal `json:"our_amount"`
	SourceChannelID string          `json:"source_channel_id"`
	OfferID         string          `json:"offer_id"`
	MessageID       string          `json:"message_id"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Store owns every live session and the pending offers. Callers get clones
// and write them back with Put while holding the channel lock.
type Store struct {
	offerTTL time.Duration
	ignore   []string

	mu       sync.Mutex
	sessions map[string]*Session
	offers   map[string]PendingOffer
	locks    map[string]*channelLock
}

// channelLock is dropped from the map once nobody holds or waits on it.
type channelLock struct {
	mu   sync.Mutex
	refs int
}

// NewStore creates a store. ignore lists channel-name tokens (such as
// "ticket") that never count as a username fragment.
func NewStore(offerTTL time.Duration, ignore []string) *Store {
	return &Store{
		offerTTL: offerTTL,
		ignore:   ignore,
		sessions: make(map[string]*Session),
		offers:   make(map[string]PendingOffer),
		locks:    make(map[string]*channelLock),
	}
}

// Lock acquires the per-channel mutex and returns its release.
func (st *Store) Lock(channelID string) func() {
	st.mu.Lock()
	l, ok := st.locks[channelID]
	if !ok {
		l = &channelLock{}
		st.locks[channelID] = l
	}
	l.refs++
	st.mu.Unlock()
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		st.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(st.locks, channelID)
		}
		st.mu.Unlock()
	}
}

func (st *Store) Get(channelID string) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[channelID]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

func (st *Store) Exists(channelID string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	_, ok := st.sessions[channelID]
	return ok
}

// Create inserts a new session, failing with ErrExists.
func (st *Store) Create(s *Session) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.sessions[s.ChannelID]; ok {
		return ErrExists
	}
	st.sessions[s.ChannelID] = s.Clone()
	return nil
}

// Put replaces the stored session with a copy of s.
func (st *Store) Put(s *Session) {
	st.mu.Lock()
	st.sessions[s.ChannelID] = s.Clone()
	st.mu.Unlock()
}

func (st *Store) Remove(channelID string) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[channelID]
	if !ok {
		return nil, false
	}
	delete(st.sessions, channelID)
	return s, true
}

// All returns clones of every session ordered by creation time.
func (st *Store) All() []*Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ChannelID < out[j].ChannelID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// PutOffer records o, replacing any earlier offer by the same participant.
func (st *Store) PutOffer(o PendingOffer) {
	st.mu.Lock()
	st.offers[o.ParticipantID] = o
	st.mu.Unlock()
}

func (st *Store) expired(o PendingOffer, now time.Time) bool {
	return st.offerTTL > 0 && now.Sub(o.CreatedAt) > st.offerTTL
}

// FindOffer looks up a live offer by participant id, then by fuzzy matching
// channelName against the offers' participant names (most recent first).
func (st *Store) FindOffer(participantID, channelName string, now time.Time) (PendingOffer, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if o, ok := st.offers[participantID]; ok && participantID != "" && !st.expired(o, now) {
		return o, true
	}
	if channelName == "" {
		return PendingOffer{}, false
	}
	var best PendingOffer
	found := false
	for _, o := range st.offers {
		if st.expired(o, now) || !MatchChannelName(channelName, o.ParticipantName, st.ignore) {
			continue
		}
		if !found || o.CreatedAt.After(best.CreatedAt) {
			best, found = o, true
		}
	}
	return best, found
}

// TakeOffer removes and returns the participant's offer.
func (st *Store) TakeOffer(participantID string) (PendingOffer, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	o, ok := st.offers[participantID]
	if ok {
		delete(st.offers, participantID)
	}
	return o, ok
}

func (st *Store) Offers() []PendingOffer {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.offersLocked()
}

func (st *Store) offersLocked() []PendingOffer {
	out := make([]PendingOffer, 0, len(st.offers))
	for _, o := range st.offers {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ExpireOffers drops offers older than the TTL and returns how many were removed.
func (st *Store) ExpireOffers(now time.Time) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	n := 0
	for id, o := range st.offers {
		if st.expired(o, now) {
			delete(st.offers, id)
			n++
		}
	}
	return n
}

type Snapshot struct {
	Sessions      []*Session     `json:"sessions"`
	PendingOffers []PendingOffer `json:"pending_offers"`
}

func (st *Store) Snapshot() Snapshot {
	sessions := st.All()
	st.mu.Lock()
	defer st.mu.Unlock()
	return Snapshot{Sessions: sessions, PendingOffers: st.offersLocked()}
}

// Restore replaces the store contents with snap.
func (st *Store) Restore(snap Snapshot) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.sessions = make(map[string]*Session, len(snap.Sessions))
	for _, s := range snap.Sessions {
		if s == nil || s.ChannelID == "" {
			continue
		}
		st.sessions[s.ChannelID] = s.Clone()
	}
	st.offers = make(map[string]PendingOffer, len(snap.PendingOffers))
	for _, o := range snap.PendingOffers {
		st.offers[o.ParticipantID] = o
	}
}
