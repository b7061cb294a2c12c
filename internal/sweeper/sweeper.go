// Package sweeper cancels idle sessions, purges finished ones and expires
// stale offers on a schedule.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/susu3304/wagerbot/internal/clock"
	"github.com/susu3304/wagerbot/internal/metrics"
	"github.com/susu3304/wagerbot/internal/session"
)

// Archiver keeps finished sessions after they leave the store.
type Archiver interface {
	ArchiveSession(ctx context.Context, s *session.Session) error
}

type Flusher interface {
	Flush(ctx context.Context) error
}

// Cooldowns is the offer handler's cooldown table.
type Cooldowns interface {
	Forget(now time.Time) int
}

type Options struct {
	IdleHorizon   time.Duration
	CompleteGrace time.Duration
}

type Result struct {
	Cancelled     int
	Purged        int
	OffersExpired int
}

type Sweeper struct {
	opts      Options
	store     *session.Store
	archive   Archiver
	persist   Flusher
	cooldowns Cooldowns
	clock     clock.Clock
	logger    *log.Entry
	cron      *cron.Cron
}

func New(opts Options, store *session.Store, archive Archiver, persist Flusher, cooldowns Cooldowns, c clock.Clock) *Sweeper {
	if c == nil {
		c = clock.Real{}
	}
	return &Sweeper{
		opts:      opts,
		store:     store,
		archive:   archive,
		persist:   persist,
		cooldowns: cooldowns,
		clock:     c,
		logger:    log.WithField("component", "sweeper"),
	}
}

// Sweep runs one pass.
func (s *Sweeper) Sweep(ctx context.Context) Result {
	now := s.clock.Now()
	var res Result
	for _, cur := range s.store.All() {
		switch {
		case cur.State.Terminal():
			if s.opts.CompleteGrace > 0 && now.Sub(cur.UpdatedAt) > s.opts.CompleteGrace && s.purge(ctx, cur.ChannelID) {
				res.Purged++
			}
		case cur.State.InGame() || cur.PaymentLocked:
		default:
			if s.opts.IdleHorizon > 0 && now.Sub(cur.UpdatedAt) > s.opts.IdleHorizon && s.cancelIdle(cur.ChannelID, now) {
				res.Cancelled++
			}
		}
	}
	res.OffersExpired = s.store.ExpireOffers(now)
	if s.cooldowns != nil {
		s.cooldowns.Forget(now)
	}

	counts := make(map[string]int)
	for _, st := range s.store.All() {
		counts[string(st.State)]++
	}
	metrics.SessionStates(counts)

	if res.Cancelled+res.Purged+res.OffersExpired > 0 {
		s.logger.WithFields(log.Fields{
			"cancelled":      res.Cancelled,
			"purged":         res.Purged,
			"offers_expired": res.OffersExpired,
		}).Info("sweep")
		if s.persist != nil {
			if err := s.persist.Flush(ctx); err != nil {
				s.logger.WithError(err).Error("persist after sweep")
			}
		}
	}
	return res
}

// cancelIdle re-checks the session under its lock before cancelling.
func (s *Sweeper) cancelIdle(channelID string, now time.Time) bool {
	unlock := s.store.Lock(channelID)
	defer unlock()
	cur, ok := s.store.Get(channelID)
	if !ok || cur.State.Terminal() || cur.State.InGame() || cur.PaymentLocked || now.Sub(cur.UpdatedAt) <= s.opts.IdleHorizon {
		return false
	}
	idle := now.Sub(cur.UpdatedAt)
	if err := cur.Transition(session.Cancelled, "idle timeout", now); err != nil {
		s.logger.WithError(err).WithField("channel_id", channelID).Error("state-machine violation")
		return false
	}
	s.store.Put(cur)
	s.logger.WithFields(log.Fields{"channel_id": channelID, "idle_for": idle.String()}).Info("idle session cancelled")
	return true
}

func (s *Sweeper) purge(ctx context.Context, channelID string) bool {
	unlock := s.store.Lock(channelID)
	cur, ok := s.store.Get(channelID)
	if !ok || !cur.State.Terminal() {
		unlock()
		return false
	}
	s.store.Remove(channelID)
	unlock()

	if s.archive != nil {
		if err := s.archive.ArchiveSession(ctx, cur); err != nil {
			s.logger.WithError(err).WithField("channel_id", channelID).Warn("archive session")
		}
	}
	s.logger.WithFields(log.Fields{"channel_id": channelID, "state": cur.State}).Info("session purged")
	return true
}

// Start runs Sweep every interval until Stop.
func (s *Sweeper) Start(ctx context.Context, every time.Duration) error {
	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", every), func() { s.Sweep(ctx) }); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	s.cron = c
	c.Start()
	s.logger.WithField("every", every).Info("sweeper started")
	return nil
}

func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
}
