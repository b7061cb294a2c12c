// Package recovery replays the messages a session missed while the process
// was down.
package recovery

import (
	"context"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/susu3304/wagerbot/internal/session"
	"github.com/susu3304/wagerbot/internal/transport"
)

// DefaultMaxPages bounds how far back a single channel is paged.
const DefaultMaxPages = 20

type History interface {
	FetchHistory(ctx context.Context, channelID, before string, limit int) ([]transport.Message, error)
}

type Replayer interface {
	Replay(ctx context.Context, msg transport.Message)
}

type Options struct {
	SelfID   string
	PageSize int
	MaxPages int
	Now      time.Time
}

// Run fetches, for every live session, the messages newer than its last
// activity and replays them oldest first. It returns how many messages were
// replayed.
func Run(ctx context.Context, store *session.Store, h History, r Replayer, opts Options) int {
	if opts.PageSize <= 0 || opts.PageSize > transport.MaxHistoryPage {
		opts.PageSize = transport.MaxHistoryPage
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = DefaultMaxPages
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	logger := log.WithField("component", "recovery")

	total := 0
	for _, s := range store.All() {
		if s.State.Terminal() || !s.UpdatedAt.Before(opts.Now) {
			continue
		}
		since := s.UpdatedAt
		if s.LastEventAt.After(since) {
			since = s.LastEventAt
		}
		missed, err := Missed(ctx, h, s.ChannelID, since, opts)
		entry := logger.WithFields(log.Fields{"channel_id": s.ChannelID, "since": since})
		if err != nil {
			entry.WithError(err).Warn("history fetch failed, replaying what was fetched")
		}
		for _, m := range missed {
			if ctx.Err() != nil {
				return total
			}
			r.Replay(ctx, m)
			total++
		}
		if len(missed) > 0 {
			entry.WithField("messages", len(missed)).Info("session history replayed")
		}
	}
	return total
}

// Missed pages backward through channelID until it passes since and returns
// the newer messages in ascending order.
func Missed(ctx context.Context, h History, channelID string, since time.Time, opts Options) ([]transport.Message, error) {
	var out []transport.Message
	before := ""
	for page := 0; page < opts.MaxPages; page++ {
		msgs, err := h.FetchHistory(ctx, channelID, before, opts.PageSize)
		if err != nil {
			sortAscending(out)
			return out, err
		}
		done := len(msgs) < opts.PageSize
		for _, m := range msgs {
			if m.Timestamp.Before(since) {
				done = true
				continue
			}
			if opts.SelfID != "" && m.AuthorID == opts.SelfID {
				m.Own = true
			}
			out = append(out, m)
		}
		if done || len(msgs) == 0 {
			break
		}
		before = msgs[len(msgs)-1].ID
	}
	sortAscending(out)
	return out, nil
}

// sortAscending orders newest-first history oldest first, keeping arrival
// order for equal timestamps.
func sortAscending(msgs []transport.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}
