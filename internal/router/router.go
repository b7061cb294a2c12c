// Package router is the single inbox every chat event passes through.
package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"

	"github.com/susu3304/wagerbot/internal/channel"
	"github.com/susu3304/wagerbot/internal/commands"
	"github.com/susu3304/wagerbot/internal/ledger"
	"github.com/susu3304/wagerbot/internal/metrics"
	"github.com/susu3304/wagerbot/internal/outbound"
	"github.com/susu3304/wagerbot/internal/session"
	"github.com/susu3304/wagerbot/internal/transport"
)

const channelCacheSize = 512

// Sessions is the session workflow.
type Sessions interface {
	Handle(ctx context.Context, msg transport.Message, class channel.Class) bool
	IsDiceEmitter(msg transport.Message) bool
}

// Offers answers wager advertisements.
type Offers interface {
	Handle(ctx context.Context, msg transport.Message) bool
}

// ChannelLookup resolves channel metadata missing from an event.
type ChannelLookup interface {
	ChannelInfo(ctx context.Context, channelID string) (transport.Channel, error)
}

type Outbox interface {
	Send(ctx context.Context, msg outbound.Message) (string, error)
}

type Deps struct {
	Ledger   *ledger.Ledger
	Store    *session.Store
	Policy   *channel.Policy
	Channels ChannelLookup
	Offers   Offers
	Sessions Sessions
	Commands *commands.Handler
	Out      Outbox
}

type Router struct {
	deps     Deps
	inflight sync.Map
	channels *lru.Cache[string, transport.Channel]
	logger   *log.Entry

	holdMu  sync.Mutex
	holding bool
	held    []transport.Message
}

func New(deps Deps) *Router {
	cache, _ := lru.New[string, transport.Channel](channelCacheSize)
	return &Router{
		deps:     deps,
		channels: cache,
		logger:   log.WithField("component", "router"),
	}
}

// Forget drops cached channel metadata, e.g. after a channel is deleted.
func (r *Router) Forget(channelID string) {
	r.channels.Remove(channelID)
}

// Hold buffers live messages until Release. Replay is not held.
func (r *Router) Hold() {
	r.holdMu.Lock()
	r.holding = true
	r.holdMu.Unlock()
}

// Release dispatches the held messages in arrival order and stops holding.
// It returns how many were dispatched.
func (r *Router) Release(ctx context.Context) int {
	n := 0
	for {
		r.holdMu.Lock()
		batch := r.held
		r.held = nil
		if len(batch) == 0 {
			r.holding = false
			r.holdMu.Unlock()
			return n
		}
		r.holdMu.Unlock()
		for _, m := range batch {
			r.handle(ctx, m)
		}
		n += len(batch)
	}
}

// Handle dispatches one live message at most once. It never returns an
// error; failures are logged and the message stays consumed.
func (r *Router) Handle(ctx context.Context, msg transport.Message) {
	r.holdMu.Lock()
	if r.holding {
		r.held = append(r.held, msg)
		r.holdMu.Unlock()
		return
	}
	r.holdMu.Unlock()
	r.handle(ctx, msg)
}

func (r *Router) handle(ctx context.Context, msg transport.Message) {
	if msg.ID == "" {
		return
	}
	if !r.deps.Ledger.MarkProcessed(msg.ID) {
		metrics.Message("duplicate")
		return
	}
	if _, busy := r.inflight.LoadOrStore(msg.ID, struct{}{}); busy {
		metrics.Message("duplicate")
		return
	}
	defer r.inflight.Delete(msg.ID)
	defer r.recoverPanic(msg)

	outcome := r.dispatch(ctx, msg)
	metrics.Message(outcome)
	r.logger.WithFields(log.Fields{
		"message_id": msg.ID,
		"channel_id": msg.ChannelID,
		"author_id":  msg.AuthorID,
		"outcome":    outcome,
	}).Debug("message routed")
}

// Replay runs a message from history. It goes through the same dedupe as a
// live event.
func (r *Router) Replay(ctx context.Context, msg transport.Message) {
	msg.Replayed = true
	r.handle(ctx, msg)
}

func (r *Router) recoverPanic(msg transport.Message) {
	if rec := recover(); rec != nil {
		metrics.Message("panic")
		r.logger.WithFields(log.Fields{
			"message_id": msg.ID,
			"channel_id": msg.ChannelID,
			"panic":      fmt.Sprintf("%v", rec),
			"stack":      string(debug.Stack()),
		}).Error("panic in message handler recovered")
	}
}

func (r *Router) classify(ctx context.Context, msg *transport.Message) channel.Class {
	ch := transport.Channel{ID: msg.ChannelID, Name: msg.ChannelName, Direct: msg.Direct}
	if ch.Name == "" && !ch.Direct && r.deps.Channels != nil {
		if cached, ok := r.channels.Get(ch.ID); ok {
			ch = cached
		} else if info, err := r.deps.Channels.ChannelInfo(ctx, ch.ID); err != nil {
			r.logger.WithError(err).WithField("channel_id", ch.ID).Warn("channel lookup failed")
		} else {
			ch = info
			r.channels.Add(ch.ID, ch)
		}
		msg.ChannelName, msg.Direct = ch.Name, ch.Direct
	}
	return r.deps.Policy.Classify(ch)
}

func (r *Router) dispatch(ctx context.Context, msg transport.Message) string {
	class := r.classify(ctx, &msg)
	if class.Kind == channel.Excluded {
		return "excluded"
	}

	cur, exists := r.deps.Store.Get(msg.ChannelID)
	inGame := exists && cur.State.InGame()
	switch {
	case msg.Own:
		if !inGame {
			return "own"
		}
	case msg.AuthorBot:
		if !inGame || !r.deps.Sessions.IsDiceEmitter(msg) {
			return "bot"
		}
	}

	if class.Kind == channel.Direct {
		return r.direct(ctx, msg)
	}
	if exists {
		if r.deps.Sessions.Handle(ctx, msg, class) {
			return "session"
		}
		return "ignored"
	}
	if class.AllowOfferMatch && r.deps.Offers.Handle(ctx, msg) {
		return "offer"
	}
	if class.Kind == channel.Session || r.deps.Policy.LooksLikeSession(msg.ChannelName) {
		if r.deps.Sessions.Handle(ctx, msg, class) {
			return "session"
		}
	}
	return "ignored"
}

func (r *Router) direct(ctx context.Context, msg transport.Message) string {
	cmds := r.deps.Commands
	if cmds == nil || msg.Own || !cmds.Known(msg.Content) {
		return "ignored"
	}
	logger := r.logger.WithFields(log.Fields{"author_id": msg.AuthorID, "message_id": msg.ID})
	if !cmds.Operator(msg.AuthorID) {
		logger.Warn("operator command from unknown user ignored")
		return "ignored"
	}
	replies, err := cmds.Handle(ctx, msg.Content)
	if err != nil {
		logger.WithError(err).Warn("operator command failed")
		replies = []string{"command failed: " + err.Error()}
	}
	for i, content := range replies {
		reply := outbound.Message{ChannelID: msg.ChannelID, Content: content}
		if i == 0 {
			reply.ReplyTo = msg.ID
		}
		if _, err := r.deps.Out.Send(ctx, reply); err != nil {
			logger.WithError(err).Warn("operator reply not sent")
			break
		}
	}
	return "command"
}
