// Package discord adapts a discordgo session to transport.Transport.
package discord

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	log "github.com/sirupsen/logrus"

	"github.com/susu3304/wagerbot/internal/transport"
)

const (
	openAttempts   = 5
	attemptTimeout = 12 * time.Second
	maxAttempts    = 2
)

// restAPI is the subset of *discordgo.Session the adapter calls.
type restAPI interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
}

// channelCache is satisfied by *discordgo.State.
type channelCache interface {
	Channel(channelID string) (*discordgo.Channel, error)
}

type Client struct {
	session *discordgo.Session
	api     restAPI
	state   channelCache
	logger  *log.Entry

	mu               sync.RWMutex
	self             string
	onMessage        []func(transport.Message)
	onChannelCreated []func(transport.Channel)
	onChannelDeleted []func(string)
}

// New builds a client for a bot token. The connection opens on Open.
func New(token string) (*Client, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsAll
	session.ShouldReconnectOnError = true

	c := newClient(session, session.State)
	c.session = session

	session.AddHandler(c.onReady)
	session.AddHandler(c.onMessageCreate)
	session.AddHandler(c.onChannelCreate)
	session.AddHandler(c.onChannelDelete)
	return c, nil
}

func newClient(api restAPI, state channelCache) *Client {
	return &Client{
		api:    api,
		state:  state,
		logger: log.WithField("component", "discord"),
	}
}

// Open connects the gateway, retrying a bounded number of times.
func (c *Client) Open() error {
	var err error
	for attempt := 1; attempt <= openAttempts; attempt++ {
		if err = c.session.Open(); err == nil {
			if c.session.State != nil && c.session.State.User != nil {
				c.setSelf(c.session.State.User.ID)
			}
			c.logger.Info("discord session open")
			return nil
		}
		c.logger.WithError(err).WithField("attempt", attempt).Warn("discord open failed")
		time.Sleep(time.Duration(attempt) * 2 * time.Second)
	}
	return fmt.Errorf("failed to open discord session: %w", err)
}

func (c *Client) Close() error {
	if c.session == nil {
		return nil
	}
	return c.session.Close()
}

func (c *Client) SelfID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.self
}

func (c *Client) setSelf(id string) {
	c.mu.Lock()
	c.self = id
	c.mu.Unlock()
}

func (c *Client) OnMessage(h func(transport.Message)) {
	c.mu.Lock()
	c.onMessage = append(c.onMessage, h)
	c.mu.Unlock()
}

func (c *Client) OnChannelCreated(h func(transport.Channel)) {
	c.mu.Lock()
	c.onChannelCreated = append(c.onChannelCreated, h)
	c.mu.Unlock()
}

func (c *Client) OnChannelDeleted(h func(string)) {
	c.mu.Lock()
	c.onChannelDeleted = append(c.onChannelDeleted, h)
	c.mu.Unlock()
}

func (c *Client) onReady(s *discordgo.Session, event *discordgo.Ready) {
	if event.User == nil {
		return
	}
	c.setSelf(event.User.ID)
	c.logger.WithField("user", event.User.Username).Info("connected")
}

func (c *Client) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Message == nil || m.Author == nil {
		return
	}
	c.dispatchMessage(toMessage(m.Message, c.SelfID()))
}

func (c *Client) dispatchMessage(msg transport.Message) {
	c.mu.RLock()
	handlers := append([]func(transport.Message){}, c.onMessage...)
	c.mu.RUnlock()
	for _, h := range handlers {
		h(msg)
	}
}

func (c *Client) onChannelCreate(s *discordgo.Session, e *discordgo.ChannelCreate) {
	if e.Channel == nil {
		return
	}
	ch := toChannel(e.Channel)
	c.mu.RLock()
	handlers := append([]func(transport.Channel){}, c.onChannelCreated...)
	c.mu.RUnlock()
	for _, h := range handlers {
		h(ch)
	}
}

func (c *Client) onChannelDelete(s *discordgo.Session, e *discordgo.ChannelDelete) {
	if e.Channel == nil {
		return
	}
	c.mu.RLock()
	handlers := append([]func(string){}, c.onChannelDeleted...)
	c.mu.RUnlock()
	for _, h := range handlers {
		h(e.Channel.ID)
	}
}

// Send posts content, as a reply when replyTo is set. Temporary failures are
// retried once.
func (c *Client) Send(ctx context.Context, channelID, content, replyTo string) (string, error) {
	data := &discordgo.MessageSend{Content: content}
	if replyTo != "" {
		data.Reference = &discordgo.MessageReference{MessageID: replyTo, ChannelID: channelID}
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		sendCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
		msg, err := c.api.ChannelMessageSendComplex(channelID, data, discordgo.WithContext(sendCtx))
		cancel()
		if err == nil {
			return msg.ID, nil
		}
		lastErr = err
		if !isTemporaryOrTimeout(err) {
			return "", err
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Duration(300+rand.Intn(500)) * time.Millisecond):
		}
	}
	return "", lastErr
}

func (c *Client) Typing(ctx context.Context, channelID string) error {
	return c.api.ChannelTyping(channelID, discordgo.WithContext(ctx))
}

func (c *Client) FetchHistory(ctx context.Context, channelID, before string, limit int) ([]transport.Message, error) {
	if limit <= 0 || limit > transport.MaxHistoryPage {
		limit = transport.MaxHistoryPage
	}
	page, err := c.api.ChannelMessages(channelID, limit, before, "", "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetch history for %s: %w", channelID, err)
	}
	// REST messages carry no guild_id, so the channel decides Direct.
	ch, err := c.ChannelInfo(ctx, channelID)
	if err != nil {
		c.logger.WithError(err).WithField("channel_id", channelID).Warn("history channel lookup failed")
		ch = transport.Channel{ID: channelID}
	}
	self := c.SelfID()
	out := make([]transport.Message, 0, len(page))
	for _, m := range page {
		if m == nil || m.Author == nil {
			continue
		}
		msg := toMessage(m, self)
		if msg.ChannelID == "" {
			msg.ChannelID = channelID
		}
		msg.Direct = ch.Direct
		if msg.ChannelName == "" {
			msg.ChannelName = ch.Name
		}
		out = append(out, msg)
	}
	return out, nil
}

// ChannelInfo prefers the gateway state cache and falls back to REST.
func (c *Client) ChannelInfo(ctx context.Context, channelID string) (transport.Channel, error) {
	if c.state != nil {
		if ch, err := c.state.Channel(channelID); err == nil && ch != nil {
			return toChannel(ch), nil
		}
	}
	ch, err := c.api.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return transport.Channel{}, fmt.Errorf("lookup channel %s: %w", channelID, err)
	}
	return toChannel(ch), nil
}

func toChannel(ch *discordgo.Channel) transport.Channel {
	return transport.Channel{
		ID:     ch.ID,
		Name:   ch.Name,
		Direct: ch.Type == discordgo.ChannelTypeDM || ch.Type == discordgo.ChannelTypeGroupDM,
	}
}

func toMessage(m *discordgo.Message, self string) transport.Message {
	msg := transport.Message{
		ID:        m.ID,
		ChannelID: m.ChannelID,
		Direct:    m.GuildID == "",
		Content:   m.Content,
		Timestamp: m.Timestamp,
	}
	if m.Author != nil {
		msg.AuthorID = m.Author.ID
		msg.AuthorName = m.Author.Username
		msg.AuthorBot = m.Author.Bot
		msg.Own = self != "" && m.Author.ID == self
	}
	for _, u := range m.Mentions {
		if u != nil {
			msg.Mentions = append(msg.Mentions, u.ID)
		}
	}
	switch {
	case m.Interaction != nil && m.Interaction.User != nil:
		msg.OnBehalfOf = m.Interaction.User.ID
	case m.ReferencedMessage != nil && m.ReferencedMessage.Author != nil:
		msg.OnBehalfOf = m.ReferencedMessage.Author.ID
	}
	return msg
}

func isTemporaryOrTimeout(err error) bool {
	if err == nil {
		return false
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		return rest.Response.StatusCode >= http.StatusInternalServerError
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout() || ne.Temporary()
	}
	return false
}
