// Package transport describes the chat client the engine talks to.
package transport

import (
	"context"
	"time"
)

// Message is an inbound chat event.
type Message struct {
	ID          string `json:"id"`
	ChannelID   string `json:"channel_id"`
	ChannelName string `json:"channel_name"`
	Direct      bool   `json:"direct"`
	AuthorID    string `json:"author_id"`
	AuthorName  string `json:"author_name"`
	AuthorBot   bool   `json:"author_bot"`
	// OnBehalfOf is the user an automated message was produced for
	// (slash command invoker or replied-to author). Empty when unknown.
	OnBehalfOf string    `json:"on_behalf_of,omitempty"`
	Mentions   []string  `json:"mentions,omitempty"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	Own        bool      `json:"own"`
	// Replayed marks messages fetched from history after a restart.
	Replayed bool `json:"-"`
}

// Mentioned reports whether userID is mentioned in the message.
func (m Message) Mentioned(userID string) bool {
	if userID == "" {
		return false
	}
	for _, id := range m.Mentions {
		if id == userID {
			return true
		}
	}
	return false
}

type Channel struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Direct bool   `json:"direct"`
}

// Transport is the chat client collaborator.
type Transport interface {
	OnMessage(func(Message))
	OnChannelCreated(func(Channel))
	OnChannelDeleted(func(channelID string))

	Send(ctx context.Context, channelID, content, replyTo string) (string, error)
	Typing(ctx context.Context, channelID string) error
	// FetchHistory returns up to limit (max 100) messages older than before,
	// newest first. An empty before starts from the latest message.
	FetchHistory(ctx context.Context, channelID, before string, limit int) ([]Message, error)
	ChannelInfo(ctx context.Context, channelID string) (Channel, error)
	SelfID() string

	Open() error
	Close() error
}

// MaxHistoryPage is the largest page FetchHistory accepts.
const MaxHistoryPage = 100
