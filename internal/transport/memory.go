package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/susu3304/wagerbot/internal/clock"
)

// Sent is a message emitted through a Memory transport.
type Sent struct {
	ID        string
	ChannelID string
	Content   string
	ReplyTo   string
	At        time.Time
}

// Memory is an in-process Transport used by tests and the verify command.
type Memory struct {
	mu       sync.Mutex
	self     string
	clock    clock.Clock
	seq      int
	channels map[string]Channel
	history  map[string][]Message
	sent     []Sent
	typing   int
	failures map[string]error

	onMessage        []func(Message)
	onChannelCreated []func(Channel)
	onChannelDeleted []func(string)
}

func NewMemory(selfID string, c clock.Clock) *Memory {
	if c == nil {
		c = clock.Real{}
	}
	return &Memory{
		self:     selfID,
		clock:    c,
		channels: make(map[string]Channel),
		history:  make(map[string][]Message),
		failures: make(map[string]error),
	}
}

func (m *Memory) OnMessage(h func(Message)) {
	m.mu.Lock()
	m.onMessage = append(m.onMessage, h)
	m.mu.Unlock()
}

func (m *Memory) OnChannelCreated(h func(Channel)) {
	m.mu.Lock()
	m.onChannelCreated = append(m.onChannelCreated, h)
	m.mu.Unlock()
}

func (m *Memory) OnChannelDeleted(h func(string)) {
	m.mu.Lock()
	m.onChannelDeleted = append(m.onChannelDeleted, h)
	m.mu.Unlock()
}

func (m *Memory) Open() error  { return nil }
func (m *Memory) Close() error { return nil }

func (m *Memory) SelfID() string { return m.self }

// AddChannel registers a channel without firing the created event.
func (m *Memory) AddChannel(ch Channel) {
	m.mu.Lock()
	m.channels[ch.ID] = ch
	m.mu.Unlock()
}

// CreateChannel registers a channel and fires the created handlers.
func (m *Memory) CreateChannel(ch Channel) {
	m.AddChannel(ch)
	m.mu.Lock()
	handlers := append([]func(Channel){}, m.onChannelCreated...)
	m.mu.Unlock()
	for _, h := range handlers {
		h(ch)
	}
}

func (m *Memory) DeleteChannel(channelID string) {
	m.mu.Lock()
	delete(m.channels, channelID)
	handlers := append([]func(string){}, m.onChannelDeleted...)
	m.mu.Unlock()
	for _, h := range handlers {
		h(channelID)
	}
}

// Record appends msg to the channel history without delivering it.
func (m *Memory) Record(msg Message) Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recordLocked(msg)
}

func (m *Memory) recordLocked(msg Message) Message {
	if msg.ID == "" {
		m.seq++
		msg.ID = fmt.Sprintf("m%d", m.seq)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = m.clock.Now()
	}
	if ch, ok := m.channels[msg.ChannelID]; ok {
		if msg.ChannelName == "" {
			msg.ChannelName = ch.Name
		}
		msg.Direct = msg.Direct || ch.Direct
	}
	msg.Own = msg.Own || msg.AuthorID == m.self
	m.history[msg.ChannelID] = append(m.history[msg.ChannelID], msg)
	return msg
}

// Deliver records msg and hands it to every message handler synchronously.
func (m *Memory) Deliver(msg Message) Message {
	m.mu.Lock()
	msg = m.recordLocked(msg)
	handlers := append([]func(Message){}, m.onMessage...)
	m.mu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
	return msg
}

// Redeliver hands an already recorded message to the handlers again.
func (m *Memory) Redeliver(msg Message) {
	m.mu.Lock()
	handlers := append([]func(Message){}, m.onMessage...)
	m.mu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
}

// FailNextSend makes the next send to channelID fail with err.
func (m *Memory) FailNextSend(channelID string, err error) {
	m.mu.Lock()
	m.failures[channelID] = err
	m.mu.Unlock()
}

func (m *Memory) Send(ctx context.Context, channelID, content, replyTo string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.failures[channelID]; ok {
		delete(m.failures, channelID)
		return "", err
	}
	msg := m.recordLocked(Message{
		ChannelID:  channelID,
		AuthorID:   m.self,
		AuthorName: "self",
		Content:    content,
		Own:        true,
	})
	m.sent = append(m.sent, Sent{
		ID:        msg.ID,
		ChannelID: channelID,
		Content:   content,
		ReplyTo:   replyTo,
		At:        msg.Timestamp,
	})
	return msg.ID, nil
}

func (m *Memory) Typing(ctx context.Context, channelID string) error {
	m.mu.Lock()
	m.typing++
	m.mu.Unlock()
	return nil
}

func (m *Memory) FetchHistory(ctx context.Context, channelID, before string, limit int) ([]Message, error) {
	if limit <= 0 || limit > MaxHistoryPage {
		limit = MaxHistoryPage
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.history[channelID]
	end := len(all)
	if before != "" {
		end = -1
		for i, msg := range all {
			if msg.ID == before {
				end = i
				break
			}
		}
		if end < 0 {
			return nil, fmt.Errorf("message %s not found in %s", before, channelID)
		}
	}
	var out []Message
	for i := end - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (m *Memory) ChannelInfo(ctx context.Context, channelID string) (Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[channelID]
	if !ok {
		return Channel{}, fmt.Errorf("unknown channel %s", channelID)
	}
	return ch, nil
}

// Sent returns every message emitted so far, in send order.
func (m *Memory) Sent() []Sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Sent(nil), m.sent...)
}

// SentTo returns the messages emitted to channelID.
func (m *Memory) SentTo(channelID string) []Sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Sent
	for _, s := range m.sent {
		if s.ChannelID == channelID {
			out = append(out, s)
		}
	}
	return out
}
