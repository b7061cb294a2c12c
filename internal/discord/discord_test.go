package discord

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/susu3304/wagerbot/internal/transport"
)

var _ transport.Transport = (*Client)(nil)

type fakeAPI struct {
	sends    []*discordgo.MessageSend
	sendErrs []error
	history  []*discordgo.Message
	before   string
	limit    int
	channels map[string]*discordgo.Channel
}

func (f *fakeAPI) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.sends = append(f.sends, data)
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &discordgo.Message{ID: "sent-1", ChannelID: channelID}, nil
}

func (f *fakeAPI) ChannelTyping(channelID string, options ...discordgo.RequestOption) error {
	return nil
}

func (f *fakeAPI) ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error) {
	f.before, f.limit = beforeID, limit
	return f.history, nil
}

func (f *fakeAPI) Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	if ch, ok := f.channels[channelID]; ok {
		return ch, nil
	}
	return nil, errors.New("unknown channel")
}

type emptyCache struct{}

func (emptyCache) Channel(string) (*discordgo.Channel, error) { return nil, discordgo.ErrStateNotFound }

func restError(status int) error {
	return &discordgo.RESTError{Response: &http.Response{StatusCode: status}}
}

func TestToMessage(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		in   *discordgo.Message
		want transport.Message
	}{
		{
			name: "guild message mentioning the bot",
			in: &discordgo.Message{
				ID: "m1", ChannelID: "c1", GuildID: "g1", Content: "hi <@bot>", Timestamp: ts,
				Author:   &discordgo.User{ID: "u1", Username: "alice"},
				Mentions: []*discordgo.User{{ID: "bot"}},
			},
			want: transport.Message{
				ID: "m1", ChannelID: "c1", AuthorID: "u1", AuthorName: "alice",
				Mentions: []string{"bot"}, Content: "hi <@bot>", Timestamp: ts,
			},
		},
		{
			name: "slash command result",
			in: &discordgo.Message{
				ID: "m2", ChannelID: "c1", GuildID: "g1", Content: "rolled 4",
				Author:      &discordgo.User{ID: "dice", Bot: true},
				Interaction: &discordgo.MessageInteraction{User: &discordgo.User{ID: "bot"}},
			},
			want: transport.Message{
				ID: "m2", ChannelID: "c1", AuthorID: "dice", AuthorBot: true,
				OnBehalfOf: "bot", Content: "rolled 4",
			},
		},
		{
			name: "reply from a dice bot",
			in: &discordgo.Message{
				ID: "m3", ChannelID: "c1", GuildID: "g1", Content: "rolled 2",
				Author:            &discordgo.User{ID: "dice", Bot: true},
				ReferencedMessage: &discordgo.Message{Author: &discordgo.User{ID: "u1"}},
			},
			want: transport.Message{
				ID: "m3", ChannelID: "c1", AuthorID: "dice", AuthorBot: true,
				OnBehalfOf: "u1", Content: "rolled 2",
			},
		},
		{
			name: "own direct message",
			in: &discordgo.Message{
				ID: "m4", ChannelID: "dm", Content: "balance: 1",
				Author: &discordgo.User{ID: "bot", Bot: true},
			},
			want: transport.Message{
				ID: "m4", ChannelID: "dm", Direct: true, AuthorID: "bot", AuthorBot: true,
				Content: "balance: 1", Own: true,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, toMessage(tt.in, "bot"))
		})
	}
}

func TestSendReplyReference(t *testing.T) {
	api := &fakeAPI{}
	c := newClient(api, emptyCache{})

	id, err := c.Send(context.Background(), "c1", "hello", "m9")
	require.NoError(t, err)
	assert.Equal(t, "sent-1", id)
	require.Len(t, api.sends, 1)
	require.NotNil(t, api.sends[0].Reference)
	assert.Equal(t, "m9", api.sends[0].Reference.MessageID)

	_, err = c.Send(context.Background(), "c1", "plain", "")
	require.NoError(t, err)
	assert.Nil(t, api.sends[1].Reference)
}

func TestSendRetries(t *testing.T) {
	tests := []struct {
		name    string
		errs    []error
		wantErr bool
		calls   int
	}{
		{name: "server error then ok", errs: []error{restError(502), nil}, calls: 2},
		{name: "client error is final", errs: []error{restError(403)}, wantErr: true, calls: 1},
		{name: "two server errors", errs: []error{restError(500), restError(503)}, wantErr: true, calls: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{sendErrs: tt.errs}
			c := newClient(api, emptyCache{})
			_, err := c.Send(context.Background(), "c1", "x", "")
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Len(t, api.sends, tt.calls)
		})
	}
}

func TestFetchHistory(t *testing.T) {
	api := &fakeAPI{history: []*discordgo.Message{
		{ID: "m2", Author: &discordgo.User{ID: "bot"}, Content: "b"},
		{ID: "m1", Author: &discordgo.User{ID: "u1"}, Content: "a"},
		{ID: "m0"},
	}}
	c := newClient(api, emptyCache{})
	c.setSelf("bot")

	got, err := c.FetchHistory(context.Background(), "c1", "m3", 500)
	require.NoError(t, err)
	assert.Equal(t, "m3", api.before)
	assert.Equal(t, transport.MaxHistoryPage, api.limit)
	require.Len(t, got, 2)
	assert.True(t, got[0].Own)
	assert.Equal(t, "c1", got[1].ChannelID)
}

func TestFetchHistoryTakesDirectFromChannel(t *testing.T) {
	tests := []struct {
		name       string
		channel    *discordgo.Channel
		wantDirect bool
		wantName   string
	}{
		{name: "guild channel", channel: &discordgo.Channel{ID: "c1", Name: "ticket-9", Type: discordgo.ChannelTypeGuildText}, wantName: "ticket-9"},
		{name: "dm channel", channel: &discordgo.Channel{ID: "c1", Type: discordgo.ChannelTypeDM}, wantDirect: true},
		{name: "unknown channel"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{
				// REST history omits guild_id.
				history:  []*discordgo.Message{{ID: "h1", ChannelID: "c1", Author: &discordgo.User{ID: "mm1"}, Content: "10v10"}},
				channels: map[string]*discordgo.Channel{},
			}
			if tt.channel != nil {
				api.channels["c1"] = tt.channel
			}
			c := newClient(api, emptyCache{})

			got, err := c.FetchHistory(context.Background(), "c1", "", 10)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, tt.wantDirect, got[0].Direct)
			assert.Equal(t, tt.wantName, got[0].ChannelName)
		})
	}
}

func TestChannelInfoFallsBackToREST(t *testing.T) {
	api := &fakeAPI{channels: map[string]*discordgo.Channel{
		"c1": {ID: "c1", Name: "ticket-0042", Type: discordgo.ChannelTypeGuildText},
		"dm": {ID: "dm", Type: discordgo.ChannelTypeDM},
	}}
	c := newClient(api, emptyCache{})

	ch, err := c.ChannelInfo(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, transport.Channel{ID: "c1", Name: "ticket-0042"}, ch)

	dm, err := c.ChannelInfo(context.Background(), "dm")
	require.NoError(t, err)
	assert.True(t, dm.Direct)

	_, err = c.ChannelInfo(context.Background(), "missing")
	assert.Error(t, err)
}

func TestHandlersFanOut(t *testing.T) {
	c := newClient(&fakeAPI{}, emptyCache{})
	c.setSelf("bot")
	var got []transport.Message
	c.OnMessage(func(m transport.Message) { got = append(got, m) })
	var created []transport.Channel
	c.OnChannelCreated(func(ch transport.Channel) { created = append(created, ch) })
	var deleted []string
	c.OnChannelDeleted(func(id string) { deleted = append(deleted, id) })

	c.onMessageCreate(nil, &discordgo.MessageCreate{Message: &discordgo.Message{ID: "m1", GuildID: "g", Author: &discordgo.User{ID: "u1"}}})
	c.onMessageCreate(nil, &discordgo.MessageCreate{Message: &discordgo.Message{ID: "m2"}})
	c.onChannelCreate(nil, &discordgo.ChannelCreate{Channel: &discordgo.Channel{ID: "c2", Name: "ticket-7"}})
	c.onChannelDelete(nil, &discordgo.ChannelDelete{Channel: &discordgo.Channel{ID: "c2"}})

	require.Len(t, got, 1)
	assert.Equal(t, "m1", got[0].ID)
	assert.Equal(t, []transport.Channel{{ID: "c2", Name: "ticket-7"}}, created)
	assert.Equal(t, []string{"c2"}, deleted)
}
