package alert

import (
	"errors"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	ids      []string
	contents []string
	err      error
}

func (r *recorder) WebhookExecute(webhookID, token string, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	r.ids = append(r.ids, webhookID+"/"+token)
	r.contents = append(r.contents, data.Content)
	return nil, r.err
}

func TestParseWebhook(t *testing.T) {
	tests := []struct {
		url     string
		id      string
		token   string
		wantErr bool
	}{
		{url: "https://discord.com/api/webhooks/123/abc", id: "123", token: "abc"},
		{url: "https://discord.com/api/v10/webhooks/9/tok/", id: "9", token: "tok"},
		{url: "https://discord.com/api/webhooks/123", wantErr: true},
		{url: "https://example.com/hook", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			id, token, err := parseWebhook(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.id, id)
			assert.Equal(t, tt.token, token)
		})
	}
}

func TestHookThrottles(t *testing.T) {
	rec := &recorder{err: errors.New("webhook down")}
	h := newHook("1", "t", rec, false)

	logger := log.New()
	logger.AddHook(h)
	logger.SetOutput(&strings.Builder{})

	for i := 0; i < 5; i++ {
		logger.WithField("channel_id", "c1").Error("transfer failed")
	}
	logger.Warn("not forwarded")

	require.Len(t, rec.contents, 3)
	assert.Equal(t, "1/t", rec.ids[0])
	assert.Equal(t, "**ERROR** transfer failed\nchannel_id=c1", rec.contents[0])
}

func TestFormatTruncates(t *testing.T) {
	entry := log.NewEntry(log.New())
	entry.Level = log.ErrorLevel
	entry.Message = strings.Repeat("x", 3000)
	assert.Len(t, format(entry), maxContent)
}
