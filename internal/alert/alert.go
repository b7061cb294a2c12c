// Package alert forwards error logs to a Discord webhook.
package alert

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	maxContent  = 2000
	sendTimeout = 10 * time.Second
)

type executor interface {
	WebhookExecute(webhookID, token string, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Hook is a logrus hook. Entries beyond the rate limit are dropped.
type Hook struct {
	id      string
	token   string
	exec    executor
	limiter *rate.Limiter
	// async is false in tests so Fire delivers inline.
	async bool
}

// NewHook parses a webhook URL of the form .../webhooks/{id}/{token}.
func NewHook(webhookURL string) (*Hook, error) {
	id, token, err := parseWebhook(webhookURL)
	if err != nil {
		return nil, err
	}
	session, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook session: %w", err)
	}
	return newHook(id, token, session, true), nil
}

func newHook(id, token string, exec executor, async bool) *Hook {
	return &Hook{
		id:      id,
		token:   token,
		exec:    exec,
		limiter: rate.NewLimiter(rate.Every(20*time.Second), 3),
		async:   async,
	}
}

func parseWebhook(raw string) (string, string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", fmt.Errorf("invalid webhook url: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "webhooks" && parts[i+1] != "" && parts[i+2] != "" {
			return parts[i+1], parts[i+2], nil
		}
	}
	return "", "", fmt.Errorf("webhook url must contain /webhooks/{id}/{token}")
}

func (h *Hook) Levels() []log.Level {
	return []log.Level{log.PanicLevel, log.FatalLevel, log.ErrorLevel}
}

// Fire never returns an error; a broken webhook must not break logging.
func (h *Hook) Fire(entry *log.Entry) error {
	if !h.limiter.Allow() {
		return nil
	}
	content := format(entry)
	if h.async {
		go h.send(content)
		return nil
	}
	h.send(content)
	return nil
}

func (h *Hook) send(content string) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	_, _ = h.exec.WebhookExecute(h.id, h.token, false, &discordgo.WebhookParams{
		Content:         content,
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}, discordgo.WithContext(ctx))
}

func format(entry *log.Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**%s** %s", strings.ToUpper(entry.Level.String()), entry.Message)
	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s=%v", k, entry.Data[k])
	}
	s := b.String()
	if len(s) > maxContent {
		s = s[:maxContent]
	}
	return s
}
