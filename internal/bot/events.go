package bot

import (
	"context"

	"github.com/susu3304/wagerbot/internal/transport"
)

// registerHandlers routes transport events into the engine. Handlers run on
// the transport's goroutines; per-channel ordering is kept by the session lock.
func (b *Bot) registerHandlers(ctx context.Context) {
	b.transport.OnMessage(func(m transport.Message) {
		b.router.Handle(ctx, m)
	})
	b.transport.OnChannelCreated(func(ch transport.Channel) {
		b.router.Forget(ch.ID)
		b.flow.OnChannelCreated(ctx, ch)
	})
	b.transport.OnChannelDeleted(func(channelID string) {
		b.router.Forget(channelID)
		b.flow.OnChannelDeleted(ctx, channelID)
	})
}
