package bot

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/susu3304/wagerbot/internal/wallet"
)

// priceRefresher keeps the price cache warm so a transfer never waits on the
// feed.
type priceRefresher struct {
	prices   wallet.PriceFeed
	network  string
	interval time.Duration
	stopChan chan struct{}
	ticker   *time.Ticker
}

func newPriceRefresher(prices wallet.PriceFeed, network string, interval time.Duration) *priceRefresher {
	return &priceRefresher{
		prices:   prices,
		network:  network,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

func (w *priceRefresher) start(ctx context.Context) {
	if w == nil {
		return
	}
	w.ticker = time.NewTicker(w.interval)
	go w.loop(ctx, w.ticker)
}

func (w *priceRefresher) stop() {
	if w == nil || w.ticker == nil {
		return
	}
	close(w.stopChan)
	w.ticker.Stop()
	w.ticker = nil
}

func (w *priceRefresher) loop(ctx context.Context, t *time.Ticker) {
	w.tick(ctx)
	for {
		select {
		case <-t.C:
			w.tick(ctx)
		case <-w.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (w *priceRefresher) tick(ctx context.Context) {
	tctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := w.prices.Prefetch(tctx, w.network); err != nil {
		log.WithError(err).WithField("network", w.network).Warn("price refresh failed")
	}
}
