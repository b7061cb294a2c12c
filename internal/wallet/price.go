package wallet

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/susu3304/wagerbot/internal/clock"
)

// coinIDs maps network codes to CoinGecko coin ids.
var coinIDs = map[string]string{
	"btc":  "bitcoin",
	"ltc":  "litecoin",
	"eth":  "ethereum",
	"sol":  "solana",
	"doge": "dogecoin",
}

type quote struct {
	usd decimal.Decimal
	at  time.Time
}

// CoinGecko is a PriceFeed backed by the CoinGecko simple price endpoint.
// Quotes are cached for TTL.
type CoinGecko struct {
	URL    string
	TTL    time.Duration
	Client *http.Client
	Clock  clock.Clock

	mu     sync.Mutex
	quotes map[string]quote
}

func NewCoinGecko(url string) *CoinGecko {
	return &CoinGecko{
		URL:    url,
		TTL:    time.Minute,
		Client: &http.Client{Timeout: 10 * time.Second},
		Clock:  clock.Real{},
		quotes: make(map[string]quote),
	}
}

func (c *CoinGecko) Prefetch(ctx context.Context, network string) error {
	_, err := c.price(ctx, network)
	return err
}

func (c *CoinGecko) ConvertUSDToNative(ctx context.Context, amountUSD decimal.Decimal, network string) (decimal.Decimal, error) {
	p, err := c.price(ctx, network)
	if err != nil {
		return decimal.Zero, err
	}
	return amountUSD.DivRound(p, 8), nil
}

func (c *CoinGecko) price(ctx context.Context, network string) (decimal.Decimal, error) {
	network = strings.ToLower(network)
	id, ok := coinIDs[network]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownNetwork, network)
	}
	c.mu.Lock()
	q, ok := c.quotes[network]
	c.mu.Unlock()
	if ok && c.Clock.Now().Sub(q.at) < c.TTL {
		return q.usd, nil
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.URL+"?ids="+id+"&vs_currencies=usd", nil)
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "wagerbot/1.0")

	resp, err := c.Client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("price request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("price API returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return decimal.Zero, err
	}
	res := gjson.GetBytes(body, id+".usd")
	if !res.Exists() {
		return decimal.Zero, fmt.Errorf("price API response has no %s.usd", id)
	}
	usd, err := decimal.NewFromString(res.Raw)
	if err != nil || !usd.IsPositive() {
		return decimal.Zero, fmt.Errorf("bad price %q for %s", res.Raw, id)
	}

	c.mu.Lock()
	c.quotes[network] = quote{usd: usd, at: c.Clock.Now()}
	c.mu.Unlock()
	log.WithFields(log.Fields{"component": "price", "network": network, "usd": usd.String()}).Debug("price refreshed")
	return usd, nil
}
