package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// HTTPBackend drives an external signer service over JSON.
type HTTPBackend struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
	Prices  PriceFeed
	Addrs   *Addresses
	// Payout overrides the payout address reported by the service.
	Payout string
}

func NewHTTPBackend(baseURL, apiKey string, prices PriceFeed, addrs *Addresses) *HTTPBackend {
	return &HTTPBackend{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Client:  &http.Client{Timeout: 30 * time.Second},
		Prices:  prices,
		Addrs:   addrs,
	}
}

type sendRequest struct {
	Address      string          `json:"address"`
	Network      string          `json:"network"`
	AmountUSD    decimal.Decimal `json:"amount_usd"`
	AmountNative decimal.Decimal `json:"amount_native"`
	Reference    string          `json:"reference"`
}

type sendResponse struct {
	Tx    string `json:"tx"`
	Error string `json:"error,omitempty"`
}

type addressResponse struct {
	Address string `json:"address"`
	Valid   *bool  `json:"valid,omitempty"`
	Error   string `json:"error,omitempty"`
}

type balanceResponse struct {
	Balance decimal.Decimal `json:"balance"`
}

func (b *HTTPBackend) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.BaseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+b.APIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnprocessableEntity {
		return ErrInvalidAddress
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", ErrBackend, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrBackend, err)
	}
	return nil
}

func (b *HTTPBackend) ValidateAddress(ctx context.Context, addr, network string) error {
	if err := b.Addrs.Validate(addr, network); err != nil {
		return err
	}
	var res addressResponse
	err := b.do(ctx, "POST", "/v1/addresses/validate", map[string]string{"address": addr, "network": network}, &res)
	if err != nil {
		return err
	}
	if res.Valid != nil && !*res.Valid {
		return fmt.Errorf("%w: %s", ErrInvalidAddress, res.Error)
	}
	return nil
}

func (b *HTTPBackend) ConvertUSDToNative(ctx context.Context, amountUSD decimal.Decimal, network string) (decimal.Decimal, error) {
	return b.Prices.ConvertUSDToNative(ctx, amountUSD, network)
}

func (b *HTTPBackend) Send(ctx context.Context, addr string, amountUSD decimal.Decimal, network, channelID string) (string, error) {
	native, err := b.Prices.ConvertUSDToNative(ctx, amountUSD, network)
	if err != nil {
		return "", fmt.Errorf("convert: %w", err)
	}
	var res sendResponse
	if err := b.do(ctx, "POST", "/v1/send", sendRequest{
		Address:      addr,
		Network:      network,
		AmountUSD:    amountUSD,
		AmountNative: native,
		Reference:    channelID,
	}, &res); err != nil {
		return "", err
	}
	if res.Tx == "" {
		return "", fmt.Errorf("%w: empty tx id %s", ErrBackend, res.Error)
	}
	return res.Tx, nil
}

func (b *HTTPBackend) PayoutAddress(ctx context.Context, network string) (string, error) {
	if b.Payout != "" {
		return b.Payout, nil
	}
	var res addressResponse
	if err := b.do(ctx, "GET", "/v1/addresses/payout?network="+url.QueryEscape(network), nil, &res); err != nil {
		return "", err
	}
	if res.Address == "" {
		return "", fmt.Errorf("%w: no payout address for %s", ErrBackend, network)
	}
	return res.Address, nil
}

func (b *HTTPBackend) Balance(ctx context.Context, network string) (decimal.Decimal, error) {
	var res balanceResponse
	if err := b.do(ctx, "GET", "/v1/balance?network="+url.QueryEscape(network), nil, &res); err != nil {
		return decimal.Zero, err
	}
	return res.Balance, nil
}
