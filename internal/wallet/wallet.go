// Package wallet talks to the value-transfer backend and the price feed.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAddress = errors.New("invalid address")
	ErrUnknownNetwork = errors.New("unknown network")
	ErrBackend        = errors.New("wallet backend error")
)

// Backend is the value-transfer collaborator.
type Backend interface {
	ValidateAddress(ctx context.Context, addr, network string) error
	ConvertUSDToNative(ctx context.Context, amountUSD decimal.Decimal, network string) (decimal.Decimal, error)
	// Send transfers amountUSD worth of network currency to addr and returns the tx id.
	Send(ctx context.Context, addr string, amountUSD decimal.Decimal, network, channelID string) (string, error)
	PayoutAddress(ctx context.Context, network string) (string, error)
	Balance(ctx context.Context, network string) (decimal.Decimal, error)
}

type PriceFeed interface {
	Prefetch(ctx context.Context, network string) error
	ConvertUSDToNative(ctx context.Context, amountUSD decimal.Decimal, network string) (decimal.Decimal, error)
}

// Addresses extracts and syntax-checks addresses with one pattern per network.
type Addresses struct {
	patterns map[string]*regexp.Regexp
}

func NewAddresses(patterns map[string]*regexp.Regexp) *Addresses {
	p := make(map[string]*regexp.Regexp, len(patterns))
	for k, v := range patterns {
		p[strings.ToLower(k)] = v
	}
	return &Addresses{patterns: p}
}

// Extract returns the first address for network found in text.
func (a *Addresses) Extract(text, network string) (string, bool) {
	re, ok := a.patterns[strings.ToLower(network)]
	if !ok {
		return "", false
	}
	for _, m := range re.FindAllStringSubmatch(text, -1) {
		addr := m[0]
		if len(m) > 1 && m[1] != "" {
			addr = m[1]
		}
		if a.Validate(addr, network) == nil {
			return addr, true
		}
	}
	return "", false
}

// Validate checks addr against the network pattern. Ethereum addresses also
// go through the go-ethereum hex check and, when mixed case, its checksum.
func (a *Addresses) Validate(addr, network string) error {
	network = strings.ToLower(network)
	re, ok := a.patterns[network]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNetwork, network)
	}
	if loc := re.FindStringIndex(addr); loc == nil || loc[0] != 0 || loc[1] != len(addr) {
		return fmt.Errorf("%w: %q is not a %s address", ErrInvalidAddress, addr, network)
	}
	if network == "eth" {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
		}
		hex := strings.TrimPrefix(addr, "0x")
		if hex != strings.ToLower(hex) && hex != strings.ToUpper(hex) {
			if common.HexToAddress(addr).Hex() != addr {
				return fmt.Errorf("%w: bad checksum %q", ErrInvalidAddress, addr)
			}
		}
	}
	return nil
}

// Networks lists the configured networks.
func (a *Addresses) Networks() []string {
	out := make([]string, 0, len(a.patterns))
	for k := range a.patterns {
		out = append(out, k)
	}
	return out
}
