package wallet

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DryRunPrefix starts every tx id produced while live transfers are off.
const DryRunPrefix = "dryrun-"

// IsDryRun reports whether tx was produced by a dry run.
func IsDryRun(tx string) bool {
	return len(tx) > len(DryRunPrefix) && tx[:len(DryRunPrefix)] == DryRunPrefix
}

// DryRunTx returns a fresh dry-run tx id.
func DryRunTx() string {
	return DryRunPrefix + uuid.NewString()
}

// DryRun validates addresses locally and never moves funds.
type DryRun struct {
	Addrs  *Addresses
	Prices PriceFeed
	Payout string
}

func (d *DryRun) ValidateAddress(ctx context.Context, addr, network string) error {
	return d.Addrs.Validate(addr, network)
}

func (d *DryRun) ConvertUSDToNative(ctx context.Context, amountUSD decimal.Decimal, network string) (decimal.Decimal, error) {
	if d.Prices == nil {
		return amountUSD, nil
	}
	return d.Prices.ConvertUSDToNative(ctx, amountUSD, network)
}

func (d *DryRun) Send(ctx context.Context, addr string, amountUSD decimal.Decimal, network, channelID string) (string, error) {
	if err := d.Addrs.Validate(addr, network); err != nil {
		return "", err
	}
	return DryRunTx(), nil
}

func (d *DryRun) PayoutAddress(ctx context.Context, network string) (string, error) {
	return d.Payout, nil
}

func (d *DryRun) Balance(ctx context.Context, network string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

// Transfer is a send recorded by Memory.
type Transfer struct {
	Address   string
	AmountUSD decimal.Decimal
	Network   string
	ChannelID string
	Tx        string
}

// Memory is an in-process Backend for tests and the verify command.
type Memory struct {
	Addrs  *Addresses
	Payout string
	// Rate is native units per USD; zero means 1.
	Rate decimal.Decimal

	mu        sync.Mutex
	transfers []Transfer
	failures  []error
	balance   decimal.Decimal
	seq       int
}

func NewMemory(addrs *Addresses, payout string) *Memory {
	return &Memory{Addrs: addrs, Payout: payout, balance: decimal.NewFromInt(1000)}
}

// FailNext makes the next Send return err.
func (m *Memory) FailNext(err error) {
	m.mu.Lock()
	m.failures = append(m.failures, err)
	m.mu.Unlock()
}

func (m *Memory) Transfers() []Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transfer(nil), m.transfers...)
}

func (m *Memory) ValidateAddress(ctx context.Context, addr, network string) error {
	return m.Addrs.Validate(addr, network)
}

func (m *Memory) ConvertUSDToNative(ctx context.Context, amountUSD decimal.Decimal, network string) (decimal.Decimal, error) {
	if m.Rate.IsZero() {
		return amountUSD, nil
	}
	return amountUSD.Mul(m.Rate).Round(8), nil
}

func (m *Memory) Send(ctx context.Context, addr string, amountUSD decimal.Decimal, network, channelID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		return "", err
	}
	m.seq++
	tx := fmt.Sprintf("tx-%04d", m.seq)
	m.transfers = append(m.transfers, Transfer{Address: addr, AmountUSD: amountUSD, Network: network, ChannelID: channelID, Tx: tx})
	m.balance = m.balance.Sub(amountUSD)
	return tx, nil
}

func (m *Memory) PayoutAddress(ctx context.Context, network string) (string, error) {
	return m.Payout, nil
}

func (m *Memory) Balance(ctx context.Context, network string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance, nil
}
