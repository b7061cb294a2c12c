// Package commands implements the operator text commands accepted in
// direct messages.
package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/susu3304/wagerbot/internal/money"
	"github.com/susu3304/wagerbot/internal/session"
)

// Prefix starts every operator command.
const Prefix = "!"

// maxMessage is the chat platform's message length limit.
const maxMessage = 2000

type Command struct {
	Name string
	Args []string
}

// Parse splits "!name arg..." into a Command.
func Parse(content string) (Command, bool) {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, Prefix) || len(content) <= len(Prefix) {
		return Command{}, false
	}
	fields := strings.Fields(content[len(Prefix):])
	if len(fields) == 0 {
		return Command{}, false
	}
	return Command{Name: strings.ToLower(fields[0]), Args: fields[1:]}, true
}

// Wallet is the part of the value-transfer backend operators may query.
type Wallet interface {
	Balance(ctx context.Context, network string) (decimal.Decimal, error)
	PayoutAddress(ctx context.Context, network string) (string, error)
}

type Handler struct {
	wallet    Wallet
	store     *session.Store
	network   string
	operators map[string]bool
}

func New(w Wallet, store *session.Store, network string, operators []string) *Handler {
	ops := make(map[string]bool, len(operators))
	for _, id := range operators {
		if id != "" {
			ops[id] = true
		}
	}
	return &Handler{wallet: w, store: store, network: strings.ToLower(network), operators: ops}
}

// Operator reports whether id may run commands.
func (h *Handler) Operator(id string) bool {
	return h.operators[id]
}

// Known reports whether content is a command this handler serves.
func (h *Handler) Known(content string) bool {
	cmd, ok := Parse(content)
	if !ok {
		return false
	}
	switch cmd.Name {
	case "wallet", "balance", "sessions":
		return true
	}
	return false
}

// Handle runs the command in content and returns the reply chunks.
func (h *Handler) Handle(ctx context.Context, content string) ([]string, error) {
	cmd, ok := Parse(content)
	if !ok {
		return nil, nil
	}
	switch cmd.Name {
	case "wallet", "balance":
		return h.walletQuery(ctx, cmd)
	case "sessions":
		return h.sessions(), nil
	}
	return nil, nil
}

func (h *Handler) walletQuery(ctx context.Context, cmd Command) ([]string, error) {
	network := h.network
	if len(cmd.Args) > 0 {
		network = strings.ToLower(cmd.Args[0])
	}
	bal, err := h.wallet.Balance(ctx, network)
	if err != nil {
		return nil, fmt.Errorf("balance %s: %w", network, err)
	}
	lines := []string{fmt.Sprintf("balance: %s %s", bal.String(), strings.ToUpper(network))}
	if addr, err := h.wallet.PayoutAddress(ctx, network); err == nil && addr != "" {
		lines = append(lines, "payout: "+addr)
	}
	return []string{strings.Join(lines, "\n")}, nil
}

func (h *Handler) sessions() []string {
	all := h.store.All()
	if len(all) == 0 {
		return []string{"no active sessions"}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].UpdatedAt.After(all[j].UpdatedAt) })
	entries := make([]string, 0, len(all))
	for _, s := range all {
		entries = append(entries, fmt.Sprintf("%s %s $%s", s.ChannelName, s.State, money.Format(s.OfferAmount)))
	}
	return chunk(entries, maxMessage)
}

// chunk joins entries with newlines into messages no longer than limit.
func chunk(entries []string, limit int) []string {
	var out []string
	var buffer strings.Builder
	for _, entry := range entries {
		if buffer.Len() > 0 && buffer.Len()+len(entry)+1 > limit {
			out = append(out, buffer.String())
			buffer.Reset()
		}
		if buffer.Len() > 0 {
			buffer.WriteString("\n")
		}
		buffer.WriteString(entry)
	}
	if buffer.Len() > 0 {
		out = append(out, buffer.String())
	}
	return out
}
