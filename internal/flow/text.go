package flow

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/susu3304/wagerbot/internal/money"
	"github.com/susu3304/wagerbot/internal/offer"
)

// MaxWinsOverride caps "ft N" in a start directive.
const MaxWinsOverride = 15

var (
	dollarAmount = regexp.MustCompile(`\$\s?(\d{1,6}(?:\.\d{1,2})?)\b`)
	firstTo      = regexp.MustCompile(`(?i)\b(?:ft|first\s+to)\s*(\d{1,2})\b`)
	botFirst     = regexp.MustCompile(`(?i)\b(?:bot|you|u)\s+(?:go(?:es)?\s+|roll(?:s)?\s+)?first\b`)
)

// Text recognizes the phrases the session flow reacts to.
type Text struct {
	Offer        *regexp.Regexp
	Dice         *regexp.Regexp
	GameStart    *regexp.Regexp
	cancel       *regexp.Regexp
	reset        *regexp.Regexp
	turn         *regexp.Regexp
	confirmation *regexp.Regexp
}

// TextConfig holds the raw patterns and keyword lists.
type TextConfig struct {
	OfferPattern         string
	DicePattern          string
	GameStartPattern     string
	CancellationKeywords []string
	ResetKeywords        []string
	TurnTriggers         []string
	ConfirmationPhrases  []string
}

func NewText(cfg TextConfig) (*Text, error) {
	t := &Text{}
	var err error
	if t.Offer, err = regexp.Compile(cfg.OfferPattern); err != nil {
		return nil, fmt.Errorf("offer pattern: %w", err)
	}
	if t.Dice, err = regexp.Compile(cfg.DicePattern); err != nil {
		return nil, fmt.Errorf("dice pattern: %w", err)
	}
	if t.GameStart, err = regexp.Compile(cfg.GameStartPattern); err != nil {
		return nil, fmt.Errorf("game start pattern: %w", err)
	}
	t.cancel = keywords(cfg.CancellationKeywords)
	t.reset = keywords(cfg.ResetKeywords)
	t.turn = keywords(cfg.TurnTriggers)
	t.confirmation = keywords(cfg.ConfirmationPhrases)
	return t, nil
}

// keywords builds a case-insensitive whole-word matcher. It returns nil for
// an empty list.
func keywords(words []string) *regexp.Regexp {
	var quoted []string
	for _, w := range words {
		if w = strings.TrimSpace(w); w != "" {
			quoted = append(quoted, regexp.QuoteMeta(w))
		}
	}
	if len(quoted) == 0 {
		return nil
	}
	return regexp.MustCompile(`(?i)(?:^|\W)(?:` + strings.Join(quoted, "|") + `)(?:$|\W)`)
}

func matches(re *regexp.Regexp, s string) bool {
	return re != nil && re.MatchString(s)
}

func (t *Text) Cancel(s string) bool       { return matches(t.cancel, s) }
func (t *Text) Reset(s string) bool        { return matches(t.reset, s) }
func (t *Text) TurnPrompt(s string) bool   { return matches(t.turn, s) }
func (t *Text) Confirmation(s string) bool { return matches(t.confirmation, s) }

// Amount returns the wager amount stated in s, either as "N v N" or as "$N".
func (t *Text) Amount(s string) (decimal.Decimal, bool) {
	if d, ok := offer.Parse(t.Offer, s); ok {
		return d, true
	}
	if m := dollarAmount.FindStringSubmatch(s); m != nil {
		if d, err := money.Parse(m[1]); err == nil && d.IsPositive() {
			return d, true
		}
	}
	return decimal.Zero, false
}

// Start reports whether s is a game-start directive and the "first to N"
// override it carries, zero when absent or out of range.
func (t *Text) Start(s string) (bool, int) {
	if !t.GameStart.MatchString(s) {
		return false, 0
	}
	m := firstTo.FindStringSubmatch(s)
	if m == nil {
		return true, 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 1 || n > MaxWinsOverride {
		return true, 0
	}
	return true, n
}

// BotFirst reports whether a start directive hands the first roll to selfID.
func BotFirst(s, selfID string, mentioned bool) bool {
	if mentioned || (selfID != "" && strings.Contains(s, "<@"+selfID+">")) {
		return true
	}
	return botFirst.MatchString(s)
}

// Roll returns the die value in a dice result message.
func (t *Text) Roll(s string) (int, bool) {
	m := t.Dice.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	raw := m[0]
	if len(m) > 1 {
		raw = m[1]
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 1 || n > 6 {
		return 0, false
	}
	return n, true
}

// render replaces {key} placeholders in tpl.
func render(tpl string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tpl)
}
