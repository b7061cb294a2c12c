package config

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

type Config struct {
	// Transport
	DiscordToken string `envconfig:"DISCORD_TOKEN"`

	// Value transfer backend
	WalletAPIURL        string          `envconfig:"WALLET_API_URL"`
	WalletAPIKey        string          `envconfig:"WALLET_API_KEY"`
	PriceAPIURL         string          `envconfig:"PRICE_API_URL" default:"https://api.coingecko.com/api/v3/simple/price"`
	PaymentNetwork      string          `envconfig:"PAYMENT_NETWORK" default:"ltc"`
	SelfAddresses       []string        `envconfig:"SELF_ADDRESSES"`
	EnableLiveTransfers bool            `envconfig:"ENABLE_LIVE_TRANSFERS" default:"false"`
	MinPaymentUSD       decimal.Decimal `envconfig:"MIN_PAYMENT_USD" default:"1"`
	MaxPaymentPerTxUSD  decimal.Decimal `envconfig:"MAX_PAYMENT_PER_TX_USD" default:"100"`
	MaxDailyUSD         decimal.Decimal `envconfig:"MAX_DAILY_USD" default:"500"`
	AddressPatterns     string          `envconfig:"ADDRESS_PATTERNS"`
	PayoutAddress       string          `envconfig:"PAYOUT_ADDRESS"`

	// Offers
	TaxRate         decimal.Decimal `envconfig:"TAX_RATE" default:"0.05"`
	OfferMaxAmount  decimal.Decimal `envconfig:"OFFER_MAX_AMOUNT" default:"100"`
	OfferCooldownMS int             `envconfig:"OFFER_COOLDOWN_MS" default:"8000"`
	OfferTTL        time.Duration   `envconfig:"OFFER_TTL" default:"10m"`
	OfferPattern    string          `envconfig:"OFFER_PATTERN" default:"(?i)(?:^|[^\\w.])\\$?(\\d{1,6}(?:\\.\\d{1,2})?)\\s*(?:vs|v)\\s*\\$?(\\d{1,6}(?:\\.\\d{1,2})?)(?:$|[^\\w.])"`
	OfferTemplates  string          `envconfig:"OFFER_TEMPLATES" default:"im down|bet, dm|ill take it|lets run it|down"`

	// Delays
	MinReplyDelayMS  int `envconfig:"MIN_REPLY_DELAY_MS" default:"2000"`
	MaxReplyDelayMS  int `envconfig:"MAX_REPLY_DELAY_MS" default:"3000"`
	MinOutboundGapMS int `envconfig:"MIN_OUTBOUND_GAP_MS" default:"2000"`
	MaxOutboundGapMS int `envconfig:"MAX_OUTBOUND_GAP_MS" default:"2500"`
	ActionDelayMS    int `envconfig:"ACTION_DELAY_MS" default:"1500"`
	VouchDelayMS     int `envconfig:"VOUCH_DELAY_MS" default:"5000"`

	// Game
	WinsNeeded        int      `envconfig:"WINS_NEEDED" default:"5"`
	BotWinsTies       bool     `envconfig:"BOT_WINS_TIES" default:"false"`
	DiceCommandToken  string   `envconfig:"DICE_COMMAND_TOKEN" default:"!dice"`
	DiceResultPattern string   `envconfig:"DICE_RESULT_PATTERN" default:"(?i)(?:rolled|rolls|🎲)\\D{0,20}?\\b([1-6])\\b"`
	GameStartPattern  string   `envconfig:"GAME_START_PATTERN" default:"(?i)\\b(?:start(?:ing)?|begin|game\\s+on|ft\\s*\\d+|first\\s+to\\s+\\d+)\\b"`
	TurnTriggers      []string `envconfig:"TURN_TRIGGERS" default:"roll,go,turn,next,ur turn,your turn"`

	// Channels and people
	SessionNamePatterns   []string `envconfig:"SESSION_NAME_PATTERNS" default:"ticket,order-"`
	ExcludedNamePatterns  []string `envconfig:"EXCLUDED_NAME_PATTERNS" default:"logs,staff,vouch"`
	MonitoredChannelIDs   []string `envconfig:"MONITORED_CHANNEL_IDS"`
	BlocklistedChannelIDs []string `envconfig:"BLOCKLISTED_CHANNEL_IDS"`
	CoordinatorIDs        []string `envconfig:"COORDINATOR_IDS"`
	TrustedSenderIDs      []string `envconfig:"TRUSTED_SENDER_IDS"`
	AddressSenderPolicy   string   `envconfig:"ADDRESS_SENDER_POLICY" default:"coordinator"`
	OperatorIDs           []string `envconfig:"OPERATOR_IDS"`
	DiceBotIDs            []string `envconfig:"DICE_BOT_IDS"`

	// Conversation
	CancellationKeywords []string `envconfig:"CANCELLATION_KEYWORDS" default:"cancel,abort,call it off"`
	ResetKeywords        []string `envconfig:"RESET_KEYWORDS" default:"reset,restart"`
	ConfirmationPhrases  []string `envconfig:"CONFIRMATION_PHRASES" default:"received,got it,confirmed,payment received"`
	VouchChannelID       string   `envconfig:"VOUCH_CHANNEL_ID"`
	WinTemplate          string   `envconfig:"WIN_TEMPLATE" default:"gg {us}-{them}"`
	PayoutTemplate       string   `envconfig:"PAYOUT_TEMPLATE" default:"send winnings here: {address}"`
	LossTemplate         string   `envconfig:"LOSS_TEMPLATE" default:"gg wp"`
	PaymentSentTemplate  string   `envconfig:"PAYMENT_SENT_TEMPLATE" default:"sent ${our_amount} ({native} {network}) tx: {tx}"`
	VouchTemplate        string   `envconfig:"VOUCH_TEMPLATE" default:"+rep <@{coordinator}> ${amount} dice vs <@{participant}>, smooth"`

	// Persistence and housekeeping
	StatePath        string        `envconfig:"STATE_PATH" default:"data/state.json"`
	AutosaveInterval time.Duration `envconfig:"AUTOSAVE_INTERVAL" default:"30s"`
	SweepInterval    time.Duration `envconfig:"SWEEP_INTERVAL" default:"1m"`
	IdleHorizon      time.Duration `envconfig:"IDLE_HORIZON" default:"30m"`
	CompleteGrace    time.Duration `envconfig:"COMPLETE_GRACE" default:"10m"`
	DatabaseURL      string        `envconfig:"DATABASE_URL"`
	ArchivePath      string        `envconfig:"ARCHIVE_PATH" default:"data/archive.db"`

	VerificationMode bool `envconfig:"VERIFICATION_MODE" default:"false"`

	// Operator surface
	WebBind         string `envconfig:"WEB_BIND"`
	JWTSecret       string `envconfig:"JWT_SECRET" default:"dev-only-change-me"`
	AlertWebhookURL string `envconfig:"ALERT_WEBHOOK_URL"`

	AppLogLevel  string `envconfig:"APP_LOG_LEVEL" default:"info"`
	AppLogFormat string `envconfig:"APP_LOG_FORMAT" default:"text"`
}

// Policies accepted by ADDRESS_SENDER_POLICY.
const (
	PolicyCoordinator = "coordinator"
	PolicyTrusted     = "trusted"
)

// DefaultAddressPatterns are used for networks ADDRESS_PATTERNS does not override.
var DefaultAddressPatterns = map[string]string{
	"btc":  `\b(bc1[02-9ac-hj-np-z]{25,62}|[13][a-km-zA-HJ-NP-Z1-9]{25,34})\b`,
	"ltc":  `\b(ltc1[02-9ac-hj-np-z]{25,62}|[LM3][a-km-zA-HJ-NP-Z1-9]{26,33})\b`,
	"eth":  `\b(0x[a-fA-F0-9]{40})\b`,
	"sol":  `\b([1-9A-HJ-NP-Za-km-z]{32,44})\b`,
	"doge": `\b(D[5-9A-HJ-NP-U][1-9A-HJ-NP-Za-km-z]{32})\b`,
}

// Load reads .env (if present) and the environment, then validates.
func Load() (*Config, error) {
	// Load environment variables from .env if present (non-fatal if missing)
	_ = godotenv.Load()
	return Defaults()
}

// Defaults processes the environment without reading .env.
func Defaults() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.AddressSenderPolicy = strings.ToLower(strings.TrimSpace(cfg.AddressSenderPolicy))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.TaxRate.IsNegative() {
		return fmt.Errorf("TAX_RATE must be >= 0")
	}
	if c.MinReplyDelayMS < 0 || c.MaxReplyDelayMS < c.MinReplyDelayMS {
		return fmt.Errorf("invalid MIN_REPLY_DELAY_MS/MAX_REPLY_DELAY_MS")
	}
	if c.MinOutboundGapMS < 0 || c.MaxOutboundGapMS < c.MinOutboundGapMS {
		return fmt.Errorf("invalid MIN_OUTBOUND_GAP_MS/MAX_OUTBOUND_GAP_MS")
	}
	if c.OfferCooldownMS < 0 {
		return fmt.Errorf("OFFER_COOLDOWN_MS must be >= 0")
	}
	if !c.OfferMaxAmount.IsPositive() {
		return fmt.Errorf("OFFER_MAX_AMOUNT must be > 0")
	}
	if c.MaxPaymentPerTxUSD.LessThan(c.MinPaymentUSD) {
		return fmt.Errorf("MAX_PAYMENT_PER_TX_USD must be >= MIN_PAYMENT_USD")
	}
	if c.MaxDailyUSD.LessThan(c.MaxPaymentPerTxUSD) {
		return fmt.Errorf("MAX_DAILY_USD must be >= MAX_PAYMENT_PER_TX_USD")
	}
	if c.WinsNeeded <= 0 {
		return fmt.Errorf("WINS_NEEDED must be > 0")
	}
	if c.AddressSenderPolicy != PolicyCoordinator && c.AddressSenderPolicy != PolicyTrusted {
		return fmt.Errorf("ADDRESS_SENDER_POLICY must be %q or %q", PolicyCoordinator, PolicyTrusted)
	}
	if strings.TrimSpace(c.DiceCommandToken) == "" {
		return fmt.Errorf("DICE_COMMAND_TOKEN is required")
	}
	for name, pat := range map[string]string{
		"OFFER_PATTERN":       c.OfferPattern,
		"DICE_RESULT_PATTERN": c.DiceResultPattern,
		"GAME_START_PATTERN":  c.GameStartPattern,
	} {
		if _, err := regexp.Compile(pat); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if _, err := c.AddressPatternMap(); err != nil {
		return err
	}
	if _, ok := DefaultAddressPatterns[strings.ToLower(c.PaymentNetwork)]; !ok {
		pats, _ := c.AddressPatternMap()
		if _, ok := pats[strings.ToLower(c.PaymentNetwork)]; !ok {
			return fmt.Errorf("PAYMENT_NETWORK %q has no address pattern", c.PaymentNetwork)
		}
	}
	if c.AutosaveInterval <= 0 || c.SweepInterval <= 0 {
		return fmt.Errorf("AUTOSAVE_INTERVAL and SWEEP_INTERVAL must be > 0")
	}
	return nil
}

// RequireRun checks the credentials needed to run against live services.
func (c *Config) RequireRun() error {
	if c.DiscordToken == "" {
		return fmt.Errorf("DISCORD_TOKEN is required")
	}
	if c.EnableLiveTransfers {
		if c.WalletAPIURL == "" {
			return fmt.Errorf("WALLET_API_URL is required when ENABLE_LIVE_TRANSFERS is set")
		}
		if c.WalletAPIKey == "" {
			return fmt.Errorf("WALLET_API_KEY is required when ENABLE_LIVE_TRANSFERS is set")
		}
	}
	return nil
}

// AddressPatternMap merges ADDRESS_PATTERNS (a JSON object of network to
// regexp) over the defaults and compiles every entry.
func (c *Config) AddressPatternMap() (map[string]*regexp.Regexp, error) {
	raw := make(map[string]string, len(DefaultAddressPatterns))
	for k, v := range DefaultAddressPatterns {
		raw[k] = v
	}
	if strings.TrimSpace(c.AddressPatterns) != "" {
		var custom map[string]string
		if err := json.Unmarshal([]byte(c.AddressPatterns), &custom); err != nil {
			return nil, fmt.Errorf("ADDRESS_PATTERNS: %w", err)
		}
		for k, v := range custom {
			raw[strings.ToLower(k)] = v
		}
	}
	out := make(map[string]*regexp.Regexp, len(raw))
	for k, v := range raw {
		re, err := regexp.Compile(v)
		if err != nil {
			return nil, fmt.Errorf("ADDRESS_PATTERNS[%s]: %w", k, err)
		}
		out[k] = re
	}
	return out, nil
}

// Templates splits OFFER_TEMPLATES on "|".
func (c *Config) Templates() []string {
	var out []string
	for _, t := range strings.Split(c.OfferTemplates, "|") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (c *Config) MinReplyDelay() time.Duration  { return ms(c.MinReplyDelayMS) }
func (c *Config) MaxReplyDelay() time.Duration  { return ms(c.MaxReplyDelayMS) }
func (c *Config) MinOutboundGap() time.Duration { return ms(c.MinOutboundGapMS) }
func (c *Config) MaxOutboundGap() time.Duration { return ms(c.MaxOutboundGapMS) }
func (c *Config) ActionDelay() time.Duration    { return ms(c.ActionDelayMS) }
func (c *Config) VouchDelay() time.Duration     { return ms(c.VouchDelayMS) }
func (c *Config) OfferCooldown() time.Duration  { return ms(c.OfferCooldownMS) }
