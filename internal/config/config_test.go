package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Defaults()
	require.NoError(t, err)

	assert.Equal(t, "ltc", cfg.PaymentNetwork)
	assert.False(t, cfg.EnableLiveTransfers)
	assert.Equal(t, "0.05", cfg.TaxRate.String())
	assert.Equal(t, 2*time.Second, cfg.MinReplyDelay())
	assert.Equal(t, 3*time.Second, cfg.MaxReplyDelay())
	assert.Equal(t, 8*time.Second, cfg.OfferCooldown())
	assert.Equal(t, 5, cfg.WinsNeeded)
	assert.Equal(t, PolicyCoordinator, cfg.AddressSenderPolicy)
	assert.Equal(t, []string{"ticket", "order-"}, cfg.SessionNamePatterns)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("COORDINATOR_IDS", "111,222")
	t.Setenv("ADDRESS_SENDER_POLICY", " Trusted ")
	t.Setenv("TAX_RATE", "0.1")
	t.Setenv("OFFER_TTL", "5m")

	cfg, err := Defaults()
	require.NoError(t, err)
	assert.Equal(t, []string{"111", "222"}, cfg.CoordinatorIDs)
	assert.Equal(t, PolicyTrusted, cfg.AddressSenderPolicy)
	assert.Equal(t, "0.1", cfg.TaxRate.String())
	assert.Equal(t, 5*time.Minute, cfg.OfferTTL)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"negative tax", map[string]string{"TAX_RATE": "-0.01"}},
		{"reply delay inverted", map[string]string{"MIN_REPLY_DELAY_MS": "3000", "MAX_REPLY_DELAY_MS": "2000"}},
		{"gap inverted", map[string]string{"MIN_OUTBOUND_GAP_MS": "3000", "MAX_OUTBOUND_GAP_MS": "1000"}},
		{"zero max amount", map[string]string{"OFFER_MAX_AMOUNT": "0"}},
		{"per tx below min", map[string]string{"MIN_PAYMENT_USD": "10", "MAX_PAYMENT_PER_TX_USD": "5"}},
		{"daily below per tx", map[string]string{"MAX_DAILY_USD": "50"}},
		{"zero wins", map[string]string{"WINS_NEEDED": "0"}},
		{"unknown policy", map[string]string{"ADDRESS_SENDER_POLICY": "anyone"}},
		{"bad dice pattern", map[string]string{"DICE_RESULT_PATTERN": "("}},
		{"bad custom address pattern", map[string]string{"ADDRESS_PATTERNS": `{"ltc":"("}`}},
		{"network without pattern", map[string]string{"PAYMENT_NETWORK": "xmr"}},
		{"empty dice command", map[string]string{"DICE_COMMAND_TOKEN": " "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Defaults()
			assert.Error(t, err)
		})
	}
}

func TestRequireRun(t *testing.T) {
	cfg, err := Defaults()
	require.NoError(t, err)

	assert.Error(t, cfg.RequireRun())

	cfg.DiscordToken = "token"
	assert.NoError(t, cfg.RequireRun())

	cfg.EnableLiveTransfers = true
	assert.Error(t, cfg.RequireRun())
	cfg.WalletAPIURL = "http://signer"
	cfg.WalletAPIKey = "key"
	assert.NoError(t, cfg.RequireRun())
}

func TestAddressPatternMap(t *testing.T) {
	cfg, err := Defaults()
	require.NoError(t, err)
	cfg.AddressPatterns = `{"XMR":"\\b(4[0-9AB][1-9A-HJ-NP-Za-km-z]{93})\\b"}`

	pats, err := cfg.AddressPatternMap()
	require.NoError(t, err)
	assert.Contains(t, pats, "xmr")
	assert.Contains(t, pats, "ltc")
	assert.True(t, pats["ltc"].MatchString("LQ3B36Yv2rBTxdgAdYpU2UcEZsaNwXeATk"))

	cfg.AddressPatterns = "not json"
	_, err = cfg.AddressPatternMap()
	assert.Error(t, err)
}

func TestTemplates(t *testing.T) {
	cfg := &Config{OfferTemplates: "im down| bet ||ill take it "}
	assert.Equal(t, []string{"im down", "bet", "ill take it"}, cfg.Templates())
}
