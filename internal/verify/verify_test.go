package verify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/susu3304/wagerbot/internal/config"
)

func TestScenarios(t *testing.T) {
	base, err := config.Defaults()
	require.NoError(t, err)

	for _, sc := range Scenarios() {
		t.Run(sc.Name, func(t *testing.T) {
			assert.NoError(t, runOne(context.Background(), base, sc))
		})
	}
}

func TestRunReportsEveryScenario(t *testing.T) {
	base, err := config.Defaults()
	require.NoError(t, err)

	results := Run(context.Background(), base)
	require.Len(t, results, len(Scenarios()))
	for _, r := range results {
		assert.True(t, r.Passed(), "%s: %v", r.Name, r.Err)
	}
}

func TestConfigPinsIdentities(t *testing.T) {
	base, err := config.Defaults()
	require.NoError(t, err)
	base.WebBind = ":8080"
	base.VerificationMode = true

	cfg := Config(base, t.TempDir())
	assert.Empty(t, cfg.WebBind)
	assert.False(t, cfg.VerificationMode)
	assert.Equal(t, []string{coordinator}, cfg.CoordinatorIDs)
	assert.Equal(t, ":8080", base.WebBind, "base config is not modified")
}
