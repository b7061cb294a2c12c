package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "10", want: "10"},
		{in: "$10.5", want: "10.5"},
		{in: "1,250.00", want: "1250"},
		{in: "0.01", want: "0.01"},
		{in: "1.234", wantErr: true},
		{in: "-5", wantErr: true},
		{in: "", wantErr: true},
		{in: "abc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, got.Equal(decimal.RequireFromString(tt.want)), "got %s", got)
		})
	}
}

func TestWithTax(t *testing.T) {
	rate := decimal.RequireFromString("0.05")
	assert.Equal(t, "10.50", WithTax(decimal.NewFromInt(10), rate).StringFixed(2))
	// 0.15 * 1.05 = 0.1575 -> 0.16
	assert.Equal(t, "0.16", WithTax(decimal.RequireFromString("0.15"), rate).StringFixed(2))
	// 0.05 * 1.05 = 0.0525 -> 0.05
	assert.Equal(t, "0.05", WithTax(decimal.RequireFromString("0.05"), rate).StringFixed(2))
}

func TestAgreeAndFormat(t *testing.T) {
	assert.True(t, Agree(decimal.RequireFromString("20"), decimal.RequireFromString("20.01")))
	assert.False(t, Agree(decimal.RequireFromString("20"), decimal.RequireFromString("20.02")))
	assert.Equal(t, "20", Format(decimal.RequireFromString("20.00")))
	assert.Equal(t, "10.50", Format(decimal.RequireFromString("10.5")))
}
