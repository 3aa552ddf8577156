package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testRates() Rates {
	return Rates{
		TextInputPerMTokUSD:  100,
		TextOutputPerMTokUSD: 200,
		TextCachedPerMTokUSD: 50,
		WhisperPerMinuteUSD:  0.006,
		USDToBRL:             5,
		CharsPerToken:        4,
	}
}

func TestTextCostCents(t *testing.T) {
	r := testRates()

	tests := []struct {
		name       string
		prompt     int
		completion int
		cached     int
		want       int64
	}{
		{"prompt only", 1_000_000, 0, 0, 50_000},
		{"completion only", 0, 1_000_000, 0, 100_000},
		{"cached billed at cached rate", 1_000_000, 0, 1_000_000, 25_000},
		{"cached clamped to prompt", 100, 0, 200, 1},
		{"fraction of a cent rounds up", 1, 0, 0, 1},
		{"zero usage is free", 0, 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.TextCostCents(tt.prompt, tt.completion, tt.cached))
		})
	}
}

func TestEstimateTextCents(t *testing.T) {
	r := testRates()

	// 4000 chars / 4 chars per token = 1000 prompt tokens
	tests := []struct {
		name      string
		avg       int
		maxTokens int
		want      int64
	}{
		// completion defaults to 300 with no sample
		{"no average uses default", 0, 2000, 100},
		// default capped by max tokens
		{"no average capped by max", 0, 100, 75},
		// small averages clamp up to 64
		{"tiny average clamps to floor", 10, 2000, 72},
		// large averages clamp down to max tokens
		{"huge average clamps to max", 5000, 1000, 188},
		// in-range average used as is
		{"average in range", 300, 2000, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.EstimateTextCents(4000, tt.avg, tt.maxTokens))
		})
	}
}

func TestEstimatePadsAboveActual(t *testing.T) {
	r := testRates()
	actual := r.TextCostCents(1000, 300, 0)
	estimate := r.EstimateTextCents(4000, 300, 2000)
	assert.Greater(t, estimate, actual)
}

func TestWhisperCostCents(t *testing.T) {
	r := testRates()

	// 0.006 USD/min * 5 BRL/USD = 3 cents per minute, whole minutes only
	assert.Equal(t, int64(3), r.WhisperCostCents(60))
	assert.Equal(t, int64(3), r.WhisperCostCents(30))
	assert.Equal(t, int64(6), r.WhisperCostCents(61))
	assert.Equal(t, int64(6), r.WhisperCostCents(120))
	assert.Equal(t, int64(0), r.WhisperCostCents(0))
	assert.Equal(t, int64(15), r.WhisperCostCents(300))
}

func TestEstimateZeroCharsPerTokenFallsBack(t *testing.T) {
	r := testRates()
	r.CharsPerToken = 0
	// falls back to 4 chars per token, same result as the default
	assert.Equal(t, testRates().EstimateTextCents(4000, 300, 2000), r.EstimateTextCents(4000, 300, 2000))
}
