// Package pricing converts token and audio usage into BRL cents for the
// credit ledger. All arithmetic is exact decimal; rounding happens once,
// upward, at the cent boundary so the platform never undercharges.
package pricing

import (
	"math"

	"github.com/shopspring/decimal"
)

// Rates carries the configured unit prices.
type Rates struct {
	TextInputPerMTokUSD  float64
	TextOutputPerMTokUSD float64
	TextCachedPerMTokUSD float64
	WhisperPerMinuteUSD  float64
	USDToBRL             float64
	CharsPerToken        float64
}

// estimate pre-check pad: charge checks assume 25% above the estimate so
// a borderline balance cannot go negative on the real debit.
const estimatePadPercent = 25

var mTok = decimal.NewFromInt(1_000_000)

// TextCostCents prices one completion from its actual usage counters.
// Cached prompt tokens are billed at the cached rate, the remainder at
// the input rate.
func (r Rates) TextCostCents(promptTokens, completionTokens, cachedTokens int) int64 {
	if cachedTokens > promptTokens {
		cachedTokens = promptTokens
	}
	fresh := decimal.NewFromInt(int64(promptTokens - cachedTokens))
	cached := decimal.NewFromInt(int64(cachedTokens))
	completion := decimal.NewFromInt(int64(completionTokens))

	usd := fresh.Mul(decimal.NewFromFloat(r.TextInputPerMTokUSD)).
		Add(cached.Mul(decimal.NewFromFloat(r.TextCachedPerMTokUSD))).
		Add(completion.Mul(decimal.NewFromFloat(r.TextOutputPerMTokUSD))).
		Div(mTok)
	return toCentsBRL(usd, r.USDToBRL)
}

// EstimateTextCents prices a message before the model runs: the prompt is
// estimated from character count, the completion from the session's
// moving average (clamped to [64, maxTokens], defaulting to
// min(300, maxTokens) with no sample), plus the pre-check pad.
func (r Rates) EstimateTextCents(promptChars, avgCompletionTokens, maxTokens int) int64 {
	charsPerToken := r.CharsPerToken
	if charsPerToken <= 0 {
		charsPerToken = 4.0
	}
	promptTokens := int(math.Ceil(float64(promptChars) / charsPerToken))

	completionTokens := avgCompletionTokens
	if completionTokens <= 0 {
		completionTokens = 300
		if maxTokens > 0 && completionTokens > maxTokens {
			completionTokens = maxTokens
		}
	} else {
		if completionTokens < 64 {
			completionTokens = 64
		}
		if maxTokens > 0 && completionTokens > maxTokens {
			completionTokens = maxTokens
		}
	}

	base := r.TextCostCents(promptTokens, completionTokens, 0)
	padded := decimal.NewFromInt(base).
		Mul(decimal.NewFromInt(100 + estimatePadPercent)).
		Div(decimal.NewFromInt(100))
	return padded.Ceil().IntPart()
}

// WhisperCostCents prices a transcription by duration. Partial minutes
// bill as whole minutes.
func (r Rates) WhisperCostCents(durationSeconds int) int64 {
	if durationSeconds <= 0 {
		return 0
	}
	minutes := decimal.NewFromInt(int64((durationSeconds + 59) / 60))
	usd := minutes.Mul(decimal.NewFromFloat(r.WhisperPerMinuteUSD))
	return toCentsBRL(usd, r.USDToBRL)
}

func toCentsBRL(usd decimal.Decimal, rate float64) int64 {
	cents := usd.Mul(decimal.NewFromFloat(rate)).Mul(decimal.NewFromInt(100))
	return cents.Ceil().IntPart()
}
