// Package odds computes pari-mutuel payout multipliers for a round.
package odds

import (
	"github.com/shopspring/decimal"

	"daily-wager-bot/internal/model"
)

// Calculate returns the payout multipliers for the given settled-wager counts.
// Rules:
//   - rate(side) = (a + b) / count(side) * (1 - fee)
//   - a side with no settled wagers has a "not applicable" rate
func Calculate(countA, countB int64, fee decimal.Decimal) model.Rates {
	return model.Rates{
		A: sideRate(countA, countA+countB, fee),
		B: sideRate(countB, countA+countB, fee),
	}
}

func sideRate(count, total int64, fee decimal.Decimal) model.Rate {
	if count <= 0 {
		return model.Rate{}
	}
	// Multiply before dividing so exact ratios stay exact.
	pool := decimal.NewFromInt(total).Mul(decimal.NewFromInt(1).Sub(fee))
	return model.NewRate(pool.Div(decimal.NewFromInt(count)))
}

// Payout returns the amount owed for settled winning wagers.
// The rate is truncated to display precision before multiplying and the
// result is truncated again, so users are paid exactly what they were shown.
func Payout(wagerAmount decimal.Decimal, rate model.Rate, settledWins int) decimal.Decimal {
	if !rate.Valid || settledWins <= 0 {
		return decimal.Zero
	}
	shown := rate.Value.Truncate(model.DisplayPrecision)
	total := wagerAmount.Mul(shown).Mul(decimal.NewFromInt(int64(settledWins)))
	return total.Truncate(model.DisplayPrecision)
}

// FormatAmount renders an amount truncated to display precision.
func FormatAmount(amount decimal.Decimal) string {
	return amount.Truncate(model.DisplayPrecision).String()
}
