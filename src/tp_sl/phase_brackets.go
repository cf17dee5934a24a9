package tp_sl

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"phasedexecutor/src/model"
)

var (
	// ErrBadPhaseCount is returned when a template does not carry exactly
	// four phase entries.
	ErrBadPhaseCount = errors.New("exit template must have exactly four phases")

	// ErrSellSplit is returned when the sell percentages do not sum to 100.
	ErrSellSplit = errors.New("sell percentages must sum to 100")
)

var (
	hundred      = decimal.NewFromInt(100)
	splitEpsilon = decimal.RequireFromString("0.01")
)

// AllocateShares splits totalShares across the four phases:
// floor(total * sell_pct / 100) for phases 1-3, the exact remainder for
// phase 4. The returned counts always sum to totalShares.
func AllocateShares(totalShares int64, phases []model.ExitTemplatePhase) ([]int64, error) {
	if len(phases) != model.NumPhases {
		return nil, ErrBadPhaseCount
	}

	shares := make([]int64, model.NumPhases)
	var allocated int64

	total := decimal.NewFromInt(totalShares)
	for i := 0; i < model.NumPhases-1; i++ {
		n := total.Mul(phases[i].SellPct).Div(hundred).Floor().IntPart()
		shares[i] = n
		allocated += n
	}

	// Last phase absorbs the rounding remainder.
	shares[model.NumPhases-1] = totalShares - allocated
	if shares[model.NumPhases-1] < 0 {
		return nil, fmt.Errorf("phase share allocation overflow: total=%d allocated=%d", totalShares, allocated)
	}

	return shares, nil
}

// PhasePrices derives the absolute take-profit and stop-loss prices for a
// phase from the reference price. tpPct is positive, slPct is signed
// (negative for below-reference stops). Prices are rounded to cents.
func PhasePrices(reference, tpPct, slPct decimal.Decimal) (tp, sl decimal.Decimal) {
	tp = reference.Mul(hundred.Add(tpPct)).Div(hundred).Round(2)
	sl = reference.Mul(hundred.Add(slPct)).Div(hundred).Round(2)
	return tp, sl
}

// PhasePnl computes the realized profit of a tranche:
// (fillPrice - entryPrice) * shares.
func PhasePnl(entryPrice, fillPrice decimal.Decimal, shares int64) decimal.Decimal {
	return fillPrice.Sub(entryPrice).Mul(decimal.NewFromInt(shares))
}

// ValidateSellSplit checks the four sell percentages sum to 100 within a
// 0.01 tolerance.
func ValidateSellSplit(phases []model.ExitTemplatePhase) error {
	if len(phases) != model.NumPhases {
		return ErrBadPhaseCount
	}

	sum := decimal.Zero
	for _, p := range phases {
		sum = sum.Add(p.SellPct)
	}

	if sum.Sub(hundred).Abs().GreaterThan(splitEpsilon) {
		return fmt.Errorf("%w: got %s", ErrSellSplit, sum.String())
	}
	return nil
}

// ValidateBreakevenOrBetter enforces the strategy's core guarantee as a
// property of the configuration: once phase 1's take-profit fires, every
// later phase's stop-loss price must sit at or above the entry price,
// which requires stop_loss_pct >= 0 for phases 2 and up.
func ValidateBreakevenOrBetter(phases []model.ExitTemplatePhase) error {
	if len(phases) != model.NumPhases {
		return ErrBadPhaseCount
	}

	for _, p := range phases {
		if p.PhaseNumber <= 1 {
			continue
		}
		if p.StopLossPct.IsNegative() {
			return fmt.Errorf(
				"phase %d stop_loss_pct %s breaks the breakeven-or-better guarantee",
				p.PhaseNumber, p.StopLossPct.String(),
			)
		}
	}
	return nil
}
