// Package calc implements the deterministic commission calculator: a base
// amount in minor units plus an ordered multiplier stack produces a final
// amount with an auditable per-step breakdown.
//
// Multipliers are applied strictly in the given order. Each step contributes
//
//	delta_i = round(running * (factor_i - 1))
//
// rounded half-up to the nearest minor unit, and the running amount advances
// by exactly delta_i. Because rounding happens once per step and the running
// amount is carried in integers, base + Σ delta always equals the final
// amount with no residual drift. The same property makes any stored record
// independently recomputable from its multiplier stack.
//
// All monetary math uses shopspring/decimal — never float64 for money.
package calc

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/chatline/commission-engine/internal/model"
)

var (
	// ErrNegativeBase is returned when the base amount is below zero.
	ErrNegativeBase = errors.New("calc: base amount must not be negative")

	// ErrFactorBelowOne is returned when any multiplier factor is < 1.0.
	// Factors are bonuses; the calculator never discounts.
	ErrFactorBelowOne = errors.New("calc: multiplier factor must be >= 1.0")
)

var one = decimal.NewFromInt(1)

// Result is the outcome of a computation: the final amount and the ordered
// per-step contributions.
type Result struct {
	Amount    int64
	Breakdown []model.BreakdownStep
}

// Compute applies the multiplier stack to baseAmount. It validates inputs
// and never silently clamps: a negative base or a factor below 1.0 is a
// caller defect, rejected before any work.
func Compute(baseAmount int64, multipliers []model.Multiplier) (Result, error) {
	if baseAmount < 0 {
		return Result{}, fmt.Errorf("%w: %d", ErrNegativeBase, baseAmount)
	}
	for _, m := range multipliers {
		if m.Factor.LessThan(one) {
			return Result{}, fmt.Errorf("%w: %s=%s", ErrFactorBelowOne, m.Label, m.Factor)
		}
	}

	running := baseAmount
	breakdown := make([]model.BreakdownStep, 0, len(multipliers))

	for _, m := range multipliers {
		// decimal.Round rounds half away from zero; deltas are never
		// negative here, so this is exactly round-half-up.
		delta := decimal.NewFromInt(running).
			Mul(m.Factor.Sub(one)).
			Round(0).
			IntPart()
		running += delta
		breakdown = append(breakdown, model.BreakdownStep{Label: m.Label, Delta: delta})
	}

	return Result{Amount: running, Breakdown: breakdown}, nil
}

// Recompute re-runs the calculation stored on a record and reports whether
// the stored amount still matches. Used by audit checks and tests.
func Recompute(r *model.CommissionRecord) (bool, error) {
	res, err := Compute(r.BaseAmount, r.Multipliers)
	if err != nil {
		return false, err
	}
	return res.Amount == r.Amount, nil
}
