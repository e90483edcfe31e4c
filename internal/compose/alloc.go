package compose

import (
	"github.com/nextlevelbuilder/clawmem/internal/memerr"
)

// Allocation strategies for splitting a composition's token budget.
const (
	StrategyEqual          = "equal"
	StrategyProportional   = "proportional"
	StrategyRecency        = "recency"
	StrategyInverseRecency = "inverse-recency"
	StrategyCustom         = "custom"
)

// componentOverhead is reserved per component for headers and boundaries.
const componentOverhead = 50

// allocInput is what allocation needs to know about one component.
type allocInput struct {
	OriginalTokens int
	Weight         float64
}

// AllocateBudget splits totalBudget across components per the strategy,
// subtracting the per-component overhead. Shares always sum to at most
// the distributable budget; remainders go to the last component.
func AllocateBudget(inputs []allocInput, strategy string, totalBudget int) ([]int, error) {
	n := len(inputs)
	if n == 0 {
		return nil, memerr.E(memerr.KindBadRequest, memerr.CodeValidationFailed,
			"composition needs at least one component")
	}
	distributable := totalBudget - n*componentOverhead
	if distributable < n {
		return nil, memerr.E(memerr.KindBadRequest, memerr.CodeInvalidSettings,
			"budget %d cannot cover %d components", totalBudget, n)
	}

	weights := make([]float64, n)
	switch strategy {
	case StrategyEqual, "":
		for i := range weights {
			weights[i] = 1
		}
	case StrategyProportional:
		for i, in := range inputs {
			w := float64(in.OriginalTokens)
			if w <= 0 {
				w = 1
			}
			weights[i] = w
		}
	case StrategyRecency:
		for i := range weights {
			weights[i] = float64(i + 1)
		}
	case StrategyInverseRecency:
		for i := range weights {
			weights[i] = float64(n - i)
		}
	case StrategyCustom:
		for i, in := range inputs {
			if in.Weight <= 0 {
				return nil, memerr.E(memerr.KindBadRequest, memerr.CodeInvalidSettings,
					"custom allocation requires a positive weight on every component")
			}
			weights[i] = in.Weight
		}
	default:
		return nil, memerr.E(memerr.KindBadRequest, memerr.CodeInvalidSettings,
			"unknown allocation strategy %q", strategy)
	}

	totalWeight := 0.0
	for _, w := range weights {
		totalWeight += w
	}
	shares := make([]int, n)
	assigned := 0
	for i, w := range weights {
		shares[i] = int(float64(distributable) * w / totalWeight)
		assigned += shares[i]
	}
	shares[n-1] += distributable - assigned
	return shares, nil
}

// SuggestAllocation picks a strategy from the component shapes:
// proportional for lopsided sessions, recency for long lists, equal
// otherwise.
func SuggestAllocation(inputs []allocInput) string {
	if len(inputs) == 0 {
		return StrategyEqual
	}
	min, max := inputs[0].OriginalTokens, inputs[0].OriginalTokens
	for _, in := range inputs[1:] {
		if in.OriginalTokens < min {
			min = in.OriginalTokens
		}
		if in.OriginalTokens > max {
			max = in.OriginalTokens
		}
	}
	if min > 0 && float64(max)/float64(min) > 3 {
		return StrategyProportional
	}
	if len(inputs) > 5 {
		return StrategyRecency
	}
	return StrategyEqual
}
