package health

import "math/big"

// Transition labels for before/after comparisons where a percentage is meaningless.
const (
	TransitionIncreased   = "increased"
	TransitionDecreased   = "decreased"
	TransitionUnchanged   = "unchanged"
	TransitionDebtCleared = "debt fully cleared"
	TransitionInfinite    = "became infinite"
	TransitionDebtOpened  = "debt opened"
	TransitionNoDebt      = "unchanged (no debt)"
)

// Delta compares the health factor of two snapshots.
type Delta struct {
	Before     string   `json:"before"`
	After      string   `json:"after"`
	Percent    *float64 `json:"percent,omitempty"`
	Transition string   `json:"transition"`
}

// Compare computes a signed percentage change only when both factors are finite.
func Compare(before, after Snapshot) Delta {
	d := Delta{Before: before.FactorDisplay(), After: after.FactorDisplay()}
	switch {
	case before.Infinite && after.Infinite:
		d.Transition = TransitionNoDebt
	case !before.Infinite && after.Infinite:
		if after.NoDebt() {
			d.Transition = TransitionDebtCleared
		} else {
			d.Transition = TransitionInfinite
		}
	case before.Infinite && !after.Infinite:
		d.Transition = TransitionDebtOpened
	default:
		cmp := after.HealthFactor.Cmp(before.HealthFactor)
		switch {
		case cmp > 0:
			d.Transition = TransitionIncreased
		case cmp < 0:
			d.Transition = TransitionDecreased
		default:
			d.Transition = TransitionUnchanged
		}
		if before.HealthFactor.Sign() > 0 {
			pct := percentChange(before.HealthFactor, after.HealthFactor)
			d.Percent = &pct
		}
	}
	return d
}

func percentChange(before, after *big.Int) float64 {
	diff := new(big.Float).SetInt(new(big.Int).Sub(after, before))
	diff.Mul(diff, big.NewFloat(100))
	diff.Quo(diff, new(big.Float).SetInt(before))
	out, _ := diff.Float64()
	return out
}
