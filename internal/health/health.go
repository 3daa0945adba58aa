// Package health reads account snapshots from the pool and interprets the health factor.
package health

import (
	"context"
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/lendpool-cli/internal/amount"
	"github.com/ggonzalez94/lendpool-cli/internal/protocol"
	"github.com/ggonzalez94/lendpool-cli/internal/reserve"
)

// Health factor interpretation policy. These are display rules, not protocol values.
const (
	DefaultAtRisk   = 1.5
	DefaultHealthy  = 2.0
	DefaultInfinite = 1e6
)

// FactorDecimals is the fixed-point scale of the pool's health factor.
const FactorDecimals = 18

type Band string

const (
	BandUnconstrained Band = "unconstrained"
	BandHealthy       Band = "healthy"
	BandModerate      Band = "moderate"
	BandAtRisk        Band = "at_risk"
)

// Thresholds are health factor boundaries expressed as plain ratios.
// A factor below AtRisk is at risk, at or above Healthy is healthy, and
// at or above Infinite carries no meaningful ceiling.
type Thresholds struct {
	AtRisk   float64 `json:"at_risk"`
	Healthy  float64 `json:"healthy"`
	Infinite float64 `json:"infinite"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{AtRisk: DefaultAtRisk, Healthy: DefaultHealthy, Infinite: DefaultInfinite}
}

// Snapshot is the normalized account state at one point in time.
type Snapshot struct {
	User                 common.Address
	TotalCollateral      *big.Int
	TotalDebt            *big.Int
	AvailableToBorrow    *big.Int
	LiquidationThreshold *big.Int
	LTV                  *big.Int
	HealthFactor         *big.Int
	Infinite             bool
	Band                 Band
}

// NoDebt reports whether the account currently owes nothing.
func (s Snapshot) NoDebt() bool {
	return s.TotalDebt == nil || s.TotalDebt.Sign() == 0
}

// FactorDisplay renders the health factor, or "infinite" past the threshold.
func (s Snapshot) FactorDisplay() string {
	if s.Infinite {
		return "infinite"
	}
	return amount.Format(s.HealthFactor, FactorDecimals)
}

type snapshotJSON struct {
	User                    string `json:"user"`
	TotalCollateral         string `json:"total_collateral"`
	TotalDebt               string `json:"total_debt"`
	AvailableToBorrow       string `json:"available_to_borrow"`
	LiquidationThresholdBps string `json:"liquidation_threshold_bps"`
	LiquidationThreshold    string `json:"liquidation_threshold"`
	LTVBps                  string `json:"ltv_bps"`
	LTV                     string `json:"ltv"`
	HealthFactorRaw         string `json:"health_factor_raw"`
	HealthFactor            string `json:"health_factor"`
	Infinite                bool   `json:"infinite"`
	Band                    Band   `json:"band"`
}

func (s Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(snapshotJSON{
		User:                    s.User.Hex(),
		TotalCollateral:         bigString(s.TotalCollateral),
		TotalDebt:               bigString(s.TotalDebt),
		AvailableToBorrow:       bigString(s.AvailableToBorrow),
		LiquidationThresholdBps: bigString(s.LiquidationThreshold),
		LiquidationThreshold:    bpsPercent(s.LiquidationThreshold),
		LTVBps:                  bigString(s.LTV),
		LTV:                     bpsPercent(s.LTV),
		HealthFactorRaw:         bigString(s.HealthFactor),
		HealthFactor:            s.FactorDisplay(),
		Infinite:                s.Infinite,
		Band:                    s.Band,
	})
}

func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var raw snapshotJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = Snapshot{
		User:                 common.HexToAddress(raw.User),
		TotalCollateral:      parseBig(raw.TotalCollateral),
		TotalDebt:            parseBig(raw.TotalDebt),
		AvailableToBorrow:    parseBig(raw.AvailableToBorrow),
		LiquidationThreshold: parseBig(raw.LiquidationThresholdBps),
		LTV:                  parseBig(raw.LTVBps),
		HealthFactor:         parseBig(raw.HealthFactorRaw),
		Infinite:             raw.Infinite,
		Band:                 raw.Band,
	}
	return nil
}

// Normalize builds a snapshot from a raw account read. A zero debt is always
// unconstrained whatever the reported factor.
func (t Thresholds) Normalize(user common.Address, data protocol.AccountData) Snapshot {
	s := Snapshot{
		User:                 user,
		TotalCollateral:      orZero(data.TotalCollateral),
		TotalDebt:            orZero(data.TotalDebt),
		AvailableToBorrow:    orZero(data.AvailableToBorrow),
		LiquidationThreshold: orZero(data.LiquidationThreshold),
		LTV:                  orZero(data.LTV),
		HealthFactor:         orZero(data.HealthFactor),
	}
	s.Band, s.Infinite = t.Classify(s.HealthFactor, s.TotalDebt)
	return s
}

// Classify returns the band for a raw 18-decimal health factor.
func (t Thresholds) Classify(factor, totalDebt *big.Int) (Band, bool) {
	if totalDebt == nil || totalDebt.Sign() == 0 {
		return BandUnconstrained, true
	}
	if factor == nil {
		factor = new(big.Int)
	}
	switch {
	case factor.Cmp(toWad(t.Infinite)) >= 0:
		return BandUnconstrained, true
	case factor.Cmp(toWad(t.AtRisk)) < 0:
		return BandAtRisk, false
	case factor.Cmp(toWad(t.Healthy)) >= 0:
		return BandHealthy, false
	default:
		return BandModerate, false
	}
}

// Reporter reads account snapshots.
type Reporter struct {
	pool       protocol.Pool
	thresholds Thresholds
}

func NewReporter(pool protocol.Pool, thresholds Thresholds) *Reporter {
	return &Reporter{pool: pool, thresholds: thresholds}
}

func (r *Reporter) Thresholds() Thresholds { return r.thresholds }

func (r *Reporter) Snapshot(ctx context.Context, user common.Address) (Snapshot, error) {
	data, err := r.pool.UserAccountData(ctx, user)
	if err != nil {
		return Snapshot{}, err
	}
	return r.thresholds.Normalize(user, data), nil
}

func toWad(ratio float64) *big.Int {
	scaled := new(big.Float).SetFloat64(ratio)
	scaled.Mul(scaled, new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(FactorDecimals), nil)))
	out, _ := scaled.Int(nil)
	return out
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseBig(raw string) *big.Int {
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return new(big.Int)
	}
	return v
}

func bpsPercent(v *big.Int) string {
	if v == nil || !v.IsUint64() {
		return "0.00%"
	}
	return reserve.Percent(v.Uint64())
}
