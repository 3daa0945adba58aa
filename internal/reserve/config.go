// Package reserve decodes the packed per-reserve configuration word kept by the lending pool.
package reserve

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// Bit layout of the configuration word. Ranges never overlap.
const (
	LTVOffset                  = 0
	LiquidationThresholdOffset = 16
	LiquidationBonusOffset     = 32
	DecimalsOffset             = 48
	ActiveBit                  = 56
	FrozenBit                  = 57
	BorrowingEnabledBit        = 58
	StableBorrowingEnabledBit  = 59
	ReserveFactorOffset        = 64

	percentWidth  = 16
	decimalsWidth = 8
)

// Config is the decoded view of one configuration word. Percent fields are in basis points.
type Config struct {
	LTV                    uint64 `json:"ltv_bps"`
	LiquidationThreshold   uint64 `json:"liquidation_threshold_bps"`
	LiquidationBonus       uint64 `json:"liquidation_bonus_bps"`
	Decimals               uint64 `json:"decimals"`
	IsActive               bool   `json:"is_active"`
	IsFrozen               bool   `json:"is_frozen"`
	BorrowingEnabled       bool   `json:"borrowing_enabled"`
	StableBorrowingEnabled bool   `json:"stable_borrowing_enabled"`
	ReserveFactor          uint64 `json:"reserve_factor_bps"`
}

// Decode never fails; a nil or zero word decodes to all-false/zero fields.
// The result says nothing about whether the reserve exists.
func Decode(word *uint256.Int) Config {
	if word == nil {
		return Config{}
	}
	return Config{
		LTV:                    field(word, LTVOffset, percentWidth),
		LiquidationThreshold:   field(word, LiquidationThresholdOffset, percentWidth),
		LiquidationBonus:       field(word, LiquidationBonusOffset, percentWidth),
		Decimals:               field(word, DecimalsOffset, decimalsWidth),
		IsActive:               field(word, ActiveBit, 1) == 1,
		IsFrozen:               field(word, FrozenBit, 1) == 1,
		BorrowingEnabled:       field(word, BorrowingEnabledBit, 1) == 1,
		StableBorrowingEnabled: field(word, StableBorrowingEnabledBit, 1) == 1,
		ReserveFactor:          field(word, ReserveFactorOffset, percentWidth),
	}
}

// DecodeBig decodes a word read through go-ethereum's abi package. Values wider than
// 256 bits are truncated, negative values decode as zero.
func DecodeBig(word *big.Int) Config {
	if word == nil || word.Sign() < 0 {
		return Config{}
	}
	w, _ := uint256.FromBig(word)
	return Decode(w)
}

// ParseWord accepts a decimal or 0x-prefixed hex configuration word.
func ParseWord(raw string) (*uint256.Int, error) {
	clean := strings.TrimSpace(raw)
	if clean == "" {
		return nil, fmt.Errorf("empty configuration word")
	}
	n, ok := new(big.Int).SetString(clean, 0)
	if !ok {
		return nil, fmt.Errorf("invalid configuration word %q", raw)
	}
	if n.Sign() < 0 {
		return nil, fmt.Errorf("configuration word must be unsigned")
	}
	w, overflow := uint256.FromBig(n)
	if overflow {
		return nil, fmt.Errorf("configuration word exceeds 256 bits")
	}
	return w, nil
}

func field(word *uint256.Int, offset, width uint) uint64 {
	v := new(uint256.Int).Rsh(word, offset)
	mask := new(uint256.Int).Lsh(uint256.NewInt(1), width)
	mask.SubUint64(mask, 1)
	return v.And(v, mask).Uint64()
}

// Percent renders basis points as a percentage string, e.g. 8250 -> "82.50%".
func Percent(bps uint64) string {
	return fmt.Sprintf("%d.%02d%%", bps/100, bps%100)
}
