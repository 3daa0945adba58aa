// Package classify maps raw failure text from the lending pool to a closed set of error kinds.
package classify

import (
	"regexp"
	"strings"
)

type Kind string

const (
	KindPaused                    Kind = "Paused"
	KindReserveInactive           Kind = "ReserveInactive"
	KindReserveFrozen             Kind = "ReserveFrozen"
	KindInvalidAmount             Kind = "InvalidAmount"
	KindInsufficientCollateral    Kind = "InsufficientCollateral"
	KindBelowLiquidationThreshold Kind = "BelowLiquidationThreshold"
	KindInsufficientLiquidity     Kind = "InsufficientLiquidity"
	KindNoMatchingDebt            Kind = "NoMatchingDebt"
	KindAmountExceedsDebt         Kind = "AmountExceedsDebt"
	KindUnrecognized              Kind = "Unrecognized"

	// Raised locally rather than reported by the protocol.
	KindMissingConfiguration Kind = "MissingConfiguration"
	KindValidation           Kind = "Validation"
	KindUnconfirmed          Kind = "Unconfirmed"
)

// ProtocolKinds is the closed set Classify can return.
var ProtocolKinds = []Kind{
	KindPaused,
	KindReserveInactive,
	KindReserveFrozen,
	KindInvalidAmount,
	KindInsufficientCollateral,
	KindBelowLiquidationThreshold,
	KindInsufficientLiquidity,
	KindNoMatchingDebt,
	KindAmountExceedsDebt,
	KindUnrecognized,
}

// protocolCode is one entry of the lending pool's numeric revert code table.
type protocolCode struct {
	Code string
	Name string
	Kind Kind
}

var codeTable = []protocolCode{
	{"1", "VL_INVALID_AMOUNT", KindInvalidAmount},
	{"2", "VL_NO_ACTIVE_RESERVE", KindReserveInactive},
	{"3", "VL_RESERVE_FROZEN", KindReserveFrozen},
	{"4", "VL_CURRENT_AVAILABLE_LIQUIDITY_NOT_ENOUGH", KindInsufficientLiquidity},
	{"5", "VL_NOT_ENOUGH_AVAILABLE_USER_BALANCE", KindInvalidAmount},
	{"6", "VL_TRANSFER_NOT_ALLOWED", KindBelowLiquidationThreshold},
	{"7", "VL_BORROWING_NOT_ENABLED", KindUnrecognized},
	{"8", "VL_INVALID_INTEREST_RATE_MODE_SELECTED", KindUnrecognized},
	{"9", "VL_COLLATERAL_BALANCE_IS_0", KindInsufficientCollateral},
	{"10", "VL_HEALTH_FACTOR_LOWER_THAN_LIQUIDATION_THRESHOLD", KindBelowLiquidationThreshold},
	{"11", "VL_COLLATERAL_CANNOT_COVER_NEW_BORROW", KindInsufficientCollateral},
	{"12", "VL_STABLE_BORROWING_NOT_ENABLED", KindUnrecognized},
	{"13", "VL_COLLATERAL_SAME_AS_BORROWING_CURRENCY", KindUnrecognized},
	{"14", "VL_AMOUNT_BIGGER_THAN_MAX_LOAN_SIZE_STABLE", KindInsufficientLiquidity},
	{"15", "VL_NO_DEBT_OF_SELECTED_TYPE", KindNoMatchingDebt},
	{"16", "VL_NO_EXPLICIT_AMOUNT_TO_REPAY_ON_BEHALF", KindInvalidAmount},
	{"17", "VL_NO_STABLE_RATE_LOAN_IN_RESERVE", KindNoMatchingDebt},
	{"18", "VL_NO_VARIABLE_RATE_LOAN_IN_RESERVE", KindNoMatchingDebt},
	{"19", "VL_UNDERLYING_BALANCE_NOT_GREATER_THAN_0", KindInvalidAmount},
	{"21", "LP_NOT_ENOUGH_STABLE_BORROW_BALANCE", KindNoMatchingDebt},
	{"24", "LP_NOT_ENOUGH_LIQUIDITY_TO_BORROW", KindInsufficientLiquidity},
	{"25", "LP_REQUESTED_AMOUNT_TOO_SMALL", KindInvalidAmount},
	{"64", "LP_IS_PAUSED", KindPaused},
}

// Checked in order after the numeric table misses.
var fragmentTable = []struct {
	Fragment string
	Kind     Kind
}{
	{"is paused", KindPaused},
	{"paused", KindPaused},
	{"reserve frozen", KindReserveFrozen},
	{"frozen", KindReserveFrozen},
	{"no active reserve", KindReserveInactive},
	{"reserve inactive", KindReserveInactive},
	{"not active", KindReserveInactive},
	{"exceeds debt", KindAmountExceedsDebt},
	{"burn amount exceeds balance", KindAmountExceedsDebt},
	{"no debt of selected type", KindNoMatchingDebt},
	{"no debt", KindNoMatchingDebt},
	{"health factor", KindBelowLiquidationThreshold},
	{"liquidation threshold", KindBelowLiquidationThreshold},
	{"cannot cover", KindInsufficientCollateral},
	{"collateral", KindInsufficientCollateral},
	{"liquidity", KindInsufficientLiquidity},
	{"invalid amount", KindInvalidAmount},
}

var hints = map[Kind]string{
	KindPaused:                    "the lending pool is paused; retry after it is unpaused",
	KindReserveInactive:           "the reserve is not active; check the asset address or reserve initialization",
	KindReserveFrozen:             "the reserve is frozen; new supply and borrow are blocked",
	KindInvalidAmount:             "the amount is invalid for this operation; check the amount and available balance",
	KindInsufficientCollateral:    "collateral is insufficient for the requested borrow",
	KindBelowLiquidationThreshold: "the operation would push the health factor below the liquidation threshold",
	KindInsufficientLiquidity:     "the reserve lacks available liquidity for this amount",
	KindNoMatchingDebt:            "there is no debt of the selected rate mode to repay",
	KindAmountExceedsDebt:         "the amount exceeds the outstanding debt",
	KindUnrecognized:              "unrecognized failure; inspect the raw message",

	KindMissingConfiguration: "set the named address variable for this network or check the contract address",
	KindValidation:           "the request was rejected locally before any transaction was sent",
	KindUnconfirmed:          "the transaction may still settle; check the tx hash before retrying",
}

var (
	revertCodePattern = regexp.MustCompile(`(?i)(?:reverted(?: with reason string)?|revert|reason)\s*:?\s*['"]?([0-9]{1,3})['"]?(?:[^0-9]|$)`)
	quotedCodePattern = regexp.MustCompile(`['"]([0-9]{1,3})['"]`)
)

// Diagnosis is a classified failure. Raw always carries the original text.
type Diagnosis struct {
	Kind Kind   `json:"kind"`
	Code string `json:"code,omitempty"`
	Name string `json:"name,omitempty"`
	Hint string `json:"hint"`
	Raw  string `json:"raw"`
}

// Classify returns the kind for a raw failure message.
func Classify(raw string) Kind {
	return Diagnose(raw).Kind
}

// Diagnose classifies raw and keeps the matched protocol code, its symbolic name and a hint.
func Diagnose(raw string) Diagnosis {
	d := Diagnosis{Kind: KindUnrecognized, Raw: raw}
	if strings.TrimSpace(raw) == "" {
		d.Hint = hints[KindUnrecognized]
		return d
	}
	if entry, ok := matchCode(raw); ok {
		d.Kind = entry.Kind
		d.Code = entry.Code
		d.Name = entry.Name
		d.Hint = hints[entry.Kind]
		return d
	}
	if entry, ok := matchName(raw); ok {
		d.Kind = entry.Kind
		d.Code = entry.Code
		d.Name = entry.Name
		d.Hint = hints[entry.Kind]
		return d
	}
	lower := strings.ToLower(raw)
	for _, f := range fragmentTable {
		if strings.Contains(lower, f.Fragment) {
			d.Kind = f.Kind
			break
		}
	}
	d.Hint = hints[d.Kind]
	return d
}

// Hint returns the operator-facing remediation text for kind.
func Hint(kind Kind) string {
	if h, ok := hints[kind]; ok {
		return h
	}
	return ""
}

func matchCode(raw string) (protocolCode, bool) {
	candidates := make([]string, 0, 2)
	for _, m := range revertCodePattern.FindAllStringSubmatch(raw, -1) {
		candidates = append(candidates, m[1])
	}
	for _, m := range quotedCodePattern.FindAllStringSubmatch(raw, -1) {
		candidates = append(candidates, m[1])
	}
	for _, c := range candidates {
		for _, entry := range codeTable {
			if entry.Code == c {
				return entry, true
			}
		}
	}
	return protocolCode{}, false
}

func matchName(raw string) (protocolCode, bool) {
	upper := strings.ToUpper(raw)
	for _, entry := range codeTable {
		if strings.Contains(upper, entry.Name) {
			return entry, true
		}
	}
	return protocolCode{}, false
}
