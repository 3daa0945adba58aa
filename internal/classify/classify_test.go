package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyNumericRevertCodes(t *testing.T) {
	cases := []struct {
		raw  string
		want Kind
	}{
		{"execution reverted: 64", KindPaused},
		{"VM Exception while processing transaction: reverted with reason string '2'", KindReserveInactive},
		{"execution reverted: 3", KindReserveFrozen},
		{"execution reverted: 1", KindInvalidAmount},
		{"execution reverted: 11", KindInsufficientCollateral},
		{"execution reverted: 6", KindBelowLiquidationThreshold},
		{"execution reverted: 4", KindInsufficientLiquidity},
		{"execution reverted: 15", KindNoMatchingDebt},
		{`{"code":3,"message":"execution reverted","data":"0x"} reason "17"`, KindNoMatchingDebt},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.raw), tc.raw)
	}
}

func TestClassifyDoesNotMatchDigitsInsideLongerNumbers(t *testing.T) {
	// 640 is not a known code and must not be read as 64.
	assert.Equal(t, KindUnrecognized, Classify("execution reverted: 640"))
	assert.Equal(t, KindUnrecognized, Classify("nonce 11 too low"))
}

func TestClassifySymbolicNamesAndFragments(t *testing.T) {
	assert.Equal(t, KindPaused, Classify("revert LP_IS_PAUSED"))
	assert.Equal(t, KindAmountExceedsDebt, Classify("ERC20: burn amount exceeds balance"))
	assert.Equal(t, KindBelowLiquidationThreshold, Classify("health factor too low"))
	assert.Equal(t, KindReserveFrozen, Classify("reserve is frozen"))
}

func TestDiagnoseKeepsRawMessage(t *testing.T) {
	raw := "something exploded deep inside the node"
	d := Diagnose(raw)
	assert.Equal(t, KindUnrecognized, d.Kind)
	assert.Equal(t, raw, d.Raw)
	assert.NotEmpty(t, d.Hint)

	d = Diagnose("execution reverted: 10")
	assert.Equal(t, KindBelowLiquidationThreshold, d.Kind)
	assert.Equal(t, "10", d.Code)
	assert.Equal(t, "VL_HEALTH_FACTOR_LOWER_THAN_LIQUIDATION_THRESHOLD", d.Name)
	assert.Equal(t, "execution reverted: 10", d.Raw)
}

func TestClassifyEmpty(t *testing.T) {
	assert.Equal(t, KindUnrecognized, Classify(""))
	assert.Contains(t, ProtocolKinds, Classify("anything"))
}
