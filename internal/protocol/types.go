// Package protocol is the typed read boundary to the lending pool, its data provider and ERC20 tokens.
package protocol

import (
	"context"
	"fmt"
	"math/big"
	"reflect"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/lendpool-cli/internal/reserve"
)

// ReserveData is the pool's getReserveData result.
type ReserveData struct {
	Asset                       common.Address `json:"asset"`
	Configuration               *big.Int       `json:"configuration"`
	Config                      reserve.Config `json:"config"`
	LiquidityIndex              *big.Int       `json:"liquidity_index"`
	VariableBorrowIndex         *big.Int       `json:"variable_borrow_index"`
	CurrentLiquidityRate        *big.Int       `json:"current_liquidity_rate"`
	CurrentVariableBorrowRate   *big.Int       `json:"current_variable_borrow_rate"`
	CurrentStableBorrowRate     *big.Int       `json:"current_stable_borrow_rate"`
	LastUpdateTimestamp         uint64         `json:"last_update_timestamp"`
	YieldTokenAddress           common.Address `json:"yield_token_address"`
	StableDebtTokenAddress      common.Address `json:"stable_debt_token_address"`
	VariableDebtTokenAddress    common.Address `json:"variable_debt_token_address"`
	InterestRateStrategyAddress common.Address `json:"interest_rate_strategy_address"`
	ID                          uint8          `json:"id"`
}

// Exists reports whether the pool knows the reserve. Decoded flags are
// meaningless when it does not.
func (r ReserveData) Exists() bool {
	return r.YieldTokenAddress != (common.Address{})
}

// AccountData is the pool's getUserAccountData result. Value fields are in the
// pool's base currency; LiquidationThreshold and LTV are basis points and
// HealthFactor is an 18-decimal fixed-point ratio.
type AccountData struct {
	TotalCollateral      *big.Int `json:"total_collateral"`
	TotalDebt            *big.Int `json:"total_debt"`
	AvailableToBorrow    *big.Int `json:"available_to_borrow"`
	LiquidationThreshold *big.Int `json:"liquidation_threshold"`
	LTV                  *big.Int `json:"ltv"`
	HealthFactor         *big.Int `json:"health_factor"`
}

// UserReserveData is the data provider's getUserReserveData result.
type UserReserveData struct {
	CurrentYieldTokenBalance *big.Int `json:"current_yield_token_balance"`
	CurrentStableDebt        *big.Int `json:"current_stable_debt"`
	CurrentVariableDebt      *big.Int `json:"current_variable_debt"`
	PrincipalStableDebt      *big.Int `json:"principal_stable_debt"`
	ScaledVariableDebt       *big.Int `json:"scaled_variable_debt"`
	StableBorrowRate         *big.Int `json:"stable_borrow_rate"`
	LiquidityRate            *big.Int `json:"liquidity_rate"`
	StableRateLastUpdated    uint64   `json:"stable_rate_last_updated"`
	UsageAsCollateralEnabled bool     `json:"usage_as_collateral_enabled"`
}

// DebtFor returns the current debt for a rate mode (1 stable, 2 variable).
func (u UserReserveData) DebtFor(rateMode int64) *big.Int {
	var v *big.Int
	if rateMode == 1 {
		v = u.CurrentStableDebt
	} else {
		v = u.CurrentVariableDebt
	}
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// ReserveToken is one entry of getAllReservesTokens. Field names match the ABI components.
type ReserveToken struct {
	Symbol       string         `json:"symbol"`
	TokenAddress common.Address `json:"token_address"`
}

// ReserveConfiguration is the data provider's unpacked configuration view.
type ReserveConfiguration struct {
	Decimals                 *big.Int `json:"decimals"`
	LTV                      *big.Int `json:"ltv"`
	LiquidationThreshold     *big.Int `json:"liquidation_threshold"`
	LiquidationBonus         *big.Int `json:"liquidation_bonus"`
	ReserveFactor            *big.Int `json:"reserve_factor"`
	UsageAsCollateralEnabled bool     `json:"usage_as_collateral_enabled"`
	BorrowingEnabled         bool     `json:"borrowing_enabled"`
	StableBorrowRateEnabled  bool     `json:"stable_borrow_rate_enabled"`
	IsActive                 bool     `json:"is_active"`
	IsFrozen                 bool     `json:"is_frozen"`
}

// TokenMetadata is the ERC20 descriptive data that never changes for a deployed token.
type TokenMetadata struct {
	Address  common.Address `json:"address"`
	Symbol   string         `json:"symbol"`
	Name     string         `json:"name"`
	Decimals uint8          `json:"decimals"`
}

// Pool reads lending pool state.
type Pool interface {
	Address() common.Address
	Paused(ctx context.Context) (bool, error)
	ReserveData(ctx context.Context, asset common.Address) (ReserveData, error)
	ReservesList(ctx context.Context) ([]common.Address, error)
	UserAccountData(ctx context.Context, user common.Address) (AccountData, error)
}

// DataProvider reads the pool's companion data provider.
type DataProvider interface {
	AllReservesTokens(ctx context.Context) ([]ReserveToken, error)
	ReserveConfigurationData(ctx context.Context, asset common.Address) (ReserveConfiguration, error)
	UserReserveData(ctx context.Context, asset, user common.Address) (UserReserveData, error)
}

// Tokens reads ERC20 state.
type Tokens interface {
	BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error)
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	Symbol(ctx context.Context, token common.Address) (string, error)
	Name(ctx context.Context, token common.Address) (string, error)
	Decimals(ctx context.Context, token common.Address) (uint8, error)
}

// ShapeError reports an RPC result that does not match the expected ABI shape.
type ShapeError struct {
	Method string
	Field  string
	Reason string
}

func (e *ShapeError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Method, e.Reason)
	}
	return fmt.Sprintf("%s: field %s %s", e.Method, e.Field, e.Reason)
}

type outputs struct {
	method string
	values []interface{}
}

func expect(method string, values []interface{}, n int) (outputs, error) {
	if len(values) != n {
		return outputs{}, &ShapeError{Method: method, Reason: fmt.Sprintf("expected %d outputs, got %d", n, len(values))}
	}
	return outputs{method: method, values: values}, nil
}

func (o outputs) big(i int, field string) (*big.Int, error) {
	v, ok := o.values[i].(*big.Int)
	if !ok || v == nil {
		return nil, &ShapeError{Method: o.method, Field: field, Reason: fmt.Sprintf("is %T, want uint", o.values[i])}
	}
	return new(big.Int).Set(v), nil
}

func (o outputs) uint64(i int, field string) (uint64, error) {
	v, err := o.big(i, field)
	if err != nil {
		return 0, err
	}
	if !v.IsUint64() {
		return 0, &ShapeError{Method: o.method, Field: field, Reason: "overflows uint64"}
	}
	return v.Uint64(), nil
}

func (o outputs) address(i int, field string) (common.Address, error) {
	v, ok := o.values[i].(common.Address)
	if !ok {
		return common.Address{}, &ShapeError{Method: o.method, Field: field, Reason: fmt.Sprintf("is %T, want address", o.values[i])}
	}
	return v, nil
}

func (o outputs) bool(i int, field string) (bool, error) {
	v, ok := o.values[i].(bool)
	if !ok {
		return false, &ShapeError{Method: o.method, Field: field, Reason: fmt.Sprintf("is %T, want bool", o.values[i])}
	}
	return v, nil
}

func decodeReserveData(asset common.Address, values []interface{}) (ReserveData, error) {
	o, err := expect("getReserveData", values, 12)
	if err != nil {
		return ReserveData{}, err
	}
	var rd ReserveData
	rd.Asset = asset
	fields := []struct {
		dst  **big.Int
		idx  int
		name string
	}{
		{&rd.Configuration, 0, "configuration"},
		{&rd.LiquidityIndex, 1, "liquidityIndex"},
		{&rd.VariableBorrowIndex, 2, "variableBorrowIndex"},
		{&rd.CurrentLiquidityRate, 3, "currentLiquidityRate"},
		{&rd.CurrentVariableBorrowRate, 4, "currentVariableBorrowRate"},
		{&rd.CurrentStableBorrowRate, 5, "currentStableBorrowRate"},
	}
	for _, f := range fields {
		if *f.dst, err = o.big(f.idx, f.name); err != nil {
			return ReserveData{}, err
		}
	}
	if rd.LastUpdateTimestamp, err = o.uint64(6, "lastUpdateTimestamp"); err != nil {
		return ReserveData{}, err
	}
	addrs := []struct {
		dst  *common.Address
		idx  int
		name string
	}{
		{&rd.YieldTokenAddress, 7, "aTokenAddress"},
		{&rd.StableDebtTokenAddress, 8, "stableDebtTokenAddress"},
		{&rd.VariableDebtTokenAddress, 9, "variableDebtTokenAddress"},
		{&rd.InterestRateStrategyAddress, 10, "interestRateStrategyAddress"},
	}
	for _, a := range addrs {
		if *a.dst, err = o.address(a.idx, a.name); err != nil {
			return ReserveData{}, err
		}
	}
	id, ok := values[11].(uint8)
	if !ok {
		return ReserveData{}, &ShapeError{Method: o.method, Field: "id", Reason: fmt.Sprintf("is %T, want uint8", values[11])}
	}
	rd.ID = id
	rd.Config = reserve.DecodeBig(rd.Configuration)
	return rd, nil
}

func decodeAccountData(values []interface{}) (AccountData, error) {
	o, err := expect("getUserAccountData", values, 6)
	if err != nil {
		return AccountData{}, err
	}
	var ad AccountData
	fields := []struct {
		dst  **big.Int
		name string
	}{
		{&ad.TotalCollateral, "totalCollateralETH"},
		{&ad.TotalDebt, "totalDebtETH"},
		{&ad.AvailableToBorrow, "availableBorrowsETH"},
		{&ad.LiquidationThreshold, "currentLiquidationThreshold"},
		{&ad.LTV, "ltv"},
		{&ad.HealthFactor, "healthFactor"},
	}
	for i, f := range fields {
		if *f.dst, err = o.big(i, f.name); err != nil {
			return AccountData{}, err
		}
	}
	return ad, nil
}

func decodeUserReserveData(values []interface{}) (UserReserveData, error) {
	o, err := expect("getUserReserveData", values, 9)
	if err != nil {
		return UserReserveData{}, err
	}
	var u UserReserveData
	fields := []struct {
		dst  **big.Int
		name string
	}{
		{&u.CurrentYieldTokenBalance, "currentATokenBalance"},
		{&u.CurrentStableDebt, "currentStableDebt"},
		{&u.CurrentVariableDebt, "currentVariableDebt"},
		{&u.PrincipalStableDebt, "principalStableDebt"},
		{&u.ScaledVariableDebt, "scaledVariableDebt"},
		{&u.StableBorrowRate, "stableBorrowRate"},
		{&u.LiquidityRate, "liquidityRate"},
	}
	for i, f := range fields {
		if *f.dst, err = o.big(i, f.name); err != nil {
			return UserReserveData{}, err
		}
	}
	if u.StableRateLastUpdated, err = o.uint64(7, "stableRateLastUpdated"); err != nil {
		return UserReserveData{}, err
	}
	if u.UsageAsCollateralEnabled, err = o.bool(8, "usageAsCollateralEnabled"); err != nil {
		return UserReserveData{}, err
	}
	return u, nil
}

func decodeReserveConfiguration(values []interface{}) (ReserveConfiguration, error) {
	o, err := expect("getReserveConfigurationData", values, 10)
	if err != nil {
		return ReserveConfiguration{}, err
	}
	var rc ReserveConfiguration
	nums := []struct {
		dst  **big.Int
		name string
	}{
		{&rc.Decimals, "decimals"},
		{&rc.LTV, "ltv"},
		{&rc.LiquidationThreshold, "liquidationThreshold"},
		{&rc.LiquidationBonus, "liquidationBonus"},
		{&rc.ReserveFactor, "reserveFactor"},
	}
	for i, f := range nums {
		if *f.dst, err = o.big(i, f.name); err != nil {
			return ReserveConfiguration{}, err
		}
	}
	flags := []struct {
		dst  *bool
		name string
	}{
		{&rc.UsageAsCollateralEnabled, "usageAsCollateralEnabled"},
		{&rc.BorrowingEnabled, "borrowingEnabled"},
		{&rc.StableBorrowRateEnabled, "stableBorrowRateEnabled"},
		{&rc.IsActive, "isActive"},
		{&rc.IsFrozen, "isFrozen"},
	}
	for i, f := range flags {
		if *f.dst, err = o.bool(len(nums)+i, f.name); err != nil {
			return ReserveConfiguration{}, err
		}
	}
	return rc, nil
}

// decodeReserveTokens reads the tuple[] output, whose element type is an
// anonymous struct generated by the abi package.
func decodeReserveTokens(values []interface{}) ([]ReserveToken, error) {
	if _, err := expect("getAllReservesTokens", values, 1); err != nil {
		return nil, err
	}
	v := reflect.ValueOf(values[0])
	if v.Kind() != reflect.Slice {
		return nil, &ShapeError{Method: "getAllReservesTokens", Reason: fmt.Sprintf("is %T, want tuple[]", values[0])}
	}
	out := make([]ReserveToken, 0, v.Len())
	for i := 0; i < v.Len(); i++ {
		elem := v.Index(i)
		if elem.Kind() != reflect.Struct {
			return nil, &ShapeError{Method: "getAllReservesTokens", Reason: "element is not a tuple"}
		}
		symbol := elem.FieldByName("Symbol")
		token := elem.FieldByName("TokenAddress")
		if !symbol.IsValid() || symbol.Kind() != reflect.String {
			return nil, &ShapeError{Method: "getAllReservesTokens", Field: "symbol", Reason: "missing"}
		}
		if !token.IsValid() {
			return nil, &ShapeError{Method: "getAllReservesTokens", Field: "tokenAddress", Reason: "missing"}
		}
		addr, ok := token.Interface().(common.Address)
		if !ok {
			return nil, &ShapeError{Method: "getAllReservesTokens", Field: "tokenAddress", Reason: "missing"}
		}
		out = append(out, ReserveToken{Symbol: symbol.String(), TokenAddress: addr})
	}
	return out, nil
}
