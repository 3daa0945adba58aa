package registry

// ABI fragments for the V2 lending pool, its data provider and ERC20 tokens.
// getReserveData and getUserAccountData return fully static tuples, so their
// outputs are declared flattened; the encoding is identical.
const (
	ERC20ABI = `[
		{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
		{"name":"allowance","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
		{"name":"approve","type":"function","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
		{"name":"symbol","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
		{"name":"name","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
		{"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}
	]`

	LendingPoolABI = `[
		{"name":"deposit","type":"function","stateMutability":"nonpayable","inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"onBehalfOf","type":"address"},{"name":"referralCode","type":"uint16"}],"outputs":[]},
		{"name":"withdraw","type":"function","stateMutability":"nonpayable","inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"to","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
		{"name":"borrow","type":"function","stateMutability":"nonpayable","inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"interestRateMode","type":"uint256"},{"name":"referralCode","type":"uint16"},{"name":"onBehalfOf","type":"address"}],"outputs":[]},
		{"name":"repay","type":"function","stateMutability":"nonpayable","inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"rateMode","type":"uint256"},{"name":"onBehalfOf","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
		{"name":"paused","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bool"}]},
		{"name":"getReservesList","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address[]"}]},
		{"name":"getUserAccountData","type":"function","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[
			{"name":"totalCollateralETH","type":"uint256"},
			{"name":"totalDebtETH","type":"uint256"},
			{"name":"availableBorrowsETH","type":"uint256"},
			{"name":"currentLiquidationThreshold","type":"uint256"},
			{"name":"ltv","type":"uint256"},
			{"name":"healthFactor","type":"uint256"}
		]},
		{"name":"getReserveData","type":"function","stateMutability":"view","inputs":[{"name":"asset","type":"address"}],"outputs":[
			{"name":"configuration","type":"uint256"},
			{"name":"liquidityIndex","type":"uint128"},
			{"name":"variableBorrowIndex","type":"uint128"},
			{"name":"currentLiquidityRate","type":"uint128"},
			{"name":"currentVariableBorrowRate","type":"uint128"},
			{"name":"currentStableBorrowRate","type":"uint128"},
			{"name":"lastUpdateTimestamp","type":"uint40"},
			{"name":"aTokenAddress","type":"address"},
			{"name":"stableDebtTokenAddress","type":"address"},
			{"name":"variableDebtTokenAddress","type":"address"},
			{"name":"interestRateStrategyAddress","type":"address"},
			{"name":"id","type":"uint8"}
		]}
	]`

	DataProviderABI = `[
		{"name":"getAllReservesTokens","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"tuple[]","components":[{"name":"symbol","type":"string"},{"name":"tokenAddress","type":"address"}]}]},
		{"name":"getReserveConfigurationData","type":"function","stateMutability":"view","inputs":[{"name":"asset","type":"address"}],"outputs":[
			{"name":"decimals","type":"uint256"},
			{"name":"ltv","type":"uint256"},
			{"name":"liquidationThreshold","type":"uint256"},
			{"name":"liquidationBonus","type":"uint256"},
			{"name":"reserveFactor","type":"uint256"},
			{"name":"usageAsCollateralEnabled","type":"bool"},
			{"name":"borrowingEnabled","type":"bool"},
			{"name":"stableBorrowRateEnabled","type":"bool"},
			{"name":"isActive","type":"bool"},
			{"name":"isFrozen","type":"bool"}
		]},
		{"name":"getUserReserveData","type":"function","stateMutability":"view","inputs":[{"name":"asset","type":"address"},{"name":"user","type":"address"}],"outputs":[
			{"name":"currentATokenBalance","type":"uint256"},
			{"name":"currentStableDebt","type":"uint256"},
			{"name":"currentVariableDebt","type":"uint256"},
			{"name":"principalStableDebt","type":"uint256"},
			{"name":"scaledVariableDebt","type":"uint256"},
			{"name":"stableBorrowRate","type":"uint256"},
			{"name":"liquidityRate","type":"uint256"},
			{"name":"stableRateLastUpdated","type":"uint40"},
			{"name":"usageAsCollateralEnabled","type":"bool"}
		]}
	]`
)
