package protocol

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ggonzalez94/lendpool-cli/internal/registry"
)

// Parsed ABIs shared by the read boundary and the transaction planner.
var (
	PoolABI         = mustParseABI(registry.LendingPoolABI)
	DataProviderABI = mustParseABI(registry.DataProviderABI)
	ERC20ABI        = mustParseABI(registry.ERC20ABI)
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
