package execution

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/lendpool-cli/internal/errors"
	"github.com/ggonzalez94/lendpool-cli/internal/execution/planner"
	"github.com/ggonzalez94/lendpool-cli/internal/protocol"
)

var approveSelector = protocol.ERC20ABI.Methods["approve"].ID

// guardApproval checks built approve calldata against the operation before it is signed:
// the spender must be the pool and the allowance exactly the operative amount.
func guardApproval(call planner.Call, asset, pool common.Address, operative *big.Int) error {
	if call.To != asset {
		return clierr.New(clierr.CodeInternal, "approval target does not match the operation asset")
	}
	if len(call.Data) < 4 || !bytes.Equal(call.Data[:4], approveSelector) {
		return clierr.New(clierr.CodeInternal, "approval step must use ERC20 approve(spender,amount)")
	}
	args, err := protocol.ERC20ABI.Methods["approve"].Inputs.Unpack(call.Data[4:])
	if err != nil || len(args) != 2 {
		return clierr.New(clierr.CodeInternal, "approval calldata is invalid")
	}
	spender, ok := toAddress(args[0])
	if !ok || spender != pool {
		return clierr.New(clierr.CodeInternal, "approval spender is not the lending pool")
	}
	approved, ok := toBigInt(args[1])
	if !ok || approved.Cmp(operative) != 0 {
		return clierr.New(clierr.CodeInternal, fmt.Sprintf("approval amount %v does not equal operative amount %s", approved, operative))
	}
	return nil
}

// guardPoolCall checks that the pool call targets the pool with the verb's method.
func guardPoolCall(call planner.Call, verb planner.Verb, pool common.Address) error {
	if call.To != pool {
		return clierr.New(clierr.CodeInternal, "pool call target does not match the lending pool")
	}
	method, ok := poolMethods[verb]
	if !ok {
		return clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported operation %q", verb))
	}
	id := protocol.PoolABI.Methods[method].ID
	if len(call.Data) < 4 || !bytes.Equal(call.Data[:4], id) {
		return clierr.New(clierr.CodeInternal, fmt.Sprintf("%s step must call %s", verb, method))
	}
	return nil
}

var poolMethods = map[planner.Verb]string{
	planner.VerbSupply:   "deposit",
	planner.VerbWithdraw: "withdraw",
	planner.VerbBorrow:   "borrow",
	planner.VerbRepay:    "repay",
}

func toAddress(v any) (common.Address, bool) {
	switch value := v.(type) {
	case common.Address:
		return value, true
	case *common.Address:
		if value == nil {
			return common.Address{}, false
		}
		return *value, true
	default:
		return common.Address{}, false
	}
}

func toBigInt(v any) (*big.Int, bool) {
	switch value := v.(type) {
	case *big.Int:
		if value == nil {
			return nil, false
		}
		return value, true
	case big.Int:
		cpy := value
		return &cpy, true
	default:
		return nil, false
	}
}
