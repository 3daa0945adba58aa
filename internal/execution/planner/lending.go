// Package planner builds calldata for the approval and pool calls of a lending operation.
package planner

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/lendpool-cli/internal/errors"
	"github.com/ggonzalez94/lendpool-cli/internal/protocol"
)

type Verb string

const (
	VerbSupply   Verb = "supply"
	VerbWithdraw Verb = "withdraw"
	VerbBorrow   Verb = "borrow"
	VerbRepay    Verb = "repay"
)

// Rate modes accepted by borrow and repay.
const (
	RateModeStable   int64 = 1
	RateModeVariable int64 = 2
)

const referralCode uint16 = 0

// NeedsApproval reports whether the pool pulls tokens from the sender.
func (v Verb) NeedsApproval() bool {
	return v == VerbSupply || v == VerbRepay
}

// AcceptsFull reports whether a full-amount request is meaningful. The pool
// resolves the full amount itself for withdraw and repay only.
func (v Verb) AcceptsFull() bool {
	return v == VerbWithdraw || v == VerbRepay
}

// UsesRateMode reports whether the pool call carries an interest rate mode.
func (v Verb) UsesRateMode() bool {
	return v == VerbBorrow || v == VerbRepay
}

// AcceptsBeneficiary reports whether the pool call names a position owner
// other than the sender. withdraw always debits the sender's own deposit.
func (v Verb) AcceptsBeneficiary() bool {
	return v != VerbWithdraw
}

// BlockedByFreeze reports whether a frozen reserve rejects the operation.
func (v Verb) BlockedByFreeze() bool {
	return v == VerbSupply || v == VerbBorrow
}

// Call is one transaction to submit.
type Call struct {
	Label  string         `json:"label"`
	Method string         `json:"method"`
	To     common.Address `json:"to"`
	Data   []byte         `json:"-"`
	Amount *big.Int       `json:"-"`
}

func (c Call) DataHex() string {
	return "0x" + common.Bytes2Hex(c.Data)
}

// Approve grants spender an allowance of exactly amount on token.
func Approve(token, spender common.Address, amount *big.Int) (Call, error) {
	data, err := protocol.ERC20ABI.Pack("approve", spender, amount)
	if err != nil {
		return Call{}, clierr.Wrap(clierr.CodeInternal, "pack approve calldata", err)
	}
	return Call{Label: "approve", Method: "approve", To: token, Data: data, Amount: new(big.Int).Set(amount)}, nil
}

// Lending describes the pool call of one operation. Amount is the operative
// amount; a full request is already expressed as the max-uint sentinel.
type Lending struct {
	Verb       Verb
	Pool       common.Address
	Asset      common.Address
	Amount     *big.Int
	RateMode   int64
	Sender     common.Address
	OnBehalfOf common.Address
}

// PoolCall builds the deposit, withdraw, borrow or repay call.
func PoolCall(req Lending) (Call, error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return Call{}, clierr.New(clierr.CodeValidation, "operative amount must be positive")
	}
	beneficiary := req.OnBehalfOf
	if beneficiary == (common.Address{}) {
		beneficiary = req.Sender
	}
	if req.Verb.UsesRateMode() && req.RateMode != RateModeStable && req.RateMode != RateModeVariable {
		return Call{}, clierr.New(clierr.CodeValidation, fmt.Sprintf("interest rate mode must be %d (stable) or %d (variable), got %d", RateModeStable, RateModeVariable, req.RateMode))
	}

	var (
		method string
		data   []byte
		err    error
	)
	switch req.Verb {
	case VerbSupply:
		method = "deposit"
		data, err = protocol.PoolABI.Pack(method, req.Asset, req.Amount, beneficiary, referralCode)
	case VerbWithdraw:
		method = "withdraw"
		data, err = protocol.PoolABI.Pack(method, req.Asset, req.Amount, req.Sender)
	case VerbBorrow:
		method = "borrow"
		data, err = protocol.PoolABI.Pack(method, req.Asset, req.Amount, big.NewInt(req.RateMode), referralCode, beneficiary)
	case VerbRepay:
		method = "repay"
		data, err = protocol.PoolABI.Pack(method, req.Asset, req.Amount, big.NewInt(req.RateMode), beneficiary)
	default:
		return Call{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported operation %q", req.Verb))
	}
	if err != nil {
		return Call{}, clierr.Wrap(clierr.CodeInternal, "pack "+method+" calldata", err)
	}
	return Call{Label: string(req.Verb), Method: method, To: req.Pool, Data: data, Amount: new(big.Int).Set(req.Amount)}, nil
}
