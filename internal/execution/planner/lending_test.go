package planner

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/lendpool-cli/internal/amount"
	clierr "github.com/ggonzalez94/lendpool-cli/internal/errors"
	"github.com/ggonzalez94/lendpool-cli/internal/protocol"
)

var (
	pool   = common.HexToAddress("0x00000000000000000000000000000000000000CC")
	asset  = common.HexToAddress("0x00000000000000000000000000000000000000D1")
	sender = common.HexToAddress("0x00000000000000000000000000000000000000AA")
	other  = common.HexToAddress("0x00000000000000000000000000000000000000BB")
)

func unpackInputs(t *testing.T, call Call) []interface{} {
	t.Helper()
	method, err := protocol.PoolABI.MethodById(call.Data[:4])
	if err != nil {
		t.Fatalf("unknown selector: %v", err)
	}
	if method.Name != call.Method {
		t.Fatalf("selector is %s, call says %s", method.Name, call.Method)
	}
	args, err := method.Inputs.Unpack(call.Data[4:])
	if err != nil {
		t.Fatalf("unpack %s: %v", method.Name, err)
	}
	return args
}

func TestPoolCallRepayFullUsesSentinelAndRateMode(t *testing.T) {
	call, err := PoolCall(Lending{
		Verb:     VerbRepay,
		Pool:     pool,
		Asset:    asset,
		Amount:   amount.MaxUint256,
		RateMode: RateModeStable,
		Sender:   sender,
	})
	if err != nil {
		t.Fatalf("PoolCall failed: %v", err)
	}
	if call.To != pool {
		t.Fatalf("unexpected target %s", call.To.Hex())
	}
	args := unpackInputs(t, call)
	if args[1].(*big.Int).Cmp(amount.MaxUint256) != 0 {
		t.Fatalf("expected max sentinel, got %s", args[1])
	}
	if args[2].(*big.Int).Int64() != 1 {
		t.Fatalf("expected stable rate mode, got %s", args[2])
	}
	if args[3].(common.Address) != sender {
		t.Fatalf("expected onBehalfOf to default to sender, got %s", args[3])
	}
}

func TestPoolCallArgumentOrder(t *testing.T) {
	deposit, err := PoolCall(Lending{Verb: VerbSupply, Pool: pool, Asset: asset, Amount: big.NewInt(5), Sender: sender, OnBehalfOf: other})
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	args := unpackInputs(t, deposit)
	if deposit.Method != "deposit" || args[2].(common.Address) != other || args[3].(uint16) != 0 {
		t.Fatalf("unexpected deposit args %v", args)
	}

	withdraw, err := PoolCall(Lending{Verb: VerbWithdraw, Pool: pool, Asset: asset, Amount: big.NewInt(5), Sender: sender, OnBehalfOf: other})
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if args := unpackInputs(t, withdraw); args[2].(common.Address) != sender {
		t.Fatalf("withdraw must pay the sender, got %v", args[2])
	}

	borrow, err := PoolCall(Lending{Verb: VerbBorrow, Pool: pool, Asset: asset, Amount: big.NewInt(7), RateMode: RateModeVariable, Sender: sender})
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	args = unpackInputs(t, borrow)
	if args[2].(*big.Int).Int64() != 2 || args[4].(common.Address) != sender {
		t.Fatalf("unexpected borrow args %v", args)
	}
}

func TestPoolCallRejectsBadRateMode(t *testing.T) {
	_, err := PoolCall(Lending{Verb: VerbBorrow, Pool: pool, Asset: asset, Amount: big.NewInt(1), RateMode: 3, Sender: sender})
	if err == nil {
		t.Fatal("expected rate mode error")
	}
	if typed, ok := clierr.As(err); !ok || typed.Code != clierr.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestApproveEncodesExactAmount(t *testing.T) {
	call, err := Approve(asset, pool, big.NewInt(1234))
	if err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	method, err := protocol.ERC20ABI.MethodById(call.Data[:4])
	if err != nil || method.Name != "approve" {
		t.Fatalf("expected approve selector, got %v %v", method, err)
	}
	args, err := method.Inputs.Unpack(call.Data[4:])
	if err != nil {
		t.Fatalf("unpack approve: %v", err)
	}
	if args[0].(common.Address) != pool || args[1].(*big.Int).Int64() != 1234 {
		t.Fatalf("unexpected approve args %v", args)
	}
	if call.To != asset {
		t.Fatalf("approve must target the token, got %s", call.To.Hex())
	}
}

func TestVerbRules(t *testing.T) {
	if !VerbRepay.NeedsApproval() || VerbWithdraw.NeedsApproval() {
		t.Fatal("approval rules wrong")
	}
	if VerbSupply.AcceptsFull() || VerbBorrow.AcceptsFull() || !VerbWithdraw.AcceptsFull() || !VerbRepay.AcceptsFull() {
		t.Fatal("full amount rules wrong")
	}
	if !VerbSupply.BlockedByFreeze() || VerbRepay.BlockedByFreeze() {
		t.Fatal("freeze rules wrong")
	}
	if VerbWithdraw.AcceptsBeneficiary() || !VerbSupply.AcceptsBeneficiary() || !VerbBorrow.AcceptsBeneficiary() || !VerbRepay.AcceptsBeneficiary() {
		t.Fatal("beneficiary rules wrong")
	}
}
