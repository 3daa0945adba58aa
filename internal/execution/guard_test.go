package execution

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/lendpool-cli/internal/amount"
	"github.com/ggonzalez94/lendpool-cli/internal/execution/planner"
)

var (
	guardPool  = common.HexToAddress("0x00000000000000000000000000000000000000cd")
	guardAsset = common.HexToAddress("0x00000000000000000000000000000000000000ef")
)

func TestGuardApprovalExactAmount(t *testing.T) {
	call, err := planner.Approve(guardAsset, guardPool, big.NewInt(100))
	if err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if err := guardApproval(call, guardAsset, guardPool, big.NewInt(100)); err != nil {
		t.Fatalf("expected exact approval to pass, got err=%v", err)
	}
	if err := guardApproval(call, guardAsset, guardPool, big.NewInt(99)); err == nil {
		t.Fatal("expected mismatched approval amount to fail")
	}
}

func TestGuardApprovalFullUsesSentinel(t *testing.T) {
	full := amount.FullQuantity()
	call, err := planner.Approve(guardAsset, guardPool, full.Operative())
	if err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if err := guardApproval(call, guardAsset, guardPool, amount.MaxUint256); err != nil {
		t.Fatalf("expected max approval for full repay to pass, got err=%v", err)
	}
}

func TestGuardApprovalRejectsForeignSpender(t *testing.T) {
	call, err := planner.Approve(guardAsset, common.HexToAddress("0x01"), big.NewInt(100))
	if err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if err := guardApproval(call, guardAsset, guardPool, big.NewInt(100)); err == nil {
		t.Fatal("expected foreign spender to fail")
	}
}

func TestGuardPoolCallMethod(t *testing.T) {
	call, err := planner.PoolCall(planner.Lending{
		Verb:   planner.VerbWithdraw,
		Pool:   guardPool,
		Asset:  guardAsset,
		Amount: big.NewInt(5),
		Sender: common.HexToAddress("0xaa"),
	})
	if err != nil {
		t.Fatalf("PoolCall failed: %v", err)
	}
	if err := guardPoolCall(call, planner.VerbWithdraw, guardPool); err != nil {
		t.Fatalf("expected withdraw call to pass, got err=%v", err)
	}
	if err := guardPoolCall(call, planner.VerbSupply, guardPool); err == nil {
		t.Fatal("expected verb mismatch to fail")
	}
	if err := guardPoolCall(call, planner.VerbWithdraw, guardAsset); err == nil {
		t.Fatal("expected target mismatch to fail")
	}
}
