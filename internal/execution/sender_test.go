package execution

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ggonzalez94/lendpool-cli/internal/execution/planner"
)

type testRPCDataError struct {
	msg  string
	data any
}

func (e testRPCDataError) Error() string { return e.msg }

func (e testRPCDataError) ErrorData() interface{} { return e.data }

func TestDecodeRevertDataReasonString(t *testing.T) {
	revertData := encodeErrorString(t, "52")
	reason := decodeRevertData(revertData)
	if reason != "52" {
		t.Fatalf("expected decoded revert reason, got %q", reason)
	}
}

func TestDecodeRevertDataCustomErrorSelector(t *testing.T) {
	revertData := common.FromHex("0x12345678")
	reason := decodeRevertData(revertData)
	if !strings.Contains(reason, "0x12345678") {
		t.Fatalf("expected custom error selector in reason, got %q", reason)
	}
}

func TestDecodeRevertFromErrorWithDataError(t *testing.T) {
	revertData := encodeErrorString(t, "35")
	err := testRPCDataError{
		msg:  "execution reverted",
		data: "0x" + common.Bytes2Hex(revertData),
	}
	reason := decodeRevertFromError(err)
	if reason != "35" {
		t.Fatalf("unexpected decoded reason: %q", reason)
	}
}

func TestDecodeRevertFromErrorMessageFallback(t *testing.T) {
	reason := decodeRevertFromError(errors.New("execution reverted: 2"))
	if reason != "2" {
		t.Fatalf("unexpected reason from message: %q", reason)
	}
	if decodeRevertFromError(errors.New("connection refused")) != "" {
		t.Fatal("expected no reason for transport error")
	}
}

func TestAcquireSignerNonceLockSerializesSameSignerChain(t *testing.T) {
	unlock := acquireSignerNonceLock(big.NewInt(1), common.HexToAddress("0x00000000000000000000000000000000000000aa"))
	secondAcquired := make(chan struct{})
	go func() {
		unlockSecond := acquireSignerNonceLock(big.NewInt(1), common.HexToAddress("0x00000000000000000000000000000000000000aa"))
		close(secondAcquired)
		unlockSecond()
	}()

	select {
	case <-secondAcquired:
		t.Fatal("expected second lock attempt to block while first lock is held")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	select {
	case <-secondAcquired:
	case <-time.After(250 * time.Millisecond):
		t.Fatal("expected second lock attempt to acquire after unlock")
	}
}

func TestParseGwei(t *testing.T) {
	v, err := parseGwei("1.5")
	if err != nil {
		t.Fatalf("parseGwei failed: %v", err)
	}
	if v.String() != "1500000000" {
		t.Fatalf("unexpected wei value: %s", v)
	}
	if _, err := parseGwei("-1"); err == nil {
		t.Fatal("expected negative value to fail")
	}
	if _, err := parseGwei("0.0000000001"); err == nil {
		t.Fatal("expected sub-wei value to fail")
	}
}

func TestResolveFeeCap(t *testing.T) {
	fee, err := resolveFeeCap(big.NewInt(10), big.NewInt(2), "")
	if err != nil {
		t.Fatalf("resolveFeeCap failed: %v", err)
	}
	if fee.Int64() != 22 {
		t.Fatalf("expected 2*base+tip, got %s", fee)
	}
	if _, err := resolveFeeCap(big.NewInt(10), big.NewInt(5_000_000_000), "1"); err == nil {
		t.Fatal("expected fee cap below tip to fail")
	}
}

type pendingReceipts struct {
	calls atomic.Int32
	after int32
}

func (p *pendingReceipts) TransactionReceipt(_ context.Context, _ common.Hash) (*types.Receipt, error) {
	n := p.calls.Add(1)
	if p.after > 0 && n >= p.after {
		return &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(7)}, nil
	}
	return nil, ethereum.NotFound
}

func TestWaitForReceiptPolls(t *testing.T) {
	reader := &pendingReceipts{after: 3}
	receipt, err := waitForReceipt(context.Background(), reader, common.Hash{}, time.Millisecond, time.Second)
	if err != nil {
		t.Fatalf("waitForReceipt failed: %v", err)
	}
	if receipt.BlockNumber.Uint64() != 7 {
		t.Fatalf("unexpected block: %s", receipt.BlockNumber)
	}
}

func TestWaitForReceiptTimesOutUnconfirmed(t *testing.T) {
	reader := &pendingReceipts{}
	_, err := waitForReceipt(context.Background(), reader, common.Hash{}, time.Millisecond, 20*time.Millisecond)
	if !errors.Is(err, ErrUnconfirmed) {
		t.Fatalf("expected ErrUnconfirmed, got %v", err)
	}
	if reader.calls.Load() < 2 {
		t.Fatalf("expected repeated polling, got %d calls", reader.calls.Load())
	}
}

type revertingChain struct {
	Chain
	reason string
}

func (c revertingChain) ChainID(context.Context) (*big.Int, error) { return big.NewInt(31337), nil }

func (c revertingChain) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, errors.New("execution reverted: " + c.reason)
}

func TestSendStopsAtSimulationRevert(t *testing.T) {
	sender := NewSender(revertingChain{reason: "29"}, staticSigner{}, DefaultSenderOptions())
	_, err := sender.Send(context.Background(), planner.Call{To: common.HexToAddress("0x01"), Data: []byte{0x01}})
	var sendErr *SendError
	if !errors.As(err, &sendErr) {
		t.Fatalf("expected SendError, got %v", err)
	}
	if sendErr.Stage != SendStageSimulate {
		t.Fatalf("expected simulate stage, got %s", sendErr.Stage)
	}
	if sendErr.Reason != "29" {
		t.Fatalf("expected reason 29, got %q", sendErr.Reason)
	}
}

func encodeErrorString(t *testing.T, reason string) []byte {
	t.Helper()
	stringTy, err := abi.NewType("string", "", nil)
	if err != nil {
		t.Fatalf("create abi string type: %v", err)
	}
	args := abi.Arguments{{Type: stringTy}}
	encoded, err := args.Pack(reason)
	if err != nil {
		t.Fatalf("pack revert reason: %v", err)
	}
	return append(common.FromHex("0x08c379a0"), encoded...)
}

type staticSigner struct{}

func (staticSigner) Address() common.Address {
	return common.HexToAddress("0x00000000000000000000000000000000000000aa")
}

func (staticSigner) SignTx(_ *big.Int, tx *types.Transaction) (*types.Transaction, error) {
	return tx, nil
}
