package execution

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/ggonzalez94/lendpool-cli/internal/execution/planner"
	"github.com/ggonzalez94/lendpool-cli/internal/execution/signer"
)

var (
	// ErrUnconfirmed means the transaction was broadcast but no receipt arrived
	// before the settlement timeout. It may still settle later.
	ErrUnconfirmed = errors.New("settlement not confirmed before timeout")
	ErrReverted    = errors.New("transaction reverted on-chain")
)

type SendStage string

const (
	SendStageSimulate  SendStage = "simulate"
	SendStageEstimate  SendStage = "estimate"
	SendStageSign      SendStage = "sign"
	SendStageBroadcast SendStage = "broadcast"
	SendStageSettle    SendStage = "settle"
)

// SendError reports where a transaction failed. Reason holds the decoded
// revert reason when the node returned one.
type SendError struct {
	Stage  SendStage
	TxHash string
	Reason string
	Err    error
}

func (e *SendError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %v (revert reason: %s)", e.Stage, e.Err, e.Reason)
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
}

// Submitter settles one call at a time on behalf of From.
type Submitter interface {
	From() common.Address
	Send(ctx context.Context, call planner.Call) (Receipt, error)
}

// Chain is the node surface used to submit transactions. *ethclient.Client satisfies it.
type Chain interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type SenderOptions struct {
	PollInterval       time.Duration
	SettlementTimeout  time.Duration
	GasMultiplier      float64
	MaxFeeGwei         string
	MaxPriorityFeeGwei string
}

func DefaultSenderOptions() SenderOptions {
	return SenderOptions{
		PollInterval:      2 * time.Second,
		SettlementTimeout: 2 * time.Minute,
		GasMultiplier:     1.2,
	}
}

// Sender simulates, signs, broadcasts and waits for each call.
type Sender struct {
	client Chain
	signer signer.Signer
	opts   SenderOptions
}

func NewSender(client Chain, txSigner signer.Signer, opts SenderOptions) *Sender {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.SettlementTimeout <= 0 {
		opts.SettlementTimeout = 2 * time.Minute
	}
	if opts.GasMultiplier <= 1 {
		opts.GasMultiplier = 1.2
	}
	return &Sender{client: client, signer: txSigner, opts: opts}
}

func (s *Sender) From() common.Address { return s.signer.Address() }

func (s *Sender) Send(ctx context.Context, call planner.Call) (Receipt, error) {
	chainID, err := s.client.ChainID(ctx)
	if err != nil {
		return Receipt{}, &SendError{Stage: SendStageSimulate, Err: fmt.Errorf("read chain id: %w", err)}
	}
	from := s.signer.Address()
	unlock := acquireSignerNonceLock(chainID, from)
	defer unlock()

	target := call.To
	msg := ethereum.CallMsg{From: from, To: &target, Value: new(big.Int), Data: call.Data}
	if _, err := s.client.CallContract(ctx, msg, nil); err != nil {
		return Receipt{}, &SendError{Stage: SendStageSimulate, Reason: decodeRevertFromError(err), Err: err}
	}

	gasLimit, err := s.client.EstimateGas(ctx, msg)
	if err != nil {
		return Receipt{}, &SendError{Stage: SendStageEstimate, Reason: decodeRevertFromError(err), Err: err}
	}
	gasLimit = uint64(float64(gasLimit) * s.opts.GasMultiplier)

	tipCap, err := resolveTipCap(ctx, s.client, s.opts.MaxPriorityFeeGwei)
	if err != nil {
		return Receipt{}, &SendError{Stage: SendStageSign, Err: err}
	}
	header, err := s.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return Receipt{}, &SendError{Stage: SendStageBroadcast, Err: fmt.Errorf("fetch latest header: %w", err)}
	}
	baseFee := header.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(1_000_000_000)
	}
	feeCap, err := resolveFeeCap(baseFee, tipCap, s.opts.MaxFeeGwei)
	if err != nil {
		return Receipt{}, &SendError{Stage: SendStageSign, Err: err}
	}
	nonce, err := s.client.PendingNonceAt(ctx, from)
	if err != nil {
		return Receipt{}, &SendError{Stage: SendStageBroadcast, Err: fmt.Errorf("fetch nonce: %w", err)}
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &target,
		Value:     new(big.Int),
		Data:      call.Data,
	})
	signed, err := s.signer.SignTx(chainID, tx)
	if err != nil {
		return Receipt{}, &SendError{Stage: SendStageSign, Err: err}
	}
	if err := s.client.SendTransaction(ctx, signed); err != nil {
		return Receipt{}, &SendError{Stage: SendStageBroadcast, Reason: decodeRevertFromError(err), Err: err}
	}

	receipt, err := waitForReceipt(ctx, s.client, signed.Hash(), s.opts.PollInterval, s.opts.SettlementTimeout)
	if err != nil {
		return Receipt{TxHash: signed.Hash()}, &SendError{Stage: SendStageSettle, TxHash: signed.Hash().Hex(), Err: err}
	}
	out := Receipt{TxHash: signed.Hash(), GasUsed: receipt.GasUsed}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		// Replay at the mined block to recover the revert reason.
		reason := ""
		if _, replayErr := s.client.CallContract(ctx, msg, receipt.BlockNumber); replayErr != nil {
			reason = decodeRevertFromError(replayErr)
			if reason == "" {
				reason = replayErr.Error()
			}
		}
		return out, &SendError{Stage: SendStageSettle, TxHash: out.TxHash.Hex(), Reason: reason, Err: ErrReverted}
	}
	return out, nil
}

// ReceiptReader is the subset of Chain used while waiting for settlement.
type ReceiptReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

func waitForReceipt(ctx context.Context, client ReceiptReader, hash common.Hash, poll, timeout time.Duration) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		receipt, err := client.TransactionReceipt(waitCtx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		// Polling errors other than not-found are transient until the timeout.
		select {
		case <-waitCtx.Done():
			return nil, fmt.Errorf("%w: %s", ErrUnconfirmed, hash.Hex())
		case <-ticker.C:
		}
	}
}

type tipCapSuggester interface {
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
}

func resolveTipCap(ctx context.Context, client tipCapSuggester, overrideGwei string) (*big.Int, error) {
	if strings.TrimSpace(overrideGwei) != "" {
		v, err := parseGwei(overrideGwei)
		if err != nil {
			return nil, fmt.Errorf("parse --max-priority-fee-gwei: %w", err)
		}
		return v, nil
	}
	tipCap, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return big.NewInt(2_000_000_000), nil // 2 gwei fallback
	}
	return tipCap, nil
}

func resolveFeeCap(baseFee, tipCap *big.Int, overrideGwei string) (*big.Int, error) {
	if strings.TrimSpace(overrideGwei) != "" {
		v, err := parseGwei(overrideGwei)
		if err != nil {
			return nil, fmt.Errorf("parse --max-fee-gwei: %w", err)
		}
		if v.Cmp(tipCap) < 0 {
			return nil, fmt.Errorf("--max-fee-gwei must be >= --max-priority-fee-gwei")
		}
		return v, nil
	}
	feeCap := new(big.Int).Mul(baseFee, big.NewInt(2))
	feeCap.Add(feeCap, tipCap)
	return feeCap, nil
}

func parseGwei(v string) (*big.Int, error) {
	clean := strings.TrimSpace(v)
	if clean == "" {
		return nil, fmt.Errorf("empty gwei value")
	}
	rat, ok := new(big.Rat).SetString(clean)
	if !ok {
		return nil, fmt.Errorf("invalid numeric value %q", v)
	}
	if rat.Sign() < 0 {
		return nil, fmt.Errorf("value must be non-negative")
	}
	rat.Mul(rat, big.NewRat(1_000_000_000, 1))
	if !rat.IsInt() {
		return nil, fmt.Errorf("value must resolve to an integer wei amount")
	}
	return new(big.Int).Set(rat.Num()), nil
}

var errorStringSelector = []byte{0x08, 0xc3, 0x79, 0xa0}

// decodeRevertData extracts the Error(string) reason, or names the custom error selector.
func decodeRevertData(data []byte) string {
	if len(data) < 4 {
		return ""
	}
	if string(data[:4]) == string(errorStringSelector) {
		stringTy, err := abi.NewType("string", "", nil)
		if err != nil {
			return ""
		}
		values, err := abi.Arguments{{Type: stringTy}}.Unpack(data[4:])
		if err != nil || len(values) != 1 {
			return ""
		}
		reason, _ := values[0].(string)
		return reason
	}
	return "custom error 0x" + hex.EncodeToString(data[:4])
}

// decodeRevertFromError reads revert data attached to a JSON-RPC error, falling
// back to the reason embedded in the message.
func decodeRevertFromError(err error) string {
	if err == nil {
		return ""
	}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if raw, ok := dataErr.ErrorData().(string); ok {
			if reason := decodeRevertData(common.FromHex(raw)); reason != "" {
				return reason
			}
		}
	}
	msg := err.Error()
	if idx := strings.Index(msg, "execution reverted:"); idx >= 0 {
		return strings.TrimSpace(msg[idx+len("execution reverted:"):])
	}
	return ""
}

var signerNonceLocks sync.Map

// acquireSignerNonceLock serializes nonce allocation per signer and chain
// within this process.
func acquireSignerNonceLock(chainID *big.Int, addr common.Address) func() {
	key := fmt.Sprintf("%s:%s", chainID.String(), strings.ToLower(addr.Hex()))
	mu, _ := signerNonceLocks.LoadOrStore(key, &sync.Mutex{})
	lock := mu.(*sync.Mutex)
	lock.Lock()
	return lock.Unlock
}
