// Package devnet drives the time-control RPCs exposed by local development nodes.
package devnet

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	clierr "github.com/ggonzalez94/lendpool-cli/internal/errors"
)

// RPC is the subset of *rpc.Client used here.
type RPC interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

type Clock struct {
	rpc     RPC
	network string
	local   bool
}

// Advance is the result of moving the node clock forward.
type Advance struct {
	Network        string `json:"network"`
	Seconds        uint64 `json:"seconds"`
	BlockNumber    uint64 `json:"block_number"`
	BlockTimestamp uint64 `json:"block_timestamp"`
}

func NewClock(rpc RPC, network string, local bool) *Clock {
	return &Clock{rpc: rpc, network: network, local: local}
}

// Advance increases the node time by seconds and mines one block so the new
// timestamp takes effect. Only local networks accept it.
func (c *Clock) Advance(ctx context.Context, seconds uint64) (Advance, error) {
	if !c.local {
		return Advance{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("time control is only available on local networks, not %q", c.network))
	}
	if seconds == 0 {
		return Advance{}, clierr.New(clierr.CodeUsage, "seconds must be greater than zero")
	}

	var shifted interface{}
	if err := c.rpc.CallContext(ctx, &shifted, "evm_increaseTime", seconds); err != nil {
		return Advance{}, clierr.Wrap(clierr.CodeUnavailable, "evm_increaseTime", err)
	}
	var mined interface{}
	if err := c.rpc.CallContext(ctx, &mined, "evm_mine"); err != nil {
		return Advance{}, clierr.Wrap(clierr.CodeUnavailable, "evm_mine", err)
	}

	var head struct {
		Number    hexutil.Uint64 `json:"number"`
		Timestamp hexutil.Uint64 `json:"timestamp"`
	}
	if err := c.rpc.CallContext(ctx, &head, "eth_getBlockByNumber", "latest", false); err != nil {
		return Advance{}, clierr.Wrap(clierr.CodeUnavailable, "read latest block", err)
	}
	return Advance{
		Network:        c.network,
		Seconds:        seconds,
		BlockNumber:    uint64(head.Number),
		BlockTimestamp: uint64(head.Timestamp),
	}, nil
}
