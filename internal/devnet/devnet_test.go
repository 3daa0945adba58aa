package devnet

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/ggonzalez94/lendpool-cli/internal/chaintest"
	clierr "github.com/ggonzalez94/lendpool-cli/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdvanceIncreasesTimeAndMines(t *testing.T) {
	node := chaintest.NewServer(t)
	var requested uint64
	node.Handle("evm_increaseTime", func(params []json.RawMessage) (any, *chaintest.Error) {
		if assert.Len(t, params, 1) {
			assert.NoError(t, json.Unmarshal(params[0], &requested))
		}
		return requested, nil
	})
	node.Handle("evm_mine", func([]json.RawMessage) (any, *chaintest.Error) { return "0x0", nil })
	node.Handle("eth_getBlockByNumber", func([]json.RawMessage) (any, *chaintest.Error) {
		return map[string]string{"number": "0x2a", "timestamp": "0x65000000"}, nil
	})

	client, err := rpc.DialContext(context.Background(), node.URL)
	require.NoError(t, err)
	defer client.Close()

	adv, err := NewClock(client, "localhost", true).Advance(context.Background(), 86400)
	require.NoError(t, err)
	assert.Equal(t, uint64(86400), requested)
	assert.Equal(t, uint64(42), adv.BlockNumber)
	assert.Equal(t, uint64(0x65000000), adv.BlockTimestamp)
	assert.Equal(t, 1, node.Count("evm_mine"))
}

func TestAdvanceRejectsNonLocalNetwork(t *testing.T) {
	node := chaintest.NewServer(t)
	client, err := rpc.DialContext(context.Background(), node.URL)
	require.NoError(t, err)
	defer client.Close()

	_, err = NewClock(client, "mainnet", false).Advance(context.Background(), 60)
	require.Error(t, err)
	assert.Equal(t, int(clierr.CodeUsage), clierr.ExitCode(err))
	assert.Equal(t, 0, node.Count("evm_increaseTime"))
}
