package protocol

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ggonzalez94/lendpool-cli/internal/chaintest"
	clierr "github.com/ggonzalez94/lendpool-cli/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	poolAddr     = common.HexToAddress("0x00000000000000000000000000000000000000CC")
	providerAddr = common.HexToAddress("0x00000000000000000000000000000000000000DD")
	daiAddr      = common.HexToAddress("0x00000000000000000000000000000000000000D1")
	userAddr     = common.HexToAddress("0x00000000000000000000000000000000000000AA")
)

func newTestClient(t *testing.T, node *chaintest.Server, opts Options) *Client {
	t.Helper()
	rpc, err := ethclient.DialContext(context.Background(), node.URL)
	require.NoError(t, err)
	t.Cleanup(rpc.Close)
	if opts.InitialBackoff == 0 {
		opts.InitialBackoff = time.Millisecond
	}
	return NewClient(rpc, opts)
}

func TestReserveDataDecodesConfiguration(t *testing.T) {
	node := chaintest.NewServer(t)
	// ltv 7500, threshold 8000, bonus 10500, 18 decimals, active, borrowing enabled, factor 1000
	cfg := new(big.Int)
	cfg.Or(cfg, big.NewInt(7500))
	cfg.Or(cfg, new(big.Int).Lsh(big.NewInt(8000), 16))
	cfg.Or(cfg, new(big.Int).Lsh(big.NewInt(10500), 32))
	cfg.Or(cfg, new(big.Int).Lsh(big.NewInt(18), 48))
	cfg.SetBit(cfg, 56, 1)
	cfg.SetBit(cfg, 58, 1)
	cfg.Or(cfg, new(big.Int).Lsh(big.NewInt(1000), 64))

	aToken := common.HexToAddress("0x00000000000000000000000000000000000000A1")
	node.OnCall(PoolABI, "getReserveData", func(to common.Address, args []interface{}) ([]interface{}, *chaintest.Error) {
		assert.Equal(t, poolAddr, to)
		assert.Equal(t, daiAddr, args[0])
		one := big.NewInt(1)
		return []interface{}{
			cfg, one, one, one, one, one, big.NewInt(1700000000),
			aToken, common.Address{}, common.Address{}, common.Address{}, uint8(3),
		}, nil
	})

	client := newTestClient(t, node, Options{})
	rd, err := client.Pool(poolAddr).ReserveData(context.Background(), daiAddr)
	require.NoError(t, err)

	assert.True(t, rd.Exists())
	assert.Equal(t, uint64(7500), rd.Config.LTV)
	assert.Equal(t, uint64(8000), rd.Config.LiquidationThreshold)
	assert.Equal(t, uint64(10500), rd.Config.LiquidationBonus)
	assert.Equal(t, uint64(18), rd.Config.Decimals)
	assert.Equal(t, uint64(1000), rd.Config.ReserveFactor)
	assert.True(t, rd.Config.IsActive)
	assert.False(t, rd.Config.IsFrozen)
	assert.True(t, rd.Config.BorrowingEnabled)
	assert.False(t, rd.Config.StableBorrowingEnabled)
	assert.Equal(t, uint64(1700000000), rd.LastUpdateTimestamp)
	assert.Equal(t, uint8(3), rd.ID)
	assert.Equal(t, aToken, rd.YieldTokenAddress)
	assert.Equal(t, 0, cfg.Cmp(rd.Configuration))
}

func TestReserveDataUnknownAssetDoesNotExist(t *testing.T) {
	node := chaintest.NewServer(t)
	node.OnCall(PoolABI, "getReserveData", func(common.Address, []interface{}) ([]interface{}, *chaintest.Error) {
		zero := new(big.Int)
		return []interface{}{zero, zero, zero, zero, zero, zero, zero,
			common.Address{}, common.Address{}, common.Address{}, common.Address{}, uint8(0)}, nil
	})

	rd, err := newTestClient(t, node, Options{}).Pool(poolAddr).ReserveData(context.Background(), daiAddr)
	require.NoError(t, err)
	assert.False(t, rd.Exists())
}

func TestAllReservesTokensDecodesTuples(t *testing.T) {
	node := chaintest.NewServer(t)
	type token struct {
		Symbol       string
		TokenAddress common.Address
	}
	node.OnCall(DataProviderABI, "getAllReservesTokens", func(common.Address, []interface{}) ([]interface{}, *chaintest.Error) {
		return []interface{}{[]token{
			{Symbol: "DAI", TokenAddress: daiAddr},
			{Symbol: "USDC", TokenAddress: common.HexToAddress("0x00000000000000000000000000000000000000D2")},
		}}, nil
	})

	tokens, err := newTestClient(t, node, Options{}).DataProvider(providerAddr).AllReservesTokens(context.Background())
	require.NoError(t, err)
	require.Len(t, tokens, 2)
	assert.Equal(t, ReserveToken{Symbol: "DAI", TokenAddress: daiAddr}, tokens[0])
	assert.Equal(t, "USDC", tokens[1].Symbol)
}

func TestUserAccountDataAndUserReserveData(t *testing.T) {
	node := chaintest.NewServer(t)
	hf, _ := new(big.Int).SetString("1800000000000000000", 10)
	node.OnCall(PoolABI, "getUserAccountData", func(_ common.Address, args []interface{}) ([]interface{}, *chaintest.Error) {
		assert.Equal(t, userAddr, args[0])
		return []interface{}{big.NewInt(1000), big.NewInt(400), big.NewInt(200), big.NewInt(8000), big.NewInt(7500), hf}, nil
	})
	node.OnCall(DataProviderABI, "getUserReserveData", func(_ common.Address, args []interface{}) ([]interface{}, *chaintest.Error) {
		assert.Equal(t, daiAddr, args[0])
		assert.Equal(t, userAddr, args[1])
		zero := new(big.Int)
		return []interface{}{big.NewInt(5), big.NewInt(0), big.NewInt(42), zero, zero, zero, zero, big.NewInt(0), true}, nil
	})

	client := newTestClient(t, node, Options{})
	account, err := client.Pool(poolAddr).UserAccountData(context.Background(), userAddr)
	require.NoError(t, err)
	assert.Equal(t, "400", account.TotalDebt.String())
	assert.Equal(t, 0, hf.Cmp(account.HealthFactor))

	position, err := client.DataProvider(providerAddr).UserReserveData(context.Background(), daiAddr, userAddr)
	require.NoError(t, err)
	assert.Equal(t, "42", position.DebtFor(2).String())
	assert.Equal(t, "0", position.DebtFor(1).String())
	assert.True(t, position.UsageAsCollateralEnabled)
}

func TestTokenReads(t *testing.T) {
	node := chaintest.NewServer(t)
	node.OnCall(ERC20ABI, "symbol", func(common.Address, []interface{}) ([]interface{}, *chaintest.Error) {
		return []interface{}{"DAI"}, nil
	})
	node.OnCall(ERC20ABI, "decimals", func(common.Address, []interface{}) ([]interface{}, *chaintest.Error) {
		return []interface{}{uint8(18)}, nil
	})
	node.OnCall(ERC20ABI, "balanceOf", func(_ common.Address, args []interface{}) ([]interface{}, *chaintest.Error) {
		assert.Equal(t, userAddr, args[0])
		return []interface{}{big.NewInt(123)}, nil
	})

	tokens := newTestClient(t, node, Options{}).Tokens()
	symbol, err := tokens.Symbol(context.Background(), daiAddr)
	require.NoError(t, err)
	assert.Equal(t, "DAI", symbol)
	decimals, err := tokens.Decimals(context.Background(), daiAddr)
	require.NoError(t, err)
	assert.Equal(t, uint8(18), decimals)
	balance, err := tokens.BalanceOf(context.Background(), daiAddr, userAddr)
	require.NoError(t, err)
	assert.Equal(t, "123", balance.String())
}

func TestTransportFailuresAreRetried(t *testing.T) {
	node := chaintest.NewServer(t)
	node.OnCall(PoolABI, "paused", func(common.Address, []interface{}) ([]interface{}, *chaintest.Error) {
		return []interface{}{true}, nil
	})
	node.FailNext(2)

	var mu sync.Mutex
	events := map[string]int{}
	client := newTestClient(t, node, Options{Retries: 2, Observe: func(method, status string) {
		mu.Lock()
		defer mu.Unlock()
		events[method+"/"+status]++
	}})

	paused, err := client.Pool(poolAddr).Paused(context.Background())
	require.NoError(t, err)
	assert.True(t, paused)
	assert.Equal(t, 3, node.Count("eth_call"))
	assert.Equal(t, 1, events["paused/ok"])
}

func TestTransportFailureExhaustsRetries(t *testing.T) {
	node := chaintest.NewServer(t)
	node.FailNext(10)

	_, err := newTestClient(t, node, Options{Retries: 1}).Pool(poolAddr).Paused(context.Background())
	require.Error(t, err)
	assert.Equal(t, int(clierr.CodeUnavailable), clierr.ExitCode(err))
	assert.Equal(t, 2, node.Count("eth_call"))
}

func TestRevertIsNotRetried(t *testing.T) {
	node := chaintest.NewServer(t)
	node.OnCall(PoolABI, "getUserAccountData", func(common.Address, []interface{}) ([]interface{}, *chaintest.Error) {
		return nil, chaintest.Revert("")
	})

	_, err := newTestClient(t, node, Options{Retries: 3}).Pool(poolAddr).UserAccountData(context.Background(), userAddr)
	require.Error(t, err)
	assert.Equal(t, int(clierr.CodeMissingConfiguration), clierr.ExitCode(err))
	assert.Equal(t, 1, node.Count("getUserAccountData"))
}

func TestEmptyResponseIsMisconfiguration(t *testing.T) {
	node := chaintest.NewServer(t)

	_, err := newTestClient(t, node, Options{}).Pool(poolAddr).ReservesList(context.Background())
	require.Error(t, err)
	assert.Equal(t, int(clierr.CodeMissingConfiguration), clierr.ExitCode(err))
	assert.Contains(t, err.Error(), poolAddr.Hex())
}

func TestDecodeRejectsWrongShape(t *testing.T) {
	_, err := decodeAccountData([]interface{}{big.NewInt(1)})
	require.Error(t, err)
	var shape *ShapeError
	require.ErrorAs(t, err, &shape)
	assert.Equal(t, "getUserAccountData", shape.Method)

	_, err = decodeReserveConfiguration([]interface{}{
		big.NewInt(18), big.NewInt(1), big.NewInt(1), big.NewInt(1), big.NewInt(1),
		true, "yes", false, true, false,
	})
	require.ErrorAs(t, err, &shape)
	assert.Equal(t, "borrowingEnabled", shape.Field)
}
