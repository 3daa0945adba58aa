package protocol

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
	clierr "github.com/ggonzalez94/lendpool-cli/internal/errors"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Caller executes read-only contract calls. *ethclient.Client satisfies it.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Observer receives one event per completed read with status "ok" or "error".
type Observer func(method, status string)

type Options struct {
	// ReadsPerSecond caps outgoing eth_call traffic. Zero disables limiting.
	ReadsPerSecond float64

	// Retries is the number of extra attempts for transport failures. Reverts are never retried.
	Retries int

	InitialBackoff time.Duration
	Observe        Observer
	Logger         zerolog.Logger
}

// Client performs typed reads against the pool, the data provider and tokens.
type Client struct {
	caller         Caller
	limiter        *rate.Limiter
	retries        int
	initialBackoff time.Duration
	observe        Observer
	log            zerolog.Logger
}

func NewClient(caller Caller, opts Options) *Client {
	c := &Client{
		caller:         caller,
		retries:        opts.Retries,
		initialBackoff: opts.InitialBackoff,
		observe:        opts.Observe,
		log:            opts.Logger,
	}
	if opts.ReadsPerSecond > 0 {
		burst := int(opts.ReadsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.ReadsPerSecond), burst)
	}
	if c.retries < 0 {
		c.retries = 0
	}
	if c.initialBackoff <= 0 {
		c.initialBackoff = 200 * time.Millisecond
	}
	if c.observe == nil {
		c.observe = func(string, string) {}
	}
	return c
}

func (c *Client) Pool(address common.Address) *PoolReader {
	return &PoolReader{client: c, address: address}
}

func (c *Client) DataProvider(address common.Address) *DataProviderReader {
	return &DataProviderReader{client: c, address: address}
}

func (c *Client) Tokens() *TokenReader {
	return &TokenReader{client: c}
}

func (c *Client) call(ctx context.Context, contract common.Address, parsed *abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "pack "+method+" calldata", err)
	}

	var raw []byte
	attempt := 0
	op := func() error {
		attempt++
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		out, err := c.caller.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
		if err != nil {
			if ctx.Err() != nil || isRevert(err) {
				return backoff.Permanent(err)
			}
			c.log.Debug().Str("method", method).Int("attempt", attempt).Err(err).Msg("read failed, retrying")
			return err
		}
		raw = out
		return nil
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.initialBackoff
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.retries)), ctx)); err != nil {
		c.observe(method, "error")
		if isRevert(err) {
			return nil, clierr.Wrap(clierr.CodeMissingConfiguration, fmt.Sprintf("%s reverted at %s; check the configured address", method, contract.Hex()), err)
		}
		return nil, clierr.Wrap(clierr.CodeUnavailable, fmt.Sprintf("call %s at %s", method, contract.Hex()), err)
	}
	if len(raw) == 0 && len(parsed.Methods[method].Outputs) > 0 {
		c.observe(method, "error")
		return nil, clierr.New(clierr.CodeMissingConfiguration, fmt.Sprintf("%s returned no data from %s; no contract deployed at the configured address", method, contract.Hex()))
	}
	values, err := parsed.Unpack(method, raw)
	if err != nil {
		c.observe(method, "error")
		return nil, boundaryError(method, contract, err)
	}
	c.observe(method, "ok")
	c.log.Trace().Str("method", method).Str("contract", contract.Hex()).Msg("read ok")
	return values, nil
}

func boundaryError(method string, contract common.Address, err error) error {
	return clierr.Wrap(clierr.CodeMissingConfiguration, fmt.Sprintf("unexpected %s response from %s", method, contract.Hex()), err)
}

func isRevert(err error) bool {
	if err == nil {
		return false
	}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "revert")
}

type PoolReader struct {
	client  *Client
	address common.Address
}

func (p *PoolReader) Address() common.Address { return p.address }

func (p *PoolReader) Paused(ctx context.Context) (bool, error) {
	values, err := p.client.call(ctx, p.address, &PoolABI, "paused")
	if err != nil {
		return false, err
	}
	o, err := expect("paused", values, 1)
	if err != nil {
		return false, boundaryError("paused", p.address, err)
	}
	paused, err := o.bool(0, "paused")
	if err != nil {
		return false, boundaryError("paused", p.address, err)
	}
	return paused, nil
}

func (p *PoolReader) ReserveData(ctx context.Context, asset common.Address) (ReserveData, error) {
	values, err := p.client.call(ctx, p.address, &PoolABI, "getReserveData", asset)
	if err != nil {
		return ReserveData{}, err
	}
	rd, err := decodeReserveData(asset, values)
	if err != nil {
		return ReserveData{}, boundaryError("getReserveData", p.address, err)
	}
	return rd, nil
}

func (p *PoolReader) ReservesList(ctx context.Context) ([]common.Address, error) {
	values, err := p.client.call(ctx, p.address, &PoolABI, "getReservesList")
	if err != nil {
		return nil, err
	}
	if _, err := expect("getReservesList", values, 1); err != nil {
		return nil, boundaryError("getReservesList", p.address, err)
	}
	list, ok := values[0].([]common.Address)
	if !ok {
		return nil, boundaryError("getReservesList", p.address, &ShapeError{Method: "getReservesList", Reason: fmt.Sprintf("is %T, want address[]", values[0])})
	}
	return list, nil
}

func (p *PoolReader) UserAccountData(ctx context.Context, user common.Address) (AccountData, error) {
	values, err := p.client.call(ctx, p.address, &PoolABI, "getUserAccountData", user)
	if err != nil {
		return AccountData{}, err
	}
	ad, err := decodeAccountData(values)
	if err != nil {
		return AccountData{}, boundaryError("getUserAccountData", p.address, err)
	}
	return ad, nil
}

type DataProviderReader struct {
	client  *Client
	address common.Address
}

func (d *DataProviderReader) AllReservesTokens(ctx context.Context) ([]ReserveToken, error) {
	values, err := d.client.call(ctx, d.address, &DataProviderABI, "getAllReservesTokens")
	if err != nil {
		return nil, err
	}
	tokens, err := decodeReserveTokens(values)
	if err != nil {
		return nil, boundaryError("getAllReservesTokens", d.address, err)
	}
	return tokens, nil
}

func (d *DataProviderReader) ReserveConfigurationData(ctx context.Context, asset common.Address) (ReserveConfiguration, error) {
	values, err := d.client.call(ctx, d.address, &DataProviderABI, "getReserveConfigurationData", asset)
	if err != nil {
		return ReserveConfiguration{}, err
	}
	rc, err := decodeReserveConfiguration(values)
	if err != nil {
		return ReserveConfiguration{}, boundaryError("getReserveConfigurationData", d.address, err)
	}
	return rc, nil
}

func (d *DataProviderReader) UserReserveData(ctx context.Context, asset, user common.Address) (UserReserveData, error) {
	values, err := d.client.call(ctx, d.address, &DataProviderABI, "getUserReserveData", asset, user)
	if err != nil {
		return UserReserveData{}, err
	}
	u, err := decodeUserReserveData(values)
	if err != nil {
		return UserReserveData{}, boundaryError("getUserReserveData", d.address, err)
	}
	return u, nil
}

type TokenReader struct {
	client *Client
}

func (t *TokenReader) BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	return t.readUint(ctx, token, "balanceOf", owner)
}

func (t *TokenReader) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	return t.readUint(ctx, token, "allowance", owner, spender)
}

func (t *TokenReader) Symbol(ctx context.Context, token common.Address) (string, error) {
	return t.readString(ctx, token, "symbol")
}

func (t *TokenReader) Name(ctx context.Context, token common.Address) (string, error) {
	return t.readString(ctx, token, "name")
}

func (t *TokenReader) Decimals(ctx context.Context, token common.Address) (uint8, error) {
	values, err := t.client.call(ctx, token, &ERC20ABI, "decimals")
	if err != nil {
		return 0, err
	}
	if _, err := expect("decimals", values, 1); err != nil {
		return 0, boundaryError("decimals", token, err)
	}
	d, ok := values[0].(uint8)
	if !ok {
		return 0, boundaryError("decimals", token, &ShapeError{Method: "decimals", Reason: fmt.Sprintf("is %T, want uint8", values[0])})
	}
	return d, nil
}

func (t *TokenReader) readUint(ctx context.Context, token common.Address, method string, args ...interface{}) (*big.Int, error) {
	values, err := t.client.call(ctx, token, &ERC20ABI, method, args...)
	if err != nil {
		return nil, err
	}
	o, err := expect(method, values, 1)
	if err != nil {
		return nil, boundaryError(method, token, err)
	}
	v, err := o.big(0, method)
	if err != nil {
		return nil, boundaryError(method, token, err)
	}
	return v, nil
}

func (t *TokenReader) readString(ctx context.Context, token common.Address, method string) (string, error) {
	values, err := t.client.call(ctx, token, &ERC20ABI, method)
	if err != nil {
		return "", err
	}
	if _, err := expect(method, values, 1); err != nil {
		return "", boundaryError(method, token, err)
	}
	s, ok := values[0].(string)
	if !ok {
		return "", boundaryError(method, token, &ShapeError{Method: method, Reason: fmt.Sprintf("is %T, want string", values[0])})
	}
	return s, nil
}

var (
	_ Pool         = (*PoolReader)(nil)
	_ DataProvider = (*DataProviderReader)(nil)
	_ Tokens       = (*TokenReader)(nil)
)
