// Package balances aggregates wallet and deposited balances per reserve for one user.
package balances

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/lendpool-cli/internal/amount"
	"github.com/ggonzalez94/lendpool-cli/internal/cache"
	"github.com/ggonzalez94/lendpool-cli/internal/protocol"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// PlaceholderSymbol stands in for tokens whose symbol cannot be read.
const PlaceholderSymbol = "UNKNOWN"

const defaultConcurrency = 4

// Reserve identifies one market. Symbol is the discovery label and may be empty.
type Reserve struct {
	Asset  common.Address `json:"asset"`
	Symbol string         `json:"symbol"`
}

// TokenBalance is one user's position in one reserve. Total is always Wallet + Deposited.
type TokenBalance struct {
	Asset        common.Address
	Symbol       string
	Name         string
	Decimals     uint8
	YieldToken   common.Address
	Wallet       *big.Int
	Deposited    *big.Int
	Total        *big.Int
	StableDebt   *big.Int
	VariableDebt *big.Int
}

// HasBalance reports whether the user holds or owes anything in the reserve.
func (b TokenBalance) HasBalance() bool {
	for _, v := range []*big.Int{b.Total, b.StableDebt, b.VariableDebt} {
		if v != nil && v.Sign() > 0 {
			return true
		}
	}
	return false
}

type amountJSON struct {
	BaseUnits string `json:"base_units"`
	Decimal   string `json:"decimal"`
}

type tokenBalanceJSON struct {
	Asset        string      `json:"asset"`
	Symbol       string      `json:"symbol"`
	Name         string      `json:"name,omitempty"`
	Decimals     uint8       `json:"decimals"`
	YieldToken   string      `json:"yield_token,omitempty"`
	Wallet       amountJSON  `json:"wallet"`
	Deposited    amountJSON  `json:"deposited"`
	Total        amountJSON  `json:"total"`
	StableDebt   *amountJSON `json:"stable_debt,omitempty"`
	VariableDebt *amountJSON `json:"variable_debt,omitempty"`
}

func (b TokenBalance) MarshalJSON() ([]byte, error) {
	out := tokenBalanceJSON{
		Asset:     b.Asset.Hex(),
		Symbol:    b.Symbol,
		Name:      b.Name,
		Decimals:  b.Decimals,
		Wallet:    b.render(b.Wallet),
		Deposited: b.render(b.Deposited),
		Total:     b.render(b.Total),
	}
	if b.YieldToken != (common.Address{}) {
		out.YieldToken = b.YieldToken.Hex()
	}
	if b.StableDebt != nil {
		v := b.render(b.StableDebt)
		out.StableDebt = &v
	}
	if b.VariableDebt != nil {
		v := b.render(b.VariableDebt)
		out.VariableDebt = &v
	}
	return json.Marshal(out)
}

func (b *TokenBalance) UnmarshalJSON(data []byte) error {
	var raw tokenBalanceJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*b = TokenBalance{
		Asset:     common.HexToAddress(raw.Asset),
		Symbol:    raw.Symbol,
		Name:      raw.Name,
		Decimals:  raw.Decimals,
		Wallet:    raw.Wallet.value(),
		Deposited: raw.Deposited.value(),
		Total:     raw.Total.value(),
	}
	if raw.YieldToken != "" {
		b.YieldToken = common.HexToAddress(raw.YieldToken)
	}
	if raw.StableDebt != nil {
		b.StableDebt = raw.StableDebt.value()
	}
	if raw.VariableDebt != nil {
		b.VariableDebt = raw.VariableDebt.value()
	}
	return nil
}

func (a amountJSON) value() *big.Int {
	v, ok := new(big.Int).SetString(a.BaseUnits, 10)
	if !ok {
		return new(big.Int)
	}
	return v
}

func (b TokenBalance) render(v *big.Int) amountJSON {
	if v == nil {
		v = new(big.Int)
	}
	return amountJSON{BaseUnits: v.String(), Decimal: amount.Format(v, int(b.Decimals))}
}

// Result is the outcome for one reserve: a balance or the reason it could not be read.
type Result struct {
	Asset    common.Address
	Balance  *TokenBalance
	Err      error
	Warnings []string
}

func (r Result) OK() bool { return r.Err == nil && r.Balance != nil }

func (r Result) MarshalJSON() ([]byte, error) {
	out := map[string]any{"asset": r.Asset.Hex(), "ok": r.OK()}
	if r.Balance != nil {
		out["balance"] = r.Balance
	}
	if r.Err != nil {
		out["error"] = r.Err.Error()
	}
	if len(r.Warnings) > 0 {
		out["warnings"] = r.Warnings
	}
	return json.Marshal(out)
}

// Report holds one Result per requested reserve, in request order.
type Report struct {
	User     common.Address `json:"user"`
	Results  []Result       `json:"results"`
	Warnings []string       `json:"warnings,omitempty"`
}

// ByAsset indexes every result, failed ones included.
func (r Report) ByAsset() map[common.Address]Result {
	out := make(map[common.Address]Result, len(r.Results))
	for _, res := range r.Results {
		out[res.Asset] = res
	}
	return out
}

// WithBalance drops failed reserves and reserves where the user holds nothing.
func (r Report) WithBalance() []Result {
	out := make([]Result, 0, len(r.Results))
	for _, res := range r.Results {
		if res.OK() && res.Balance.HasBalance() {
			out = append(out, res)
		}
	}
	return out
}

// Failed returns the results that could not be read.
func (r Report) Failed() []Result {
	var out []Result
	for _, res := range r.Results {
		if !res.OK() {
			out = append(out, res)
		}
	}
	return out
}

type Options struct {
	ChainID     uint64
	Cache       *cache.Store
	MetadataTTL time.Duration
	Concurrency int
	Logger      zerolog.Logger
}

type Aggregator struct {
	pool     protocol.Pool
	provider protocol.DataProvider
	tokens   protocol.Tokens
	opts     Options
}

// New builds an aggregator. provider may be nil; debt columns are then omitted.
func New(pool protocol.Pool, provider protocol.DataProvider, tokens protocol.Tokens, opts Options) *Aggregator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.MetadataTTL <= 0 {
		opts.MetadataTTL = 24 * time.Hour
	}
	return &Aggregator{pool: pool, provider: provider, tokens: tokens, opts: opts}
}

// Reserves lists the pool's reserves, preferring the data provider and falling
// back to the pool's own list when the provider is absent or fails.
func (a *Aggregator) Reserves(ctx context.Context) ([]Reserve, []string, error) {
	var warnings []string
	if a.provider != nil {
		tokens, err := a.provider.AllReservesTokens(ctx)
		if err == nil {
			out := make([]Reserve, 0, len(tokens))
			for _, tok := range tokens {
				out = append(out, Reserve{Asset: tok.TokenAddress, Symbol: tok.Symbol})
			}
			return out, nil, nil
		}
		warnings = append(warnings, fmt.Sprintf("data provider reserve listing failed, using pool reserve list: %v", err))
	} else {
		warnings = append(warnings, "data provider not configured; listing reserves from the pool")
	}
	for _, w := range warnings {
		a.opts.Logger.Warn().Msg(w)
	}

	assets, err := a.pool.ReservesList(ctx)
	if err != nil {
		return nil, warnings, err
	}
	out := make([]Reserve, 0, len(assets))
	for _, asset := range assets {
		meta, metaWarnings := a.Metadata(ctx, asset, 0)
		warnings = append(warnings, metaWarnings...)
		out = append(out, Reserve{Asset: asset, Symbol: meta.Symbol})
	}
	return out, warnings, nil
}

// Aggregate reads every reserve concurrently. A failing reserve is recorded in
// its Result and never aborts the others.
func (a *Aggregator) Aggregate(ctx context.Context, user common.Address, reserves []Reserve) Report {
	report := Report{User: user, Results: make([]Result, len(reserves))}
	var g errgroup.Group
	g.SetLimit(a.opts.Concurrency)
	for i, res := range reserves {
		i, res := i, res
		g.Go(func() error {
			report.Results[i] = a.read(ctx, user, res.Asset)
			return nil
		})
	}
	_ = g.Wait()
	for _, res := range report.Results {
		report.Warnings = append(report.Warnings, res.Warnings...)
		if res.Err != nil {
			a.opts.Logger.Warn().Str("asset", res.Asset.Hex()).Err(res.Err).Msg("reserve balance read failed")
		}
	}
	return report
}

// Balance reads a single reserve and fails if any required read fails.
func (a *Aggregator) Balance(ctx context.Context, user, asset common.Address) (TokenBalance, []string, error) {
	res := a.read(ctx, user, asset)
	if res.Err != nil {
		return TokenBalance{}, res.Warnings, res.Err
	}
	return *res.Balance, res.Warnings, nil
}

func (a *Aggregator) read(ctx context.Context, user, asset common.Address) Result {
	out := Result{Asset: asset}

	rd, err := a.pool.ReserveData(ctx, asset)
	if err != nil {
		out.Err = fmt.Errorf("read reserve data: %w", err)
		return out
	}
	meta, warnings := a.Metadata(ctx, asset, uint8(rd.Config.Decimals))
	out.Warnings = append(out.Warnings, warnings...)

	wallet, err := a.tokens.BalanceOf(ctx, asset, user)
	if err != nil {
		out.Err = fmt.Errorf("read wallet balance: %w", err)
		return out
	}
	deposited := new(big.Int)
	if rd.Exists() {
		deposited, err = a.tokens.BalanceOf(ctx, rd.YieldTokenAddress, user)
		if err != nil {
			out.Err = fmt.Errorf("read deposited balance: %w", err)
			return out
		}
	}

	bal := &TokenBalance{
		Asset:      asset,
		Symbol:     meta.Symbol,
		Name:       meta.Name,
		Decimals:   meta.Decimals,
		YieldToken: rd.YieldTokenAddress,
		Wallet:     wallet,
		Deposited:  deposited,
		Total:      new(big.Int).Add(wallet, deposited),
	}
	if a.provider != nil && rd.Exists() {
		position, err := a.provider.UserReserveData(ctx, asset, user)
		if err != nil {
			out.Warnings = append(out.Warnings, fmt.Sprintf("%s: debt unavailable: %v", asset.Hex(), err))
		} else {
			bal.StableDebt = position.DebtFor(1)
			bal.VariableDebt = position.DebtFor(2)
		}
	}
	out.Balance = bal
	return out
}

// Metadata resolves symbol, name and decimals for a token, using the cache when
// fresh. Unreadable fields degrade to placeholders with a warning; fallbackDecimals
// is used when decimals cannot be read.
func (a *Aggregator) Metadata(ctx context.Context, token common.Address, fallbackDecimals uint8) (protocol.TokenMetadata, []string) {
	if entry, ok, err := a.opts.Cache.Lookup(a.opts.ChainID, token); err == nil && ok && !entry.Stale {
		return entry.Metadata, nil
	} else if err != nil {
		a.opts.Logger.Debug().Err(err).Msg("token metadata cache read failed")
	}

	meta := protocol.TokenMetadata{Address: token}
	var warnings []string
	complete := true

	symbol, err := a.tokens.Symbol(ctx, token)
	if err != nil || symbol == "" {
		complete = false
		symbol = PlaceholderSymbol
		warnings = append(warnings, fmt.Sprintf("%s: symbol unreadable, using %s", token.Hex(), PlaceholderSymbol))
	}
	meta.Symbol = symbol

	decimals, err := a.tokens.Decimals(ctx, token)
	if err != nil {
		complete = false
		decimals = fallbackDecimals
		warnings = append(warnings, fmt.Sprintf("%s: decimals unreadable, using %d", token.Hex(), fallbackDecimals))
	}
	meta.Decimals = decimals

	name, err := a.tokens.Name(ctx, token)
	if err != nil {
		complete = false
	}
	meta.Name = name

	for _, w := range warnings {
		a.opts.Logger.Warn().Str("token", token.Hex()).Msg(w)
	}
	if complete {
		if err := a.opts.Cache.Put(a.opts.ChainID, meta, a.opts.MetadataTTL); err != nil {
			a.opts.Logger.Debug().Err(err).Msg("token metadata cache write failed")
		}
	}
	return meta, warnings
}
