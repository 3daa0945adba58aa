package app

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ggonzalez94/lendpool-cli/internal/balances"
	"github.com/ggonzalez94/lendpool-cli/internal/config"
	clierr "github.com/ggonzalez94/lendpool-cli/internal/errors"
	"github.com/ggonzalez94/lendpool-cli/internal/health"
	"github.com/ggonzalez94/lendpool-cli/internal/protocol"
	"github.com/ggonzalez94/lendpool-cli/internal/registry"
	"github.com/ggonzalez94/lendpool-cli/internal/reserve"
)

type configReport struct {
	EnvFile         string                        `json:"env_file"`
	Network         config.NetworkProfile         `json:"network"`
	RPCURL          string                        `json:"rpc_url,omitempty"`
	Addresses       config.AddressSet             `json:"addresses"`
	Inputs          config.Inputs                 `json:"inputs"`
	TimeDelaySecs   int64                         `json:"time_delay_seconds"`
	AmountOverrides map[string]config.AmountInput `json:"amount_overrides,omitempty"`
	KnownNetworks   []string                      `json:"known_networks"`
}

func (s *runtimeState) newConfigCommand() *cobra.Command {
	root := &cobra.Command{Use: "config", Short: "Inspect resolved configuration"}
	show := &cobra.Command{
		Use:   "show",
		Short: "Show the network profile, contract addresses and operator inputs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := s.session(nil)
			if err != nil {
				return err
			}
			set, warnings, err := c.resolver.AddressSet()
			if err != nil {
				return err
			}
			inputs, err := c.resolver.Inputs()
			if err != nil {
				return err
			}
			report := configReport{
				EnvFile:       s.settings.EnvFile,
				Network:       c.profile,
				Addresses:     set,
				Inputs:        inputs,
				TimeDelaySecs: int64(inputs.TimeDelay.Seconds()),
			}
			if url, err := c.resolver.RPCURL(s.settings.RPCURL); err == nil {
				report.RPCURL = url
			} else {
				warnings = append(warnings, err.Error())
			}
			for _, op := range []string{"supply", "withdraw", "borrow", "repay"} {
				if in, ok := c.resolver.AmountOverride(op); ok {
					if report.AmountOverrides == nil {
						report.AmountOverrides = map[string]config.AmountInput{}
					}
					report.AmountOverrides[op] = in
				}
			}
			for _, n := range registry.Networks() {
				report.KnownNetworks = append(report.KnownNetworks, n.Name)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), report, warnings, cacheMetaBypass(), false)
		},
	}
	root.AddCommand(show)
	return root
}

// reserveStatus is the decoded view of one reserve. Config is only
// meaningful when Exists is true.
type reserveStatus struct {
	Asset                string                         `json:"asset"`
	Symbol               string                         `json:"symbol"`
	Exists               bool                           `json:"exists"`
	ConfigurationWord    string                         `json:"configuration_word,omitempty"`
	Config               *reserve.Config                `json:"config,omitempty"`
	LTV                  string                         `json:"ltv,omitempty"`
	LiquidationThreshold string                         `json:"liquidation_threshold,omitempty"`
	YieldToken           string                         `json:"yield_token,omitempty"`
	ProviderView         *protocol.ReserveConfiguration `json:"provider_view,omitempty"`
	Error                string                         `json:"error,omitempty"`
}

func (s *runtimeState) newReservesCommand() *cobra.Command {
	root := &cobra.Command{Use: "reserves", Short: "Reserve discovery and configuration decoding"}

	list := &cobra.Command{
		Use:   "list",
		Short: "List reserves known to the lending pool",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), s.settings.Timeout)
			defer cancel()
			c, set, warnings, err := s.connectWith(ctx, nil, config.RoleLendingPool)
			if err != nil {
				return err
			}
			reserves, listWarnings, err := s.aggregator(c, set).Reserves(ctx)
			warnings = append(warnings, listWarnings...)
			s.captureWarnings(warnings)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), reserves, warnings, s.cacheMeta(), false)
		},
	}

	var statusAsset string
	status := &cobra.Command{
		Use:   "status",
		Short: "Decode configuration flags and check existence for each reserve",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), s.settings.Timeout)
			defer cancel()
			c, set, warnings, err := s.connectWith(ctx, nil, config.RoleLendingPool)
			if err != nil {
				return err
			}
			agg := s.aggregator(c, set)

			var reserves []balances.Reserve
			if strings.TrimSpace(statusAsset) != "" {
				asset, err := parseAddressFlag("--asset", statusAsset)
				if err != nil {
					return err
				}
				reserves = []balances.Reserve{{Asset: asset}}
			} else {
				listed, listWarnings, err := agg.Reserves(ctx)
				warnings = append(warnings, listWarnings...)
				if err != nil {
					s.captureWarnings(warnings)
					return err
				}
				reserves = listed
			}

			pool := c.client.Pool(set.LendingPool)
			provider := c.dataProvider(set)
			items := make([]reserveStatus, len(reserves))
			var g errgroup.Group
			g.SetLimit(s.settings.ReadConcurrency)
			for i, res := range reserves {
				i, res := i, res
				g.Go(func() error {
					items[i] = readReserveStatus(ctx, pool, provider, agg, res)
					return nil
				})
			}
			_ = g.Wait()

			partial := false
			for _, item := range items {
				if item.Error != "" {
					partial = true
					warnings = append(warnings, fmt.Sprintf("reserve %s: %s", item.Asset, item.Error))
				} else if !item.Exists {
					warnings = append(warnings, fmt.Sprintf("reserve %s does not exist in the pool; decoded flags omitted", item.Asset))
				}
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), items, warnings, s.cacheMeta(), partial)
		},
	}
	status.Flags().StringVar(&statusAsset, "asset", "", "Only report this reserve asset address")

	decode := &cobra.Command{
		Use:   "decode <word>",
		Short: "Decode a packed reserve configuration word (decimal or 0x hex)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			word, err := reserve.ParseWord(args[0])
			if err != nil {
				return err
			}
			cfg := reserve.Decode(word)
			data := map[string]any{
				"word":                  word.Dec(),
				"word_hex":              word.Hex(),
				"config":                cfg,
				"ltv":                   reserve.Percent(cfg.LTV),
				"liquidation_threshold": reserve.Percent(cfg.LiquidationThreshold),
				"liquidation_bonus":     reserve.Percent(cfg.LiquidationBonus),
				"reserve_factor":        reserve.Percent(cfg.ReserveFactor),
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil, cacheMetaBypass(), false)
		},
	}

	root.AddCommand(list, status, decode)
	return root
}

func readReserveStatus(ctx context.Context, pool protocol.Pool, provider protocol.DataProvider, agg *balances.Aggregator, res balances.Reserve) reserveStatus {
	out := reserveStatus{Asset: res.Asset.Hex(), Symbol: res.Symbol}
	rd, err := pool.ReserveData(ctx, res.Asset)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	if out.Symbol == "" {
		meta, _ := agg.Metadata(ctx, res.Asset, uint8(rd.Config.Decimals))
		out.Symbol = meta.Symbol
	}
	out.Exists = rd.Exists()
	if !out.Exists {
		return out
	}
	cfg := rd.Config
	out.Config = &cfg
	out.ConfigurationWord = rd.Configuration.String()
	out.LTV = reserve.Percent(cfg.LTV)
	out.LiquidationThreshold = reserve.Percent(cfg.LiquidationThreshold)
	out.YieldToken = rd.YieldTokenAddress.Hex()
	if provider != nil {
		view, err := provider.ReserveConfigurationData(ctx, res.Asset)
		if err != nil {
			out.Error = "data provider configuration: " + err.Error()
			return out
		}
		out.ProviderView = &view
	}
	return out
}

func (s *runtimeState) newBalancesCommand() *cobra.Command {
	var user, asset string
	var withBalance bool
	cmd := &cobra.Command{
		Use:   "balances",
		Short: "Wallet, deposited and debt balances per reserve",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), s.settings.Timeout)
			defer cancel()
			c, set, warnings, err := s.connectWith(ctx, nil, config.RoleLendingPool)
			if err != nil {
				return err
			}
			owner, err := resolveUser(c, user)
			if err != nil {
				return err
			}
			agg := s.aggregator(c, set)

			var reserves []balances.Reserve
			if strings.TrimSpace(asset) != "" {
				addr, err := parseAddressFlag("--asset", asset)
				if err != nil {
					return err
				}
				reserves = []balances.Reserve{{Asset: addr}}
			} else {
				listed, listWarnings, err := agg.Reserves(ctx)
				warnings = append(warnings, listWarnings...)
				if err != nil {
					s.captureWarnings(warnings)
					return err
				}
				reserves = listed
			}

			report := agg.Aggregate(ctx, owner, reserves)
			warnings = append(warnings, report.Warnings...)
			failed := report.Failed()
			for _, res := range failed {
				warnings = append(warnings, fmt.Sprintf("reserve %s: %v", res.Asset.Hex(), res.Err))
			}
			if len(reserves) > 0 && len(failed) == len(reserves) {
				s.captureWarnings(warnings)
				return clierr.Wrap(clierr.CodeUnavailable, "read balances", failed[0].Err)
			}
			var data any = report
			if withBalance {
				data = balancesView{User: owner, Results: report.WithBalance()}
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, dedupe(warnings), s.cacheMeta(), len(failed) > 0)
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "Account address (defaults to the configured signer)")
	cmd.Flags().StringVar(&asset, "asset", "", "Only read this reserve asset address")
	cmd.Flags().BoolVar(&withBalance, "with-balance", false, "Only list reserves where the user holds or owes something")
	return cmd
}

type balancesView struct {
	User    common.Address    `json:"user"`
	Results []balances.Result `json:"results"`
}

type healthReport struct {
	Snapshot   health.Snapshot   `json:"snapshot"`
	Thresholds health.Thresholds `json:"thresholds"`
}

func (s *runtimeState) newHealthCommand() *cobra.Command {
	var user string
	thresholds := health.DefaultThresholds()
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Account health snapshot and risk band",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if thresholds.AtRisk <= 0 || thresholds.Healthy < thresholds.AtRisk {
				return clierr.New(clierr.CodeUsage, "--at-risk must be positive and not above --healthy")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), s.settings.Timeout)
			defer cancel()
			c, set, warnings, err := s.connectWith(ctx, nil, config.RoleLendingPool)
			if err != nil {
				return err
			}
			owner, err := resolveUser(c, user)
			if err != nil {
				return err
			}
			reporter := health.NewReporter(c.client.Pool(set.LendingPool), thresholds)
			snap, err := reporter.Snapshot(ctx, owner)
			if err != nil {
				s.captureWarnings(warnings)
				return err
			}
			if snap.Band == health.BandAtRisk {
				warnings = append(warnings, fmt.Sprintf("health factor %s is below the at-risk threshold %.2f", snap.FactorDisplay(), thresholds.AtRisk))
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), healthReport{Snapshot: snap, Thresholds: reporter.Thresholds()}, warnings, cacheMetaBypass(), false)
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "Account address (defaults to the configured signer)")
	cmd.Flags().Float64Var(&thresholds.AtRisk, "at-risk", health.DefaultAtRisk, "Health factor below which the account is at risk")
	cmd.Flags().Float64Var(&thresholds.Healthy, "healthy", health.DefaultHealthy, "Health factor at or above which the account is healthy")
	return cmd
}

// connectWith connects and resolves the address set with the required roles.
func (s *runtimeState) connectWith(ctx context.Context, overrides map[config.Role]string, required ...config.Role) (*chainSession, config.AddressSet, []string, error) {
	c, err := s.connect(ctx, overrides)
	if err != nil {
		return nil, config.AddressSet{}, nil, err
	}
	set, warnings, err := c.resolver.AddressSet(required...)
	if err != nil {
		return nil, config.AddressSet{}, nil, err
	}
	// Only the data provider is worth a warning on read commands.
	filtered := warnings[:0]
	for _, w := range warnings {
		if strings.HasPrefix(w, string(config.RoleDataProvider)) {
			filtered = append(filtered, w)
		}
	}
	return c, set, filtered, nil
}

func dedupe(items []string) []string {
	if len(items) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	sort.Strings(out)
	return out
}
