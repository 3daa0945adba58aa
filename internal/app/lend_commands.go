package app

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/ggonzalez94/lendpool-cli/internal/amount"
	"github.com/ggonzalez94/lendpool-cli/internal/balances"
	"github.com/ggonzalez94/lendpool-cli/internal/config"
	"github.com/ggonzalez94/lendpool-cli/internal/devnet"
	clierr "github.com/ggonzalez94/lendpool-cli/internal/errors"
	"github.com/ggonzalez94/lendpool-cli/internal/execution"
	"github.com/ggonzalez94/lendpool-cli/internal/execution/planner"
	execsigner "github.com/ggonzalez94/lendpool-cli/internal/execution/signer"
	"github.com/ggonzalez94/lendpool-cli/internal/health"
	"github.com/ggonzalez94/lendpool-cli/internal/policy"
)

func (s *runtimeState) addLendCommands(root *cobra.Command) {
	root.AddCommand(s.newLendCommand(planner.VerbSupply, "Supply assets to the lending pool"))
	root.AddCommand(s.newLendCommand(planner.VerbWithdraw, "Withdraw supplied assets from the lending pool"))
	root.AddCommand(s.newLendCommand(planner.VerbBorrow, "Borrow assets against supplied collateral"))
	root.AddCommand(s.newLendCommand(planner.VerbRepay, "Repay borrowed assets"))
}

type lendArgs struct {
	amountBase         string
	amountDecimal      string
	max                bool
	asset              string
	rateMode           string
	onBehalfOf         string
	timeDelay          int64
	keySource          string
	privateKey         string
	gasMultiplier      float64
	maxFeeGwei         string
	maxPriorityFeeGwei string
}

func (s *runtimeState) newLendCommand(verb planner.Verb, short string) *cobra.Command {
	var args lendArgs
	cmd := &cobra.Command{
		Use:         string(verb),
		Short:       short,
		Annotations: map[string]string{policy.MutatingAnnotation: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), s.settings.Timeout+s.settings.SettlementTimeout)
			defer cancel()
			outcome, warnings, err := s.runLend(ctx, verb, args)
			s.captureWarnings(warnings)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), outcome, warnings, s.cacheMeta(), false)
		},
	}
	cmd.Flags().StringVar(&args.amountBase, "amount", "", "Amount in base units (0 or max means the full balance for withdraw/repay)")
	cmd.Flags().StringVar(&args.amountDecimal, "amount-decimal", "", "Amount in token units, e.g. 1.5")
	if verb.AcceptsFull() {
		cmd.Flags().BoolVar(&args.max, "max", false, "Operate on the full balance")
	}
	cmd.Flags().StringVar(&args.asset, "asset", "", "Reserve asset address (overrides {PREFIX}_TOKEN_ADDRESS and TOKEN_ADDRESS)")
	if verb.UsesRateMode() {
		cmd.Flags().StringVar(&args.rateMode, "rate-mode", "", "Interest rate mode: 1/stable or 2/variable (overrides INTEREST_RATE_MODE)")
	}
	if verb.AcceptsBeneficiary() {
		cmd.Flags().StringVar(&args.onBehalfOf, "on-behalf-of", "", "Position owner (defaults to the signer)")
	}
	cmd.Flags().Int64Var(&args.timeDelay, "time-delay", -1, "Seconds to advance a local node after confirmation (overrides TIME_DELAY)")
	cmd.Flags().StringVar(&args.keySource, "key-source", execsigner.KeySourceAuto, "Signing key source (auto|env|file|keystore)")
	cmd.Flags().StringVar(&args.privateKey, "private-key", "", "Hex private key (prefer PRIVATE_KEY or a key file)")
	cmd.Flags().Float64Var(&args.gasMultiplier, "gas-multiplier", 1.2, "Gas limit multiplier over the estimate")
	cmd.Flags().StringVar(&args.maxFeeGwei, "max-fee-gwei", "", "Max fee per gas in gwei")
	cmd.Flags().StringVar(&args.maxPriorityFeeGwei, "max-priority-fee-gwei", "", "Max priority fee per gas in gwei")
	cmd.MarkFlagsMutuallyExclusive("amount", "amount-decimal")
	if verb.AcceptsFull() {
		cmd.MarkFlagsMutuallyExclusive("amount", "max")
		cmd.MarkFlagsMutuallyExclusive("amount-decimal", "max")
	}
	return cmd
}

func (s *runtimeState) runLend(ctx context.Context, verb planner.Verb, args lendArgs) (execution.Outcome, []string, error) {
	if args.gasMultiplier <= 1 {
		return execution.Outcome{}, nil, clierr.New(clierr.CodeUsage, "--gas-multiplier must be > 1")
	}
	c, set, warnings, err := s.connectWith(ctx, assetOverride(args.asset), config.RoleLendingPool, config.RoleToken)
	if err != nil {
		return execution.Outcome{}, nil, err
	}
	inputs, err := c.resolver.Inputs()
	if err != nil {
		return execution.Outcome{}, warnings, err
	}

	txSigner, err := resolveSigner(c, args.keySource, args.privateKey)
	if err != nil {
		return execution.Outcome{}, warnings, err
	}
	chainID, idWarnings, err := s.chainID(ctx, c)
	warnings = append(warnings, idWarnings...)
	if err != nil {
		return execution.Outcome{}, warnings, err
	}

	agg := s.aggregator(c, set)
	qty, amountWarnings, err := s.resolveAmount(ctx, c, agg, verb, set.Token, inputs, args)
	warnings = append(warnings, amountWarnings...)
	if err != nil {
		return execution.Outcome{}, warnings, err
	}

	req := execution.Request{
		Verb:     verb,
		Asset:    set.Token,
		Amount:   qty,
		RateMode: inputs.RateMode,
	}
	if verb.UsesRateMode() && strings.TrimSpace(args.rateMode) != "" {
		mode, err := config.ParseRateMode(args.rateMode)
		if err != nil {
			return execution.Outcome{}, warnings, clierr.Wrap(clierr.CodeUsage, "--rate-mode", err)
		}
		req.RateMode = mode
	}
	if strings.TrimSpace(args.onBehalfOf) != "" {
		addr, err := parseAddressFlag("--on-behalf-of", args.onBehalfOf)
		if err != nil {
			return execution.Outcome{}, warnings, err
		}
		req.OnBehalfOf = addr
	}
	if args.timeDelay >= 0 {
		req.TimeDelay = uint64(args.timeDelay)
	} else {
		req.TimeDelay = uint64(inputs.TimeDelay.Seconds())
	}

	store, err := s.operationStore()
	if err != nil {
		s.logger.Warn().Err(err).Msg("operation journal unavailable; continuing without persistence")
		warnings = append(warnings, "operation journal unavailable: "+err.Error())
		store = nil
	}

	opts := execution.DefaultSenderOptions()
	opts.PollInterval = s.settings.PollInterval
	opts.SettlementTimeout = s.settings.SettlementTimeout
	opts.GasMultiplier = args.gasMultiplier
	opts.MaxFeeGwei = args.maxFeeGwei
	opts.MaxPriorityFeeGwei = args.maxPriorityFeeGwei

	pool := c.client.Pool(set.LendingPool)
	orchestrator := execution.NewOrchestrator(execution.Deps{
		Pool:      pool,
		Provider:  c.dataProvider(set),
		Tokens:    c.client.Tokens(),
		Health:    health.NewReporter(pool, health.DefaultThresholds()),
		Balances:  agg,
		Submitter: execution.NewSender(c.eth, txSigner, opts),
		Store:     store,
		Metrics:   s.metrics,
		Clock:     devnet.NewClock(c.rpc, c.profile.Name, c.profile.IsLocal),
		Network:   c.profile.Name,
		Local:     c.profile.IsLocal,
		ChainID:   chainID,
		Logger:    s.logger,
		Now:       s.runner.now,
	})
	outcome, err := orchestrator.Execute(ctx, req)
	warnings = append(warnings, outcome.Warnings...)
	return outcome, dedupe(warnings), err
}

// resolveAmount applies the flag, then the operation's amount variable. Variable
// amounts are token units; "0" and an unset amount mean the full balance.
func (s *runtimeState) resolveAmount(ctx context.Context, c *chainSession, agg *balances.Aggregator, verb planner.Verb, asset common.Address, inputs config.Inputs, args lendArgs) (amount.Quantity, []string, error) {
	if args.max {
		return amount.FullQuantity(), nil, nil
	}
	if strings.TrimSpace(args.amountBase) != "" {
		qty, err := amount.ParseBase(args.amountBase)
		return qty, nil, err
	}

	raw := strings.TrimSpace(args.amountDecimal)
	if raw == "" {
		override, ok := c.resolver.AmountOverride(string(verb))
		if !ok {
			return amount.FullQuantity(), nil, nil
		}
		s.logger.Debug().Str("variable", override.Variable).Str("amount", override.Raw).Msg("using amount override")
		raw = override.Raw
	}
	if amount.IsFullToken(raw) {
		return amount.FullQuantity(), nil, nil
	}

	decimals := inputs.TokenDecimals
	var warnings []string
	if decimals < 0 {
		meta, metaWarnings := agg.Metadata(ctx, asset, 18)
		warnings = metaWarnings
		decimals = int(meta.Decimals)
	}
	qty, err := amount.ParseDecimal(raw, decimals)
	return qty, warnings, err
}

func (s *runtimeState) newOperationsCommand() *cobra.Command {
	root := &cobra.Command{Use: "operations", Short: "Inspect the local operation journal"}

	var state string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recorded operations, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit <= 0 {
				return clierr.New(clierr.CodeUsage, "--limit must be > 0")
			}
			store, err := s.operationStore()
			if err != nil {
				return err
			}
			items, err := store.List(strings.ToLower(strings.TrimSpace(state)), limit)
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "list operations", err)
			}
			var warnings []string
			for _, item := range items {
				warnings = append(warnings, interruptedWarning(item)...)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), items, warnings, cacheMetaBypass(), false)
		},
	}
	list.Flags().StringVar(&state, "state", "", "Filter by state (validating|approving|submitting|confirmed|failed)")
	list.Flags().IntVar(&limit, "limit", 20, "Maximum operations to return")

	show := &cobra.Command{
		Use:   "show <operation-id>",
		Short: "Show one recorded operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := s.operationStore()
			if err != nil {
				return err
			}
			outcome, err := store.Get(strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), outcome, interruptedWarning(outcome), cacheMetaBypass(), false)
		},
	}

	root.AddCommand(list, show)
	return root
}

// interruptedWarning flags journaled operations whose process exited before a
// terminal state was recorded; their last transaction may still be pending.
func interruptedWarning(outcome execution.Outcome) []string {
	if outcome.State.Terminal() {
		return nil
	}
	return []string{"operation " + outcome.OperationID + " stopped in state " + string(outcome.State) + " without reaching confirmed or failed"}
}

func (s *runtimeState) newAdvanceTimeCommand() *cobra.Command {
	var seconds uint64
	cmd := &cobra.Command{
		Use:   "advance-time",
		Short: "Advance a local node's clock and mine a block",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), s.settings.Timeout)
			defer cancel()
			c, err := s.session(nil)
			if err != nil {
				return err
			}
			if !c.profile.IsLocal {
				return clierr.New(clierr.CodeUsage, "advance-time is only available on local networks, not "+c.profile.Name)
			}
			if c, err = s.connect(ctx, nil); err != nil {
				return err
			}
			result, err := devnet.NewClock(c.rpc, c.profile.Name, c.profile.IsLocal).Advance(ctx, seconds)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), result, nil, cacheMetaBypass(), false)
		},
	}
	cmd.Flags().Uint64Var(&seconds, "seconds", 0, "Seconds to advance")
	_ = cmd.MarkFlagRequired("seconds")
	return cmd
}
