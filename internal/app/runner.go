package app

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ggonzalez94/lendpool-cli/internal/cache"
	"github.com/ggonzalez94/lendpool-cli/internal/config"
	clierr "github.com/ggonzalez94/lendpool-cli/internal/errors"
	"github.com/ggonzalez94/lendpool-cli/internal/execution"
	"github.com/ggonzalez94/lendpool-cli/internal/logging"
	"github.com/ggonzalez94/lendpool-cli/internal/metrics"
	"github.com/ggonzalez94/lendpool-cli/internal/model"
	"github.com/ggonzalez94/lendpool-cli/internal/out"
	"github.com/ggonzalez94/lendpool-cli/internal/policy"
	"github.com/ggonzalez94/lendpool-cli/internal/schema"
	"github.com/ggonzalez94/lendpool-cli/internal/version"
)

type Runner struct {
	stdout io.Writer
	stderr io.Writer
	now    func() time.Time
}

func NewRunner() *Runner {
	return NewRunnerWithWriters(os.Stdout, os.Stderr)
}

func NewRunnerWithWriters(stdout, stderr io.Writer) *Runner {
	return &Runner{
		stdout: stdout,
		stderr: stderr,
		now:    time.Now,
	}
}

type runtimeState struct {
	runner       *Runner
	flags        config.GlobalFlags
	settings     config.Settings
	root         *cobra.Command
	lastCommand  string
	lastWarnings []string

	logger    zerolog.Logger
	logCloser io.Closer
	metrics   *metrics.Metrics
	cache     *cache.Store
	store     *execution.Store

	chain *chainSession
}

func (r *Runner) Run(args []string) int {
	state := &runtimeState{runner: r, logger: zerolog.Nop(), metrics: metrics.New()}
	root := state.newRootCommand()
	state.root = root
	root.SetArgs(args)
	root.SetOut(r.stdout)
	root.SetErr(r.stderr)
	root.SilenceUsage = true
	root.SilenceErrors = true

	err := root.Execute()
	err = normalizeRunError(err)
	if err != nil {
		state.renderError("", err, state.lastWarnings)
	}
	state.close()
	return clierr.ExitCode(err)
}

func (s *runtimeState) close() {
	if s.settings.MetricsFile != "" {
		if err := s.metrics.WriteFile(s.settings.MetricsFile); err != nil {
			s.logger.Warn().Err(err).Str("path", s.settings.MetricsFile).Msg("write metrics file")
		}
	}
	if s.chain != nil {
		s.chain.close()
	}
	if s.store != nil {
		_ = s.store.Close()
	}
	if s.cache != nil {
		_ = s.cache.Close()
	}
	if s.logCloser != nil {
		_ = s.logCloser.Close()
	}
}

func (s *runtimeState) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   version.CLIName,
		Short: "Lending-pool interaction and diagnostics CLI",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			settings, err := config.Load(s.flags)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "load configuration", err)
			}
			s.settings = settings

			logger, closer := logging.New(logging.Config{
				Level:  settings.LogLevel,
				Pretty: settings.LogPretty,
				File:   settings.LogFile,
			})
			s.logger = logger
			s.logCloser = closer

			path := trimRootPath(cmd.CommandPath())
			s.lastCommand = path
			if err := policy.CheckCommandAllowed(settings.EnableCommands, path); err != nil {
				return err
			}
			if err := policy.CheckWriteAllowed(settings.ReadOnly, path, cmd.Annotations); err != nil {
				return err
			}

			if settings.CacheEnabled && shouldOpenCache(path) && s.cache == nil {
				cacheStore, err := cache.Open(settings.CachePath, settings.CacheLockPath)
				if err != nil {
					// Reads fall back to the chain without a cache.
					s.logger.Warn().Err(err).Str("path", settings.CachePath).Msg("token metadata cache unavailable")
				} else {
					s.cache = cacheStore
				}
			}
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return clierr.Wrap(clierr.CodeUsage, "parse flags", err)
	})

	cmd.PersistentFlags().BoolVar(&s.flags.JSON, "json", false, "Output JSON (default)")
	cmd.PersistentFlags().BoolVar(&s.flags.Plain, "plain", false, "Output plain text")
	cmd.PersistentFlags().StringVar(&s.flags.Select, "select", "", "Select fields from data (comma-separated)")
	cmd.PersistentFlags().BoolVar(&s.flags.ResultsOnly, "results-only", false, "Output only data payload")
	cmd.PersistentFlags().StringVar(&s.flags.EnableCommands, "enable-commands", "", "Allowlist command paths (comma-separated)")
	cmd.PersistentFlags().BoolVar(&s.flags.ReadOnly, "read-only", false, "Reject commands that send transactions")
	cmd.PersistentFlags().StringVar(&s.flags.Timeout, "timeout", "", "Per-command timeout for chain reads and settlement")
	cmd.PersistentFlags().IntVar(&s.flags.Retries, "retries", -1, "Retries per RPC read on transport failures")
	cmd.PersistentFlags().BoolVar(&s.flags.NoCache, "no-cache", false, "Disable the token metadata cache")
	cmd.PersistentFlags().StringVar(&s.flags.ConfigPath, "config", "", "Path to config file")
	cmd.PersistentFlags().StringVar(&s.flags.Network, "network", "", "Network profile (overrides NETWORK)")
	cmd.PersistentFlags().StringVar(&s.flags.RPCURL, "rpc-url", "", "RPC endpoint (overrides {PREFIX}_RPC_URL and RPC_URL)")
	cmd.PersistentFlags().StringVar(&s.flags.EnvFile, "env-file", "", "Dotenv file with operator inputs (default .env)")
	cmd.PersistentFlags().StringVar(&s.flags.LogLevel, "log-level", "", "Log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&s.flags.LogFile, "log-file", "", "Also write logs to this rotated file")
	cmd.PersistentFlags().StringVar(&s.flags.MetricsFile, "metrics-file", "", "Write Prometheus metrics to this file on exit")

	cmd.AddCommand(s.newSchemaCommand())
	cmd.AddCommand(s.newConfigCommand())
	cmd.AddCommand(s.newReservesCommand())
	cmd.AddCommand(s.newBalancesCommand())
	cmd.AddCommand(s.newHealthCommand())
	s.addLendCommands(cmd)
	cmd.AddCommand(s.newOperationsCommand())
	cmd.AddCommand(s.newAdvanceTimeCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func newVersionCommand() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			if long {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.Long())
				return
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.CLIVersion)
		},
	}
	cmd.Flags().BoolVar(&long, "long", false, "Print extended build metadata")
	return cmd
}

func (s *runtimeState) newSchemaCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema [command path]",
		Short: "Print machine-readable command schema",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) > 0 {
				path = strings.Join(args, " ")
			}
			data, err := schema.Build(s.root, path)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "build schema", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil, cacheMetaBypass(), false)
		},
	}
	return cmd
}

func (s *runtimeState) emitSuccess(commandPath string, data any, warnings []string, cacheStatus model.CacheStatus, partial bool) error {
	env := model.Envelope{
		Version:  model.EnvelopeVersion,
		Success:  true,
		Data:     data,
		Error:    nil,
		Warnings: warnings,
		Meta:     s.meta(commandPath, cacheStatus),
	}
	env.Meta.Partial = partial
	return out.Render(s.runner.stdout, env, s.settings)
}

func (s *runtimeState) meta(commandPath string, cacheStatus model.CacheStatus) model.EnvelopeMeta {
	m := model.EnvelopeMeta{
		RequestID: newRequestID(),
		Timestamp: s.runner.now().UTC(),
		Command:   commandPath,
		Cache:     cacheStatus,
	}
	if s.chain != nil {
		m.Network = s.chain.profile.Name
		m.ChainID = s.chain.profile.ChainID
	}
	return m
}

func (s *runtimeState) renderError(commandPath string, err error, warnings []string) {
	if strings.TrimSpace(commandPath) == "" {
		commandPath = s.lastCommand
		if commandPath == "" {
			commandPath = version.CLIName
		}
	}
	code := clierr.ExitCode(err)
	body := &model.ErrorBody{
		Code:    code,
		Type:    clierr.TypeName(clierr.Code(code)),
		Message: err.Error(),
	}
	if cErr, ok := clierr.As(err); ok {
		body.Message = cErr.Message
		if cErr.Cause != nil {
			body.Message = fmt.Sprintf("%s: %v", cErr.Message, cErr.Cause)
		}
	}
	if opErr, ok := execution.AsOperationError(err); ok {
		body.Kind = string(opErr.Failure.Kind)
		body.Hint = opErr.Failure.Hint
		body.Raw = opErr.Failure.Raw
		body.OperationID = opErr.OperationID
	}

	settings := s.settings
	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	settings.ResultsOnly = false
	settings.SelectFields = nil
	env := model.Envelope{
		Version:  model.EnvelopeVersion,
		Success:  false,
		Data:     []any{},
		Error:    body,
		Warnings: warnings,
		Meta:     s.meta(commandPath, cacheMetaBypass()),
	}
	_ = out.Render(s.runner.stderr, env, settings)
}

func (s *runtimeState) captureWarnings(warnings []string) {
	if len(warnings) == 0 {
		s.lastWarnings = nil
		return
	}
	s.lastWarnings = append([]string(nil), warnings...)
}

func newRequestID() string {
	return uuid.NewString()
}

func trimRootPath(path string) string {
	parts := strings.Fields(path)
	if len(parts) <= 1 {
		return path
	}
	return strings.Join(parts[1:], " ")
}

func cacheMetaBypass() model.CacheStatus {
	return model.CacheStatus{Status: "bypass", AgeMS: 0, Stale: false}
}

// cacheMeta reports whether token metadata went through the sqlite cache.
func (s *runtimeState) cacheMeta() model.CacheStatus {
	if s.cache == nil {
		return cacheMetaBypass()
	}
	return model.CacheStatus{Status: "read_through", AgeMS: 0, Stale: false}
}

func normalizeRunError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := clierr.As(err); ok {
		return err
	}
	if isLikelyUsageError(err) {
		return clierr.Wrap(clierr.CodeUsage, "invalid command input", err)
	}
	return clierr.Wrap(clierr.CodeInternal, "execute command", err)
}

func isLikelyUsageError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	patterns := []string{
		"unknown command",
		"unknown flag",
		"required flag(s)",
		"flag needs an argument",
		"requires at least",
		"requires exactly",
		"accepts ",
		"invalid argument",
		"invalid args",
		"if any flags in the group",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// shouldOpenCache limits the metadata cache to commands that read token metadata.
func shouldOpenCache(commandPath string) bool {
	switch normalizeCommandPath(commandPath) {
	case "", "version", "schema", "config", "config show", "reserves decode",
		"operations", "operations list", "operations show", "advance-time", "health":
		return false
	default:
		return true
	}
}

func normalizeCommandPath(commandPath string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(commandPath))), " ")
}
