package app

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/ggonzalez94/lendpool-cli/internal/balances"
	"github.com/ggonzalez94/lendpool-cli/internal/config"
	clierr "github.com/ggonzalez94/lendpool-cli/internal/errors"
	"github.com/ggonzalez94/lendpool-cli/internal/execution"
	execsigner "github.com/ggonzalez94/lendpool-cli/internal/execution/signer"
	"github.com/ggonzalez94/lendpool-cli/internal/protocol"
)

// chainSession is the per-invocation view of the operator inputs and, once
// connected, the node.
type chainSession struct {
	env      config.Environment
	profile  config.NetworkProfile
	resolver config.Resolver
	rpcURL   string

	rpc    *rpc.Client
	eth    *ethclient.Client
	client *protocol.Client
}

func (c *chainSession) close() {
	if c.rpc != nil {
		c.rpc.Close()
	}
}

// dataProvider returns nil when no data provider address resolved.
func (c *chainSession) dataProvider(set config.AddressSet) protocol.DataProvider {
	if !set.Has(config.RoleDataProvider) {
		return nil
	}
	return c.client.DataProvider(set.DataProvider)
}

// session loads the environment snapshot and resolves the network profile.
// overrides come from command flags and win over every variable.
func (s *runtimeState) session(overrides map[config.Role]string) (*chainSession, error) {
	if s.chain != nil {
		return s.chain, nil
	}
	required := strings.TrimSpace(s.flags.EnvFile) != ""
	env, err := config.LoadEnvironment(s.settings.EnvFile, required)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "load operator inputs", err)
	}
	profile := config.ResolveNetwork(s.settings.Network, env)
	s.chain = &chainSession{
		env:      env,
		profile:  profile,
		resolver: config.Resolver{Env: env, Profile: profile, Overrides: overrides},
	}
	s.logger.Debug().Str("network", profile.Name).Bool("local", profile.IsLocal).Msg("resolved network profile")
	return s.chain, nil
}

// connect dials the resolved RPC endpoint and builds the read client.
func (s *runtimeState) connect(ctx context.Context, overrides map[config.Role]string) (*chainSession, error) {
	c, err := s.session(overrides)
	if err != nil {
		return nil, err
	}
	if c.client != nil {
		return c, nil
	}
	url, err := c.resolver.RPCURL(s.settings.RPCURL)
	if err != nil {
		return nil, err
	}
	rpcClient, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "dial rpc endpoint", err)
	}
	c.rpcURL = url
	c.rpc = rpcClient
	c.eth = ethclient.NewClient(rpcClient)
	c.client = protocol.NewClient(c.eth, protocol.Options{
		ReadsPerSecond: s.settings.ReadsPerSecond,
		Retries:        s.settings.Retries,
		Observe:        s.metrics.ObserveRead,
		Logger:         s.logger,
	})
	return c, nil
}

// chainID reads the node's chain id and warns when it disagrees with the
// network profile.
func (s *runtimeState) chainID(ctx context.Context, c *chainSession) (int64, []string, error) {
	id, err := c.eth.ChainID(ctx)
	if err != nil {
		return 0, nil, clierr.Wrap(clierr.CodeUnavailable, "read chain id", err)
	}
	var warnings []string
	got := id.Int64()
	if c.profile.ChainID != 0 && c.profile.ChainID != got {
		msg := "node chain id does not match network profile " + c.profile.Name
		s.logger.Warn().Int64("expected", c.profile.ChainID).Int64("actual", got).Msg(msg)
		warnings = append(warnings, msg)
	}
	c.profile.ChainID = got
	return got, warnings, nil
}

func (s *runtimeState) aggregator(c *chainSession, set config.AddressSet) *balances.Aggregator {
	opts := balances.Options{
		ChainID:     uint64(c.profile.ChainID),
		MetadataTTL: s.settings.MetadataTTL,
		Concurrency: s.settings.ReadConcurrency,
		Logger:      s.logger,
	}
	// Cache keys need a chain id; unknown networks read metadata uncached.
	if s.cache != nil && c.profile.ChainID != 0 {
		opts.Cache = s.cache
	}
	return balances.New(c.client.Pool(set.LendingPool), c.dataProvider(set), c.client.Tokens(), opts)
}

func (s *runtimeState) operationStore() (*execution.Store, error) {
	if s.store != nil {
		return s.store, nil
	}
	store, err := execution.OpenStore(s.settings.OperationStorePath, s.settings.OperationLockPath)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "open operation journal", err)
	}
	s.store = store
	return store, nil
}

func resolveSigner(c *chainSession, keySource, privateKey string) (*execsigner.LocalSigner, error) {
	key := strings.TrimSpace(privateKey)
	if key == "" {
		key, _ = c.resolver.PrivateKey()
	}
	signer, err := execsigner.NewLocalSignerFromInputs(keySource, c.env, key)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeSigner, "load signing key", err)
	}
	return signer, nil
}

// resolveUser picks --user, or the configured signer's address.
func resolveUser(c *chainSession, raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if raw != "" {
		return parseAddressFlag("--user", raw)
	}
	signer, err := resolveSigner(c, execsigner.KeySourceAuto, "")
	if err != nil {
		return common.Address{}, clierr.Wrap(clierr.CodeUsage, "provide --user or configure a signing key", err)
	}
	return signer.Address(), nil
}

func parseAddressFlag(flag, raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, clierr.New(clierr.CodeUsage, flag+" must be a hex address, got "+raw)
	}
	return common.HexToAddress(raw), nil
}

func assetOverride(asset string) map[config.Role]string {
	if strings.TrimSpace(asset) == "" {
		return nil
	}
	return map[config.Role]string{config.RoleToken: asset}
}
