package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/lendpool-cli/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	poolA = "0x00000000000000000000000000000000000000A1"
	poolB = "0x00000000000000000000000000000000000000B2"
)

func TestAddressPrefixedWinsOverGeneric(t *testing.T) {
	env := NewEnvironment(map[string]string{
		"SEPOLIA_LENDING_POOL_ADDRESS": poolA,
		"LENDING_POOL_ADDRESS":         poolB,
	})
	r := Resolver{Env: env, Profile: NewNetworkProfile("sepolia")}
	src, err := r.Address(RoleLendingPool)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(poolA), src.Address)
	assert.Equal(t, "SEPOLIA_LENDING_POOL_ADDRESS", src.Variable)

	// idempotent
	again, err := r.Address(RoleLendingPool)
	require.NoError(t, err)
	assert.Equal(t, src, again)
}

func TestAddressFallsBackToGeneric(t *testing.T) {
	env := NewEnvironment(map[string]string{"LENDING_POOL_ADDRESS": poolB})
	r := Resolver{Env: env, Profile: NewNetworkProfile("sepolia")}
	src, err := r.Address(RoleLendingPool)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(poolB), src.Address)
	assert.Equal(t, "LENDING_POOL_ADDRESS", src.Variable)
}

func TestAddressMissingNamesBothVariables(t *testing.T) {
	r := Resolver{Env: NewEnvironment(nil), Profile: NewNetworkProfile("sepolia")}
	_, err := r.Address(RoleDataProvider)
	require.Error(t, err)
	cErr, ok := clierr.As(err)
	require.True(t, ok)
	assert.Equal(t, clierr.CodeMissingConfiguration, cErr.Code)
	assert.Contains(t, err.Error(), "SEPOLIA_DATA_PROVIDER_ADDRESS")
	assert.Contains(t, err.Error(), "DATA_PROVIDER_ADDRESS")
	assert.Contains(t, err.Error(), string(RoleDataProvider))
}

func TestAddressOverrideWins(t *testing.T) {
	env := NewEnvironment(map[string]string{"SEPOLIA_TOKEN_ADDRESS": poolA})
	r := Resolver{Env: env, Profile: NewNetworkProfile("sepolia"), Overrides: map[Role]string{RoleToken: poolB}}
	src, err := r.Address(RoleToken)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(poolB), src.Address)
	assert.Equal(t, "flag", src.Variable)
}

func TestAddressSetOptionalRolesWarn(t *testing.T) {
	env := NewEnvironment(map[string]string{"LENDING_POOL_ADDRESS": poolA})
	r := Resolver{Env: env, Profile: NewNetworkProfile("localhost")}
	set, warnings, err := r.AddressSet(RoleLendingPool)
	require.NoError(t, err)
	assert.True(t, set.Has(RoleLendingPool))
	assert.False(t, set.Has(RoleDataProvider))
	assert.Len(t, warnings, 2)

	_, _, err = r.AddressSet(RoleLendingPool, RoleToken)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LOCALHOST_TOKEN_ADDRESS")
}

func TestAddressSetRejectsMalformed(t *testing.T) {
	env := NewEnvironment(map[string]string{"LENDING_POOL_ADDRESS": poolA, "DATA_PROVIDER_ADDRESS": "0x1234"})
	r := Resolver{Env: env, Profile: NewNetworkProfile("localhost")}
	_, _, err := r.AddressSet(RoleLendingPool)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a valid hex address")
}

func TestResolveNetwork(t *testing.T) {
	env := NewEnvironment(map[string]string{"NETWORK": "sepolia"})
	assert.Equal(t, "sepolia", ResolveNetwork("", env).Name)
	p := ResolveNetwork("hardhat", env)
	assert.True(t, p.IsLocal)
	assert.Equal(t, "HARDHAT", p.Prefix)
	assert.Equal(t, "localhost", ResolveNetwork("", NewEnvironment(nil)).Name)
	assert.Equal(t, "ARBITRUM_SEPOLIA", NewNetworkProfile("arbitrum-sepolia").Prefix)
}

func TestInputs(t *testing.T) {
	env := NewEnvironment(map[string]string{
		"TOKEN_NAME":               "DAI",
		"LOCALHOST_TOKEN_DECIMALS": "18",
		"INTEREST_RATE_MODE":       "1",
		"TIME_DELAY":               "3600",
		"LOCALHOST_REPAY_AMOUNT":   "0",
		"SUPPLY_AMOUNT":            "100.5",
	})
	r := Resolver{Env: env, Profile: NewNetworkProfile("localhost")}
	in, err := r.Inputs()
	require.NoError(t, err)
	assert.Equal(t, "DAI", in.TokenName)
	assert.Equal(t, 18, in.TokenDecimals)
	assert.Equal(t, RateModeStable, in.RateMode)
	assert.Equal(t, time.Hour, in.TimeDelay)

	repay, ok := r.AmountOverride("repay")
	require.True(t, ok)
	assert.Equal(t, "0", repay.Raw)
	assert.Equal(t, "LOCALHOST_REPAY_AMOUNT", repay.Variable)
	supply, ok := r.AmountOverride("supply")
	require.True(t, ok)
	assert.Equal(t, "100.5", supply.Raw)
	_, ok = r.AmountOverride("borrow")
	assert.False(t, ok)
}

func TestInputsDefaultsAndErrors(t *testing.T) {
	r := Resolver{Env: NewEnvironment(nil), Profile: NewNetworkProfile("localhost")}
	in, err := r.Inputs()
	require.NoError(t, err)
	assert.Equal(t, RateModeVariable, in.RateMode)
	assert.Equal(t, -1, in.TokenDecimals)

	r.Env = NewEnvironment(map[string]string{"INTEREST_RATE_MODE": "3"})
	_, err = r.Inputs()
	require.Error(t, err)
	cErr, _ := clierr.As(err)
	assert.Equal(t, clierr.CodeValidation, cErr.Code)
}

func TestLoadEnvironmentProcessWinsOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("LENDING_POOL_ADDRESS="+poolA+"\nTOKEN_NAME=USDC\n"), 0o600))
	t.Setenv("TOKEN_NAME", "DAI")

	env, err := LoadEnvironment(path, true)
	require.NoError(t, err)
	assert.Equal(t, poolA, env.Get("LENDING_POOL_ADDRESS"))
	assert.Equal(t, "DAI", env.Get("TOKEN_NAME"))
	_, set := os.LookupEnv("LENDING_POOL_ADDRESS")
	assert.False(t, set, "loading must not mutate the process environment")

	_, err = LoadEnvironment(filepath.Join(t.TempDir(), "missing.env"), false)
	require.NoError(t, err)
	_, err = LoadEnvironment(filepath.Join(t.TempDir(), "missing.env"), true)
	require.Error(t, err)
}

func TestRPCURLFallback(t *testing.T) {
	env := NewEnvironment(map[string]string{"RPC_URL": "http://generic:8545"})
	r := Resolver{Env: env, Profile: NewNetworkProfile("localhost")}
	url, err := r.RPCURL("")
	require.NoError(t, err)
	assert.Equal(t, "http://generic:8545", url)

	r.Env = NewEnvironment(nil)
	url, err = r.RPCURL("")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8545", url)

	r.Profile = NewNetworkProfile("nowhere")
	_, err = r.RPCURL("")
	require.Error(t, err)
}
