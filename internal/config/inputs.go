package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	clierr "github.com/ggonzalez94/lendpool-cli/internal/errors"
	"github.com/ggonzalez94/lendpool-cli/internal/registry"
)

const (
	EnvRPCURL           = "RPC_URL"
	EnvTokenName        = "TOKEN_NAME"
	EnvTokenDecimals    = "TOKEN_DECIMALS"
	EnvInterestRateMode = "INTEREST_RATE_MODE"
	EnvTimeDelay        = "TIME_DELAY"
	EnvPrivateKey       = "PRIVATE_KEY"

	RateModeStable   int64 = 1
	RateModeVariable int64 = 2
)

var amountVariables = map[string]string{
	"supply":   "SUPPLY_AMOUNT",
	"borrow":   "BORROW_AMOUNT",
	"repay":    "REPAY_AMOUNT",
	"withdraw": "WITHDRAW_AMOUNT",
}

// Inputs holds the non-address operator inputs.
type Inputs struct {
	TokenName     string        `json:"token_name,omitempty"`
	TokenDecimals int           `json:"token_decimals"`
	RateMode      int64         `json:"interest_rate_mode"`
	TimeDelay     time.Duration `json:"time_delay"`
}

// AmountInput is an amount override with the variable that supplied it.
type AmountInput struct {
	Raw      string `json:"raw"`
	Variable string `json:"source"`
}

// Inputs resolves token metadata overrides, the rate mode and the time delay.
// TokenDecimals is -1 when unset.
func (r Resolver) Inputs() (Inputs, error) {
	in := Inputs{TokenDecimals: -1, RateMode: RateModeVariable}
	if v, _, ok := r.first(EnvTokenName); ok {
		in.TokenName = v
	}
	if v, name, ok := r.first(EnvTokenDecimals); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 77 {
			return Inputs{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("%s must be an integer between 0 and 77, got %q", name, v))
		}
		in.TokenDecimals = n
	}
	if v, name, ok := r.first(EnvInterestRateMode); ok {
		mode, err := ParseRateMode(v)
		if err != nil {
			return Inputs{}, clierr.Wrap(clierr.CodeValidation, name, err)
		}
		in.RateMode = mode
	}
	if v, name, ok := r.first(EnvTimeDelay); ok {
		secs, err := strconv.ParseInt(v, 10, 64)
		if err != nil || secs < 0 {
			return Inputs{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("%s must be a non-negative number of seconds, got %q", name, v))
		}
		in.TimeDelay = time.Duration(secs) * time.Second
	}
	return in, nil
}

// AmountOverride returns {PREFIX}_<OP>_AMOUNT or <OP>_AMOUNT for an operation kind.
func (r Resolver) AmountOverride(op string) (AmountInput, bool) {
	generic, ok := amountVariables[strings.ToLower(op)]
	if !ok {
		return AmountInput{}, false
	}
	v, name, found := r.first(generic)
	if !found {
		return AmountInput{}, false
	}
	return AmountInput{Raw: v, Variable: name}, true
}

// RPCURL resolves the endpoint: override, {PREFIX}_RPC_URL, RPC_URL, then the network default.
func (r Resolver) RPCURL(override string) (string, error) {
	if strings.TrimSpace(override) != "" {
		return strings.TrimSpace(override), nil
	}
	if v, _, ok := r.first(EnvRPCURL); ok {
		return v, nil
	}
	url, err := registry.ResolveRPCURL("", r.Profile.Name)
	if err != nil {
		return "", clierr.Wrap(clierr.CodeMissingConfiguration, fmt.Sprintf("set %s or %s", r.Profile.Prefixed(EnvRPCURL), EnvRPCURL), err)
	}
	return url, nil
}

// PrivateKey returns {PREFIX}_PRIVATE_KEY or PRIVATE_KEY when set.
func (r Resolver) PrivateKey() (string, bool) {
	v, _, ok := r.first(EnvPrivateKey)
	return v, ok
}

func (r Resolver) first(generic string) (string, string, bool) {
	return r.Env.First(r.Profile.Prefixed(generic), generic)
}

// ParseRateMode accepts 1/stable and 2/variable.
func ParseRateMode(raw string) (int64, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "stable":
		return RateModeStable, nil
	case "2", "variable", "":
		return RateModeVariable, nil
	default:
		return 0, fmt.Errorf("interest rate mode must be 1 (stable) or 2 (variable), got %q", raw)
	}
}
