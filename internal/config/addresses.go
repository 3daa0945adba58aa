package config

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/lendpool-cli/internal/errors"
)

// Role is a logical contract role the engine talks to.
type Role string

const (
	RoleLendingPool  Role = "lendingPool"
	RoleDataProvider Role = "dataProvider"
	RoleToken        Role = "token"
)

var roleVariables = map[Role]string{
	RoleLendingPool:  "LENDING_POOL_ADDRESS",
	RoleDataProvider: "DATA_PROVIDER_ADDRESS",
	RoleToken:        "TOKEN_ADDRESS",
}

// Roles lists all roles in resolution order.
var Roles = []Role{RoleLendingPool, RoleDataProvider, RoleToken}

// Resolver resolves network-scoped inputs from an Environment snapshot.
// Overrides (from flags) take precedence over both variable forms.
type Resolver struct {
	Env       Environment
	Profile   NetworkProfile
	Overrides map[Role]string
}

// AddressSource records which input supplied a role's address.
type AddressSource struct {
	Role     Role           `json:"role"`
	Address  common.Address `json:"address"`
	Variable string         `json:"source"`
}

// AddressSet is resolved once per invocation and never mutated afterwards.
type AddressSet struct {
	LendingPool  common.Address  `json:"lending_pool"`
	DataProvider common.Address  `json:"data_provider"`
	Token        common.Address  `json:"token"`
	Sources      []AddressSource `json:"sources"`
}

// Has reports whether role resolved to an address.
func (a AddressSet) Has(role Role) bool {
	return a.Get(role) != (common.Address{})
}

func (a AddressSet) Get(role Role) common.Address {
	switch role {
	case RoleLendingPool:
		return a.LendingPool
	case RoleDataProvider:
		return a.DataProvider
	case RoleToken:
		return a.Token
	}
	return common.Address{}
}

// VariableNames returns the network-prefixed and generic variable for role.
func VariableNames(role Role, profile NetworkProfile) (prefixed, generic string) {
	generic = roleVariables[role]
	return profile.Prefixed(generic), generic
}

// Address resolves one role: override, then network-prefixed variable, then generic variable.
func (r Resolver) Address(role Role) (AddressSource, error) {
	src, found, err := r.lookup(role)
	if err != nil {
		return AddressSource{}, err
	}
	if !found {
		return AddressSource{}, r.missing(role)
	}
	return src, nil
}

// AddressSet resolves every role. Missing required roles fail; other missing
// roles are left zero and reported as warnings. A malformed value always fails.
func (r Resolver) AddressSet(required ...Role) (AddressSet, []string, error) {
	need := make(map[Role]bool, len(required))
	for _, role := range required {
		need[role] = true
	}
	var set AddressSet
	var warnings []string
	for _, role := range Roles {
		src, found, err := r.lookup(role)
		if err != nil {
			return AddressSet{}, nil, err
		}
		if !found {
			if need[role] {
				return AddressSet{}, nil, r.missing(role)
			}
			prefixed, generic := VariableNames(role, r.Profile)
			warnings = append(warnings, fmt.Sprintf("%s address not configured (%s / %s)", role, prefixed, generic))
			continue
		}
		switch role {
		case RoleLendingPool:
			set.LendingPool = src.Address
		case RoleDataProvider:
			set.DataProvider = src.Address
		case RoleToken:
			set.Token = src.Address
		}
		set.Sources = append(set.Sources, src)
	}
	return set, warnings, nil
}

func (r Resolver) lookup(role Role) (AddressSource, bool, error) {
	generic, ok := roleVariables[role]
	if !ok {
		return AddressSource{}, false, clierr.New(clierr.CodeInternal, fmt.Sprintf("unknown address role %q", role))
	}
	prefixed := r.Profile.Prefixed(generic)

	raw, source := "", ""
	if v := strings.TrimSpace(r.Overrides[role]); v != "" {
		raw, source = v, "flag"
	} else if v, name, found := r.Env.First(prefixed, generic); found {
		raw, source = v, name
	}
	if raw == "" {
		return AddressSource{}, false, nil
	}
	if !common.IsHexAddress(raw) {
		return AddressSource{}, false, clierr.New(clierr.CodeMissingConfiguration, fmt.Sprintf("%s address from %s is not a valid hex address: %q", role, source, raw))
	}
	addr := common.HexToAddress(raw)
	if addr == (common.Address{}) {
		return AddressSource{}, false, clierr.New(clierr.CodeMissingConfiguration, fmt.Sprintf("%s address from %s is the zero address", role, source))
	}
	return AddressSource{Role: role, Address: addr, Variable: source}, true, nil
}

func (r Resolver) missing(role Role) error {
	prefixed, generic := VariableNames(role, r.Profile)
	return clierr.New(clierr.CodeMissingConfiguration, fmt.Sprintf("missing %s address: set %s or %s", role, prefixed, generic))
}
