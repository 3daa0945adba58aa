package config

import (
	"strings"

	"github.com/ggonzalez94/lendpool-cli/internal/registry"
)

// EnvNetwork selects the network when --network is not given.
const EnvNetwork = "NETWORK"

var localNetworkNames = map[string]bool{
	"localhost": true,
	"hardhat":   true,
	"anvil":     true,
	"ganache":   true,
	"local":     true,
}

// NetworkProfile is resolved once per process run and never changes afterwards.
type NetworkProfile struct {
	Name    string `json:"name"`
	IsLocal bool   `json:"is_local"`
	Prefix  string `json:"env_prefix"`
	ChainID int64  `json:"chain_id,omitempty"`
}

// ResolveNetwork picks the flag value, then NETWORK, then the default network.
func ResolveNetwork(flagValue string, env Environment) NetworkProfile {
	name := strings.TrimSpace(flagValue)
	if name == "" {
		name = env.Get(EnvNetwork)
	}
	if name == "" {
		name = registry.DefaultNetwork
	}
	return NewNetworkProfile(name)
}

func NewNetworkProfile(name string) NetworkProfile {
	norm := strings.ToLower(strings.TrimSpace(name))
	profile := NetworkProfile{
		Name:    norm,
		IsLocal: localNetworkNames[norm],
		Prefix:  envPrefix(norm),
	}
	if n, ok := registry.LookupNetwork(norm); ok {
		profile.ChainID = n.ChainID
		profile.IsLocal = n.IsLocal
	}
	return profile
}

// Prefixed returns the network-scoped form of a variable name.
func (p NetworkProfile) Prefixed(name string) string {
	if p.Prefix == "" {
		return name
	}
	return p.Prefix + "_" + name
}

func envPrefix(name string) string {
	upper := strings.ToUpper(name)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, upper)
}
