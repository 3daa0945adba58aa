package registry

import "strings"

// Network is a known deployment target.
type Network struct {
	Name       string
	ChainID    int64
	IsLocal    bool
	DefaultRPC string
}

var networks = []Network{
	{Name: "localhost", ChainID: 31337, IsLocal: true, DefaultRPC: "http://127.0.0.1:8545"},
	{Name: "hardhat", ChainID: 31337, IsLocal: true, DefaultRPC: "http://127.0.0.1:8545"},
	{Name: "anvil", ChainID: 31337, IsLocal: true, DefaultRPC: "http://127.0.0.1:8545"},
	{Name: "ganache", ChainID: 1337, IsLocal: true, DefaultRPC: "http://127.0.0.1:7545"},
	{Name: "mainnet", ChainID: 1, DefaultRPC: "https://eth.llamarpc.com"},
	{Name: "sepolia", ChainID: 11155111, DefaultRPC: "https://ethereum-sepolia-rpc.publicnode.com"},
	{Name: "polygon", ChainID: 137, DefaultRPC: "https://polygon-rpc.com"},
	{Name: "avalanche", ChainID: 43114, DefaultRPC: "https://api.avax.network/ext/bc/C/rpc"},
	{Name: "fuji", ChainID: 43113, DefaultRPC: "https://api.avax-test.network/ext/bc/C/rpc"},
}

// DefaultNetwork is used when neither --network nor NETWORK is set.
const DefaultNetwork = "localhost"

// LookupNetwork finds a network by case-insensitive name.
func LookupNetwork(name string) (Network, bool) {
	norm := strings.ToLower(strings.TrimSpace(name))
	for _, n := range networks {
		if n.Name == norm {
			return n, true
		}
	}
	return Network{}, false
}

// Networks lists the known networks in table order.
func Networks() []Network {
	out := make([]Network, len(networks))
	copy(out, networks)
	return out
}
