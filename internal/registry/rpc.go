package registry

import (
	"fmt"
	"strings"
)

// ResolveRPCURL picks the override when set, otherwise the network's default endpoint.
func ResolveRPCURL(override, network string) (string, error) {
	if strings.TrimSpace(override) != "" {
		return strings.TrimSpace(override), nil
	}
	if n, ok := LookupNetwork(network); ok && n.DefaultRPC != "" {
		return n.DefaultRPC, nil
	}
	return "", fmt.Errorf("no default rpc configured for network %q; provide --rpc-url or RPC_URL", network)
}
