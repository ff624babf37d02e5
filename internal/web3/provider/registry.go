package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"agentmarket/internal/web3"
	"agentmarket/internal/web3/ethereum"
)

// Registry manages chain clients keyed by x402 network name.
type Registry struct {
	defaultNetwork string
	clients        map[string]web3.Client
}

// NewRegistry instantiates clients for every chain that declares an rpc_url.
// Chains without one are still usable for pricing but skip on-chain checks.
func NewRegistry(ctx context.Context, defs web3.ChainDefinitions, defaultNetwork string) (*Registry, error) {
	clients := make(map[string]web3.Client)
	for _, name := range defs.Names() {
		chain := defs.Chains[name]
		if strings.TrimSpace(chain.RPCURL) == "" {
			continue
		}
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		switch chainType {
		case "evm":
			client, err := ethereum.NewClient(ctx, ethereum.Config{
				Network: name,
				RPCURL:  chain.RPCURL,
				ChainID: chain.ChainID,
			})
			if err != nil {
				closeAll(clients)
				return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
			}
			clients[name] = client
		default:
			closeAll(clients)
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
	}
	return NewStaticRegistry(defaultNetwork, clients)
}

// NewStaticRegistry wraps prebuilt clients.
func NewStaticRegistry(defaultNetwork string, clients map[string]web3.Client) (*Registry, error) {
	if clients == nil {
		clients = map[string]web3.Client{}
	}
	if defaultNetwork != "" && len(clients) > 0 {
		if _, ok := clients[defaultNetwork]; !ok {
			return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultNetwork)
		}
	}
	if defaultNetwork == "" && len(clients) > 0 {
		names := make([]string, 0, len(clients))
		for name := range clients {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultNetwork = names[0]
	}
	return &Registry{defaultNetwork: defaultNetwork, clients: clients}, nil
}

func closeAll(clients map[string]web3.Client) {
	for _, client := range clients {
		client.Close()
	}
}

// DefaultClient returns the client configured as default network.
func (r *Registry) DefaultClient() (web3.Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	client, ok := r.clients[r.defaultNetwork]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultNetwork)
	}
	return client, nil
}

// Client returns the chain client identified by network name.
func (r *Registry) Client(network string) (web3.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[network]
	return client, ok
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
}

// Chains returns the list of networks with a live client.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
