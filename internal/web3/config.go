package web3

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the structure of configs/chains.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single network. The map key is the x402 network name.
type ChainDefinition struct {
	Type        string                     `yaml:"type"`
	ChainID     int64                      `yaml:"chain_id"`
	RPCURL      string                     `yaml:"rpc_url"`
	Description string                     `yaml:"description"`
	Tokens      map[string]TokenDefinition `yaml:"tokens"`
}

// TokenDefinition carries the EIP-712 domain of an EIP-3009 token.
type TokenDefinition struct {
	Address  string `yaml:"address"`
	Name     string `yaml:"name"`
	Version  string `yaml:"version"`
	Decimals int    `yaml:"decimals"`
}

// DefaultChainDefinitions returns the networks known without a config file.
func DefaultChainDefinitions() ChainDefinitions {
	return ChainDefinitions{Chains: map[string]ChainDefinition{
		"base": {
			Type:    "evm",
			ChainID: 8453,
			Tokens: map[string]TokenDefinition{
				"usdc": {Address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", Name: "USD Coin", Version: "2", Decimals: 6},
			},
		},
		"base-sepolia": {
			Type:    "evm",
			ChainID: 84532,
			Tokens: map[string]TokenDefinition{
				"usdc": {Address: "0x036CbD53842c5426634e7929541eC2318f3dCF7e", Name: "USDC", Version: "2", Decimals: 6},
			},
		},
	}}
}

// LoadChainDefinitions parses the YAML file containing chain metadata.
// An empty path yields the built-in defaults.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultChainDefinitions(), nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}

	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	for name, chain := range defs.Chains {
		if chain.ChainID <= 0 {
			return ChainDefinitions{}, fmt.Errorf("链 %s 缺少 chain_id", name)
		}
		for symbol, token := range chain.Tokens {
			if !common.IsHexAddress(token.Address) {
				return ChainDefinitions{}, fmt.Errorf("链 %s 的代币 %s 地址无效", name, symbol)
			}
		}
	}
	return defs, nil
}

// NetworkForChainID resolves a chain id to its network name.
func (d ChainDefinitions) NetworkForChainID(chainID int64) (string, ChainDefinition, bool) {
	for _, name := range d.Names() {
		if chain := d.Chains[name]; chain.ChainID == chainID {
			return name, chain, true
		}
	}
	return "", ChainDefinition{}, false
}

// Network returns the definition registered under name.
func (d ChainDefinitions) Network(name string) (ChainDefinition, bool) {
	chain, ok := d.Chains[strings.ToLower(strings.TrimSpace(name))]
	return chain, ok
}

// TokenByAddress finds a token on the chain by contract address.
func (c ChainDefinition) TokenByAddress(address string) (TokenDefinition, bool) {
	for _, token := range c.Tokens {
		if strings.EqualFold(token.Address, address) {
			return token, true
		}
	}
	return TokenDefinition{}, false
}

// Names returns chain names in a stable order.
func (d ChainDefinitions) Names() []string {
	names := make([]string, 0, len(d.Chains))
	for name := range d.Chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
