package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"agentmarket/internal/web3"
)

// tokenABI covers the ERC-20 and EIP-3009 views used for payment checks.
const tokenABI = `[
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"authorizationState","stateMutability":"view",
   "inputs":[{"name":"authorizer","type":"address"},{"name":"nonce","type":"bytes32"}],
   "outputs":[{"name":"","type":"bool"}]}
]`

var parsedTokenABI = mustParseABI(tokenABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse token abi: %v", err))
	}
	return parsed
}

// Config describes how to construct an EVM compatible client.
type Config struct {
	Network string
	RPCURL  string
	ChainID int64
}

// chainIDReader is satisfied by ethclient.Client.
type chainIDReader interface {
	ChainID(ctx context.Context) (*big.Int, error)
}

// Client implements the web3.Client interface for EVM compatible chains.
type Client struct {
	network   string
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	caller    gethcore.ContractCaller
	chainID   *big.Int
	mu        sync.Mutex
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	client := &Client{
		network:   cfg.Network,
		rpcClient: rpcClient,
		eth:       eth,
		caller:    eth,
	}
	if cfg.ChainID > 0 {
		client.chainID = big.NewInt(cfg.ChainID)
	}
	return client, nil
}

// NewClientWithCaller wraps an arbitrary contract caller, typically a test double.
func NewClientWithCaller(network string, chainID int64, caller gethcore.ContractCaller) *Client {
	return &Client{network: network, caller: caller, chainID: big.NewInt(chainID)}
}

// Network returns the network name.
func (c *Client) Network() string {
	return c.network
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	c.rpcClient = nil
	c.caller = nil
}

// ChainID returns the configured chain id, asking the node when none was set.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	if c == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	if c.chainID != nil {
		return new(big.Int).Set(c.chainID), nil
	}
	reader, ok := c.caller.(chainIDReader)
	if !ok {
		return nil, errors.New("未配置链 ID")
	}
	id, err := reader.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	return id, nil
}

// TokenBalance calls balanceOf(owner) on token.
func (c *Client) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	out, err := c.call(ctx, token, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf 返回了意外的类型 %T", out[0])
	}
	return balance, nil
}

// AuthorizationUsed calls authorizationState(authorizer, nonce) on token.
func (c *Client) AuthorizationUsed(ctx context.Context, token, authorizer common.Address, nonce [32]byte) (bool, error) {
	out, err := c.call(ctx, token, "authorizationState", authorizer, nonce)
	if err != nil {
		return false, err
	}
	used, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("authorizationState 返回了意外的类型 %T", out[0])
	}
	return used, nil
}

func (c *Client) call(ctx context.Context, to common.Address, method string, args ...any) ([]any, error) {
	c.mu.Lock()
	caller := c.caller
	c.mu.Unlock()
	if caller == nil {
		return nil, errors.New("以太坊客户端已关闭")
	}

	input, err := parsedTokenABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("编码 %s 调用失败: %w", method, err)
	}
	raw, err := caller.CallContract(ctx, gethcore.CallMsg{To: &to, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("调用 %s 失败: %w", method, err)
	}
	out, err := parsedTokenABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("解码 %s 返回值失败: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s 没有返回值", method)
	}
	return out, nil
}

var _ web3.Client = (*Client)(nil)
