package web3

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Client defines the read-only chain access the payment gate needs so
// higher layers can check proofs against different networks uniformly.
type Client interface {
	// Network returns the x402 network name the client is bound to.
	Network() string
	// ChainID reports the id of the connected chain.
	ChainID(ctx context.Context) (*big.Int, error)
	// TokenBalance returns balanceOf(owner) on an ERC-20 token.
	TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error)
	// AuthorizationUsed returns authorizationState(authorizer, nonce) on an EIP-3009 token.
	AuthorizationUsed(ctx context.Context, token, authorizer common.Address, nonce [32]byte) (bool, error)
	Close()
}
