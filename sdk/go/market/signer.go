package market

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/holiman/uint256"

	"agentmarket/internal/payment"
	"agentmarket/internal/web3"
)

// ErrNoPayableRequirement is returned when none of the offered requirements can
// be signed by the local key.
var ErrNoPayableRequirement = errors.New("market: no payable requirement")

// LocalSigner authorizes EIP-3009 transfers with an in-process private key.
type LocalSigner struct {
	key       *ecdsa.PrivateKey
	chains    web3.ChainDefinitions
	maxAmount *uint256.Int
	now       func() time.Time
}

// SignerOption customizes a LocalSigner.
type SignerOption func(*LocalSigner)

// WithMaxAmount refuses requirements above amount, in atomic token units.
func WithMaxAmount(amount string) SignerOption {
	return func(s *LocalSigner) {
		if v, err := uint256.FromDecimal(amount); err == nil {
			s.maxAmount = v
		}
	}
}

// WithSignerClock overrides the clock used for validity windows.
func WithSignerClock(now func() time.Time) SignerOption {
	return func(s *LocalSigner) {
		if now != nil {
			s.now = now
		}
	}
}

// NewLocalSigner parses a hex private key, with or without 0x prefix.
func NewLocalSigner(hexKey string, chains web3.ChainDefinitions, opts ...SignerOption) (*LocalSigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	s := &LocalSigner{key: key, chains: chains, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Address returns the payer address.
func (s *LocalSigner) Address() string {
	return crypto.PubkeyToAddress(s.key.PublicKey).Hex()
}

// Sign picks the first exact-scheme requirement on a known network and signs
// a transfer of its maximum amount to its payTo address.
func (s *LocalSigner) Sign(_ context.Context, accepts []payment.Requirements) (*payment.Payload, error) {
	for _, req := range accepts {
		if req.Scheme != payment.SchemeExact {
			continue
		}
		chain, ok := s.chains.Network(req.Network)
		if !ok {
			continue
		}
		name, version, ok := domainOf(req, chain)
		if !ok {
			continue
		}
		amount, err := uint256.FromDecimal(req.MaxAmountRequired)
		if err != nil {
			continue
		}
		if s.maxAmount != nil && amount.Gt(s.maxAmount) {
			continue
		}
		return s.sign(req, chain.ChainID, name, version)
	}
	return nil, ErrNoPayableRequirement
}

func (s *LocalSigner) sign(req payment.Requirements, chainID int64, name, version string) (*payment.Payload, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	timeout := req.MaxTimeoutSeconds
	if timeout <= 0 {
		timeout = 60
	}
	now := s.now().Unix()
	auth := payment.Authorization{
		From:        s.Address(),
		To:          req.PayTo,
		Value:       req.MaxAmountRequired,
		ValidAfter:  strconv.FormatInt(now-60, 10),
		ValidBefore: strconv.FormatInt(now+int64(timeout), 10),
		Nonce:       hexutil.Encode(nonce[:]),
	}
	digest, _, err := apitypes.TypedDataAndHash(payment.TransferTypedData(auth, chainID, req.Asset, name, version))
	if err != nil {
		return nil, fmt.Errorf("hash typed data: %w", err)
	}
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return nil, fmt.Errorf("sign typed data: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return &payment.Payload{
		X402Version: payment.X402Version,
		Scheme:      payment.SchemeExact,
		Network:     req.Network,
		Asset:       req.Asset,
		Payload:     payment.ExactPayload{Signature: hexutil.Encode(sig), Authorization: auth},
	}, nil
}

func domainOf(req payment.Requirements, chain web3.ChainDefinition) (string, string, bool) {
	if req.Extra != nil && req.Extra.Name != "" {
		return req.Extra.Name, req.Extra.Version, true
	}
	token, ok := chain.TokenByAddress(req.Asset)
	if !ok {
		return "", "", false
	}
	return token.Name, token.Version, true
}
