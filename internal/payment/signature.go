package payment

import (
	"context"
	"encoding/hex"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/holiman/uint256"

	xerrors "agentmarket/internal/errors"
	"agentmarket/internal/web3"
)

// ChainClients 按网络名提供链客户端，provider.Registry 满足该接口。
type ChainClients interface {
	Client(network string) (web3.Client, bool)
}

// SignatureVerifier 在本地恢复 EIP-712 TransferWithAuthorization 签名者，
// 配置了链客户端时额外检查 nonce 是否已用以及余额是否充足。
type SignatureVerifier struct {
	chains  web3.ChainDefinitions
	clients ChainClients
}

// NewSignatureVerifier 创建签名校验器，clients 可以为 nil。
func NewSignatureVerifier(chains web3.ChainDefinitions, clients ChainClients) *SignatureVerifier {
	return &SignatureVerifier{chains: chains, clients: clients}
}

// TransferTypedData 构造 EIP-3009 TransferWithAuthorization 的 EIP-712 数据。
func TransferTypedData(auth Authorization, chainID int64, asset, name, version string) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": {
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              name,
			Version:           version,
			ChainId:           math.NewHexOrDecimal256(chainID),
			VerifyingContract: common.HexToAddress(asset).Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        common.HexToAddress(auth.From).Hex(),
			"to":          common.HexToAddress(auth.To).Hex(),
			"value":       auth.Value,
			"validAfter":  auth.ValidAfter,
			"validBefore": auth.ValidBefore,
			"nonce":       auth.Nonce,
		},
	}
}

// RecoverSigner 返回签名对应的地址。
func RecoverSigner(typed apitypes.TypedData, signature string) (common.Address, error) {
	digest, _, err := apitypes.TypedDataAndHash(typed)
	if err != nil {
		return common.Address{}, err
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), "0x"))
	if err != nil {
		return common.Address{}, err
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, xerrors.New(CodeInvalidProof, "签名长度不正确")
	}
	sig = append([]byte(nil), sig...)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify 实现 Verifier。
func (v *SignatureVerifier) Verify(ctx context.Context, payload *Payload, req Requirements) (string, error) {
	chain, ok := v.chains.Network(req.Network)
	if !ok {
		return "", ErrNoMatchingRequirements.With(xerrors.WithMetadata("reason", "unknown_network"))
	}
	name, version := "", ""
	if req.Extra != nil {
		name, version = req.Extra.Name, req.Extra.Version
	}
	if name == "" {
		token, found := chain.TokenByAddress(req.Asset)
		if !found {
			return "", ErrNoMatchingRequirements.With(xerrors.WithMetadata("reason", "unknown_asset"))
		}
		name, version = token.Name, token.Version
	}

	auth := payload.Payload.Authorization
	signer, err := RecoverSigner(TransferTypedData(auth, chain.ChainID, req.Asset, name, version), payload.Payload.Signature)
	if err != nil {
		return "", invalidProof("signature")
	}
	if !strings.EqualFold(signer.Hex(), auth.From) {
		return "", invalidProof("signer_mismatch")
	}
	if !strings.EqualFold(common.HexToAddress(auth.To).Hex(), common.HexToAddress(req.PayTo).Hex()) {
		return "", ErrNoMatchingRequirements.With(xerrors.WithMetadata("reason", "pay_to"))
	}

	value, err := uint256.FromDecimal(auth.Value)
	if err != nil {
		return "", invalidProof("value")
	}
	required, err := uint256.FromDecimal(req.MaxAmountRequired)
	if err != nil {
		return "", ErrNoMatchingRequirements.With(xerrors.WithMetadata("reason", "amount"))
	}
	if value.Lt(required) {
		return "", invalidProof("insufficient_value")
	}

	if err := v.checkOnChain(ctx, chain.ChainID, req, auth, value); err != nil {
		return "", err
	}
	return signer.Hex(), nil
}

func (v *SignatureVerifier) checkOnChain(ctx context.Context, chainID int64, req Requirements, auth Authorization, value *uint256.Int) error {
	if v.clients == nil {
		return nil
	}
	client, ok := v.clients.Client(req.Network)
	if !ok {
		return nil
	}
	id, err := client.ChainID(ctx)
	if err != nil {
		return ErrVerifierUnavailable.With(xerrors.WithMetadata("reason", "chain_id"))
	}
	if id.Cmp(big.NewInt(chainID)) != 0 {
		return ErrNoMatchingRequirements.With(xerrors.WithMetadata("reason", "chain_id"))
	}

	var nonce [32]byte
	copy(nonce[:], common.FromHex(auth.Nonce))
	token := common.HexToAddress(req.Asset)
	from := common.HexToAddress(auth.From)

	used, err := client.AuthorizationUsed(ctx, token, from, nonce)
	if err != nil {
		return ErrVerifierUnavailable.With(xerrors.WithMetadata("reason", "authorization_state"))
	}
	if used {
		return invalidProof("nonce_used")
	}
	balance, err := client.TokenBalance(ctx, token, from)
	if err != nil {
		return ErrVerifierUnavailable.With(xerrors.WithMetadata("reason", "balance"))
	}
	if balance.Cmp(value.ToBig()) < 0 {
		return invalidProof("insufficient_balance")
	}
	return nil
}

var _ Verifier = (*SignatureVerifier)(nil)
