package payment

import (
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// Fingerprint 基于授权的不可变字段计算凭证指纹。签名可由同一授权重新生成，因此不参与计算。
func Fingerprint(auth Authorization, asset, network string) string {
	value := strings.TrimSpace(auth.Value)
	if parsed, err := uint256.FromDecimal(value); err == nil {
		value = parsed.Dec()
	}
	parts := []string{
		strings.ToLower(strings.TrimSpace(auth.From)),
		strings.ToLower(strings.TrimSpace(auth.To)),
		value,
		strings.ToLower(strings.TrimSpace(asset)),
		strings.ToLower(strings.TrimSpace(network)),
		strings.ToLower(strings.TrimSpace(auth.Nonce)),
	}
	return crypto.Keccak256Hash([]byte(strings.Join(parts, "|"))).Hex()
}
