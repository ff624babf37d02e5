package payment

import (
	"crypto/ecdsa"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/stretchr/testify/require"

	"agentmarket/internal/web3"
)

const (
	testNetwork = "base-sepolia"
	testAsset   = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	testPayTo   = "0x000000000000000000000000000000000000bEEF"
	testChainID = 84532
)

func newKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key
}

func testNonce(n int) string {
	var nonce [32]byte
	copy(nonce[:], fmt.Sprintf("nonce-%d", n))
	return hexutil.Encode(nonce[:])
}

// signedPayload 构造一个以 key 签名、支付给 testPayTo 的凭证。
func signedPayload(t *testing.T, key *ecdsa.PrivateKey, value string, validBefore time.Time, nonce int) *Payload {
	t.Helper()
	auth := Authorization{
		From:        crypto.PubkeyToAddress(key.PublicKey).Hex(),
		To:          testPayTo,
		Value:       value,
		ValidAfter:  "0",
		ValidBefore: strconv.FormatInt(validBefore.Unix(), 10),
		Nonce:       testNonce(nonce),
	}
	return &Payload{
		X402Version: X402Version,
		Scheme:      SchemeExact,
		Network:     testNetwork,
		Payload:     ExactPayload{Signature: sign(t, key, auth), Authorization: auth},
	}
}

func sign(t *testing.T, key *ecdsa.PrivateKey, auth Authorization) string {
	t.Helper()
	typed := TransferTypedData(auth, testChainID, testAsset, "USDC", "2")
	digest, _, err := apitypes.TypedDataAndHash(typed)
	require.NoError(t, err)
	sig, err := crypto.Sign(digest, key)
	require.NoError(t, err)
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig)
}

func testRequirements(amount string) []Requirements {
	return []Requirements{{
		Scheme:            SchemeExact,
		Network:           testNetwork,
		MaxAmountRequired: amount,
		Resource:          "/execute",
		PayTo:             common.HexToAddress(testPayTo).Hex(),
		MaxTimeoutSeconds: 60,
		Asset:             testAsset,
		Extra:             &Extra{Name: "USDC", Version: "2"},
	}}
}

func testChains() web3.ChainDefinitions {
	return web3.DefaultChainDefinitions()
}
