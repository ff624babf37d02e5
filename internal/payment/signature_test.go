package payment

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"agentmarket/internal/web3"
)

type fakeChainClient struct {
	chainID  int64
	used     bool
	balance  int64
	stateErr error
}

func (f *fakeChainClient) Network() string { return testNetwork }

func (f *fakeChainClient) ChainID(context.Context) (*big.Int, error) {
	return big.NewInt(f.chainID), nil
}

func (f *fakeChainClient) TokenBalance(context.Context, common.Address, common.Address) (*big.Int, error) {
	return big.NewInt(f.balance), nil
}

func (f *fakeChainClient) AuthorizationUsed(context.Context, common.Address, common.Address, [32]byte) (bool, error) {
	return f.used, f.stateErr
}

func (f *fakeChainClient) Close() {}

type staticClients map[string]web3.Client

func (s staticClients) Client(network string) (web3.Client, bool) {
	c, ok := s[network]
	return c, ok
}

func TestSignatureVerifierRecoversPayer(t *testing.T) {
	key := newKey(t)
	payload := signedPayload(t, key, "1000", time.Now().Add(time.Minute), 1)
	verifier := NewSignatureVerifier(testChains(), nil)

	payer, err := verifier.Verify(context.Background(), payload, testRequirements("1000")[0])
	require.NoError(t, err)
	require.Equal(t, payload.Payload.Authorization.From, payer)
}

func TestSignatureVerifierRejectsTamperedAuthorization(t *testing.T) {
	key := newKey(t)
	payload := signedPayload(t, key, "1000", time.Now().Add(time.Minute), 1)
	payload.Payload.Authorization.Value = "5000"

	_, err := NewSignatureVerifier(testChains(), nil).Verify(context.Background(), payload, testRequirements("1000")[0])
	require.ErrorIs(t, err, ErrInvalidProof)
}

func TestSignatureVerifierRejectsUnderpayment(t *testing.T) {
	key := newKey(t)
	payload := signedPayload(t, key, "999", time.Now().Add(time.Minute), 1)

	_, err := NewSignatureVerifier(testChains(), nil).Verify(context.Background(), payload, testRequirements("1000")[0])
	require.ErrorIs(t, err, ErrInvalidProof)
}

func TestSignatureVerifierOnChainChecks(t *testing.T) {
	key := newKey(t)
	payload := signedPayload(t, key, "1000", time.Now().Add(time.Minute), 1)
	req := testRequirements("1000")[0]

	cases := []struct {
		name   string
		client *fakeChainClient
		want   error
	}{
		{name: "ok", client: &fakeChainClient{chainID: testChainID, balance: 5000}},
		{name: "nonce used", client: &fakeChainClient{chainID: testChainID, balance: 5000, used: true}, want: ErrInvalidProof},
		{name: "low balance", client: &fakeChainClient{chainID: testChainID, balance: 10}, want: ErrInvalidProof},
		{name: "rpc down", client: &fakeChainClient{chainID: testChainID, stateErr: errors.New("dial")}, want: ErrVerifierUnavailable},
		{name: "wrong chain", client: &fakeChainClient{chainID: 1, balance: 5000}, want: ErrNoMatchingRequirements},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			verifier := NewSignatureVerifier(testChains(), staticClients{testNetwork: tc.client})
			_, err := verifier.Verify(context.Background(), payload, req)
			if tc.want == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tc.want)
		})
	}
}
