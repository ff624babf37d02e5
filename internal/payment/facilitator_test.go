package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFacilitatorVerifyAndSettle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body facilitatorRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, X402Version, body.X402Version)
		assert.Equal(t, testNetwork, body.PaymentRequirements.Network)
		switch r.URL.Path {
		case "/verify":
			_ = json.NewEncoder(w).Encode(verifyResponse{IsValid: true, Payer: "0xpayer"})
		case "/settle":
			_ = json.NewEncoder(w).Encode(Settlement{Success: true, Transaction: "0xtx"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client, err := NewFacilitatorClient(srv.URL+"/", WithRetry(2, 0))
	require.NoError(t, err)
	payload := &Payload{X402Version: 1, Scheme: SchemeExact, Network: testNetwork}
	req := testRequirements("1000")[0]

	payer, err := client.Verify(context.Background(), payload, req)
	require.NoError(t, err)
	require.Equal(t, "0xpayer", payer)

	settlement, err := client.Settle(context.Background(), payload, req)
	require.NoError(t, err)
	require.Equal(t, "0xtx", settlement.Transaction)
	require.Equal(t, testNetwork, settlement.Network)
}

func TestFacilitatorInvalidIsDefinitive(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(verifyResponse{IsValid: false, InvalidReason: "invalid_signature"})
	}))
	defer srv.Close()

	client, err := NewFacilitatorClient(srv.URL, WithRetry(5, 0))
	require.NoError(t, err)
	_, err = client.Verify(context.Background(), &Payload{}, testRequirements("1")[0])
	require.ErrorIs(t, err, ErrInvalidProof)
	require.EqualValues(t, 1, calls.Load())
}

func TestFacilitatorRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(verifyResponse{IsValid: true, Payer: "0xpayer"})
	}))
	defer srv.Close()

	client, err := NewFacilitatorClient(srv.URL, WithRetry(5, 0))
	require.NoError(t, err)
	_, err = client.Verify(context.Background(), &Payload{}, testRequirements("1")[0])
	require.NoError(t, err)
	require.EqualValues(t, 3, calls.Load())
}

func TestFacilitatorExhaustedIsTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client, err := NewFacilitatorClient(srv.URL, WithRetry(3, 0))
	require.NoError(t, err)
	_, err = client.Verify(context.Background(), &Payload{}, testRequirements("1")[0])
	require.ErrorIs(t, err, ErrVerifierUnavailable)
	require.EqualValues(t, 3, calls.Load())
}
