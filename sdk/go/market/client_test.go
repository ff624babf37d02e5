package market

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"agentmarket/internal/payment"
	"agentmarket/internal/web3"
)

const (
	testAsset = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	testPayTo = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func newTestSigner(t *testing.T, opts ...SignerOption) *LocalSigner {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := NewLocalSigner(hexutil.Encode(crypto.FromECDSA(key)), web3.DefaultChainDefinitions(), opts...)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	return signer
}

func testAccepts() []payment.Requirements {
	return []payment.Requirements{{
		Scheme:            payment.SchemeExact,
		Network:           "base-sepolia",
		MaxAmountRequired: "10000",
		Resource:          "https://seller.example/execute",
		PayTo:             testPayTo,
		MaxTimeoutSeconds: 120,
		Asset:             testAsset,
		Extra:             &payment.Extra{Name: "USDC", Version: "2"},
	}}
}

func TestNewClientRejectsBadScheme(t *testing.T) {
	if _, err := NewClient("ftp://example.com", nil); err == nil {
		t.Fatalf("expected error for ftp scheme")
	}
}

func TestRegisterSendsAgentHeader(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/register" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get(AgentHeader); got != "agent-1" {
			t.Errorf("expected agent header, got %q", got)
		}
		var reg Registration
		if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(RegisterResult{Status: "success", AgentID: reg.AgentID, Version: 1, Created: true})
	}))
	client.SetAgentID("agent-1")

	res, err := client.Register(context.Background(), Registration{AgentID: "agent-1", BaseURL: "https://a.example", Description: "d"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !res.Created || res.Version != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestRegisterWithRetry(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error_code":"UNAVAILABLE","message":"down"}`))
			return
		}
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error_code":"CONFLICT","message":"exists"}`))
	}))

	res, err := client.RegisterWithRetry(context.Background(), Registration{AgentID: "a"}, RetryPolicy{Attempts: 5, BaseDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("register with retry: %v", err)
	}
	if res.Status != "exists" || calls.Load() != 3 {
		t.Fatalf("unexpected result %+v after %d calls", res, calls.Load())
	}
}

func TestRegisterWithRetryStopsOnValidation(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error_code":"REGISTRY_INVALID_URL","message":"bad url"}`))
	}))

	_, err := client.RegisterWithRetry(context.Background(), Registration{AgentID: "a"}, RetryPolicy{Attempts: 5, BaseDelay: time.Millisecond})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "REGISTRY_INVALID_URL" {
		t.Fatalf("expected validation error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", calls.Load())
	}
}

func TestListAgentsQuery(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("limit") != "10" || q.Get("q") != "scrape" || len(q["tag"]) != 2 {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode(AgentPage{Agents: []Agent{{AgentID: "a"}}, NextCursor: "c1", HasMore: true})
	}))

	page, err := client.ListAgents(context.Background(), AgentQuery{Limit: 10, Query: "scrape", Tags: []string{"web", "pdf"}})
	if err != nil {
		t.Fatalf("list agents: %v", err)
	}
	if len(page.Agents) != 1 || page.NextCursor != "c1" || !page.HasMore {
		t.Fatalf("unexpected page: %+v", page)
	}
}

func TestAPIErrorCarriesRetryAfter(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error_code":"RATE_LIMIT_EXCEEDED","message":"slow down"}`))
	}))

	_, err := client.GetTask(context.Background(), "t1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusTooManyRequests || apiErr.RetryAfter != 7*time.Second {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestExecutePaysAfterChallenge(t *testing.T) {
	signer := newTestSigner(t)
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		header := r.Header.Get(payment.HeaderPayment)
		if header == "" {
			w.WriteHeader(http.StatusPaymentRequired)
			_ = json.NewEncoder(w).Encode(paymentRequired{X402Version: 1, Accepts: testAccepts(), Error: "payment required", Code: "PAYMENT_REQUIRED"})
			return
		}
		proof, err := payment.DecodeHeader(header)
		if err != nil {
			t.Errorf("decode proof: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		auth := proof.Payload.Authorization
		typed := payment.TransferTypedData(auth, 84532, testAsset, "USDC", "2")
		addr, err := payment.RecoverSigner(typed, proof.Payload.Signature)
		if err != nil || addr.Hex() != signer.Address() {
			t.Errorf("signature does not recover payer: %v %s", err, addr.Hex())
		}
		if auth.To != testPayTo || auth.Value != "10000" {
			t.Errorf("unexpected authorization: %+v", auth)
		}
		settlement, _ := payment.EncodeSettlement(&payment.Settlement{Success: true, Transaction: "0xfeed", Network: "base-sepolia"})
		w.Header().Set(payment.HeaderPaymentResponse, settlement)
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(Receipt{TaskID: "t1", BuyerSecret: "s3cret", Status: "in_progress"})
	}))

	receipt, err := client.Execute(context.Background(), ExecuteRequest{TaskDescription: "do it"}, signer)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if receipt.BuyerSecret != "s3cret" || calls.Load() != 2 {
		t.Fatalf("unexpected receipt %+v after %d calls", receipt, calls.Load())
	}
	if receipt.Settlement == nil || receipt.Settlement.Transaction != "0xfeed" {
		t.Fatalf("expected settlement, got %+v", receipt.Settlement)
	}
}

func TestExecuteWithoutSignerReturnsChallenge(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_ = json.NewEncoder(w).Encode(paymentRequired{X402Version: 1, Accepts: testAccepts(), Error: "payment required", Code: "PAYMENT_REQUIRED"})
	}))

	_, err := client.Execute(context.Background(), ExecuteRequest{TaskDescription: "do it"}, nil)
	var required *PaymentRequiredError
	if !errors.As(err, &required) {
		t.Fatalf("expected PaymentRequiredError, got %v", err)
	}
	if len(required.Accepts) != 1 || required.Code != "PAYMENT_REQUIRED" {
		t.Fatalf("unexpected challenge: %+v", required)
	}
}

func TestSignerRespectsMaxAmount(t *testing.T) {
	signer := newTestSigner(t, WithMaxAmount("9999"))
	if _, err := signer.Sign(context.Background(), testAccepts()); !errors.Is(err, ErrNoPayableRequirement) {
		t.Fatalf("expected ErrNoPayableRequirement, got %v", err)
	}
}

func TestSignerSkipsUnknownNetwork(t *testing.T) {
	signer := newTestSigner(t)
	accepts := testAccepts()
	accepts[0].Network = "solana"
	if _, err := signer.Sign(context.Background(), accepts); !errors.Is(err, ErrNoPayableRequirement) {
		t.Fatalf("expected ErrNoPayableRequirement, got %v", err)
	}
}

func TestSignerUsesFreshNonce(t *testing.T) {
	signer := newTestSigner(t)
	a, err := signer.Sign(context.Background(), testAccepts())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	b, err := signer.Sign(context.Background(), testAccepts())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if a.Payload.Authorization.Nonce == b.Payload.Authorization.Nonce {
		t.Fatalf("expected distinct nonces")
	}
}

func TestWaitUntilDone(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(SecretHeader) != "s3cret" {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error_code":"FORBIDDEN","message":"forbidden"}`))
			return
		}
		status := "in_progress"
		if calls.Add(1) >= 3 {
			status = "done"
		}
		_ = json.NewEncoder(w).Encode(Execution{TaskID: "t1", Status: status, Data: json.RawMessage(`{"ok":true}`)})
	}))

	exec, err := client.WaitUntilDone(context.Background(), "t1", "s3cret", time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if exec.Status != "done" || string(exec.Data) != `{"ok":true}` {
		t.Fatalf("unexpected execution: %+v", exec)
	}

	_, err = client.Poll(context.Background(), "t1", "wrong")
	if !IsStatus(err, http.StatusForbidden) {
		t.Fatalf("expected 403, got %v", err)
	}
}
