package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentmarket/internal/claim"
	"agentmarket/internal/execution"
	"agentmarket/internal/payment"
	"agentmarket/internal/queue"
	"agentmarket/internal/ratelimit"
	"agentmarket/internal/registry"
	"agentmarket/internal/task"
	"agentmarket/internal/web3"
	"agentmarket/internal/webhook"
	"agentmarket/pkg/logger"
)

const (
	testPayer = "0x00000000000000000000000000000000000000aA"
	testPayTo = "0x000000000000000000000000000000000000bEEF"
	testAsset = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type settlingVerifier struct{}

func (settlingVerifier) Verify(context.Context, *payment.Payload, payment.Requirements) (string, error) {
	return testPayer, nil
}

func (settlingVerifier) Settle(_ context.Context, _ *payment.Payload, req payment.Requirements) (*payment.Settlement, error) {
	return &payment.Settlement{Success: true, Transaction: "0xfeed", Network: req.Network}, nil
}

type harness struct {
	handler http.Handler
	clock   *manualClock
	machine *execution.Machine
	tasks   *task.Service
}

// harnessSetup 允许两个 harness 共享账本与执行存储，模拟多个卖方进程。
type harnessSetup struct {
	verifier  payment.Verifier
	ledger    payment.Ledger
	execStore execution.Store
}

type harnessOption func(*harnessSetup)

func withVerifier(v payment.Verifier) harnessOption {
	return func(s *harnessSetup) { s.verifier = v }
}

func withShared(ledger payment.Ledger, store execution.Store) harnessOption {
	return func(s *harnessSetup) {
		s.ledger = ledger
		s.execStore = store
	}
}

func newHarness(t *testing.T, policies map[string]ratelimit.Policy, opts ...harnessOption) *harness {
	t.Helper()
	setup := harnessSetup{verifier: settlingVerifier{}, ledger: payment.NewMemoryLedger(), execStore: execution.NewMemoryStore()}
	for _, opt := range opts {
		opt(&setup)
	}
	clock := &manualClock{now: time.Now().UTC().Truncate(time.Second)}

	tasks := task.NewService(task.NewMemoryStore(), task.DefaultDeadlinePolicy(), task.WithClock(clock.Now))
	book := payment.NewStaticPriceBook(map[string][]payment.PriceOption{
		OperationExecute: {{ChainID: 84532, TokenAddress: testAsset, TokenAmount: "10000"}},
	})
	gate, err := payment.NewGate(payment.GateConfig{PayTo: testPayTo, Resource: "https://seller.example.com/execute"},
		web3.DefaultChainDefinitions(), setup.ledger, setup.verifier,
		payment.WithPriceBook(book), payment.WithClock(clock.Now))
	require.NoError(t, err)

	execQueue := queue.NewMemoryQueue(64)
	t.Cleanup(func() { _ = execQueue.Close() })
	machine := execution.NewMachine(setup.execStore, execution.NewVault(), execQueue, execution.WithClock(clock.Now))

	subs, err := webhook.NewMemorySubscriptionStore()
	require.NoError(t, err)

	var limits *ratelimit.Set
	if policies != nil {
		limits = ratelimit.NewSet(policies, func(_ string, policy ratelimit.Policy) ratelimit.Limiter {
			return ratelimit.NewMemoryLimiter(policy, ratelimit.WithClock(clock.Now))
		})
	}

	srv := NewServer(":0", Deps{
		Registry:      registry.NewService(registry.NewMemoryStore()),
		Tasks:         tasks,
		Claims:        claim.NewAggregator(tasks),
		Subscriptions: subs,
		Gate:          gate,
		Machine:       machine,
		Limits:        limits,
	})
	return &harness{handler: srv.Handler(), clock: clock, machine: machine, tasks: tasks}
}

func (h *harness) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) proof(t *testing.T, nonce int) string {
	t.Helper()
	encoded, err := payment.EncodeHeader(&payment.Payload{
		X402Version: payment.X402Version,
		Scheme:      payment.SchemeExact,
		Network:     "base-sepolia",
		Payload: payment.ExactPayload{
			Signature: "0x" + strings.Repeat("ab", 65),
			Authorization: payment.Authorization{
				From:        testPayer,
				To:          testPayTo,
				Value:       "10000",
				ValidAfter:  "0",
				ValidBefore: strconv.FormatInt(h.clock.Now().Add(time.Hour).Unix(), 10),
				Nonce:       fmt.Sprintf("0x%064x", nonce),
			},
		},
	})
	require.NoError(t, err)
	return encoded
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestRegisterAndDiscover(t *testing.T) {
	h := newHarness(t, nil)
	body := map[string]any{
		"agent_id":    "6F1C2B9E-3D4A-4B5C-8D7E-9F0A1B2C3D4E",
		"base_url":    "https://seller.example.com/",
		"description": "weather forecasts",
		"tags":        []string{"Weather"},
	}

	first := h.do(t, http.MethodPost, "/register", body, nil)
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	got := decode[registerResponse](t, first)
	assert.Equal(t, "success", got.Status)
	assert.True(t, got.Created)
	assert.Equal(t, "6f1c2b9e-3d4a-4b5c-8d7e-9f0a1b2c3d4e", got.AgentID)

	again := decode[registerResponse](t, h.do(t, http.MethodPost, "/register", body, nil))
	assert.False(t, again.Created)
	assert.Equal(t, got.Version, again.Version)

	bad := h.do(t, http.MethodPost, "/register", map[string]any{
		"agent_id": "6f1c2b9e-3d4a-4b5c-8d7e-9f0a1b2c3d4f", "base_url": "http://seller.example.com", "description": "x",
	}, nil)
	require.Equal(t, http.StatusBadRequest, bad.Code)
	assert.Equal(t, string(registry.CodeInvalidURL), decode[errorBody](t, bad).Code)

	page := decode[registry.Page](t, h.do(t, http.MethodGet, "/register/new_entries?tag=weather", nil, nil))
	require.Len(t, page.Agents, 1)
	assert.Equal(t, "https://seller.example.com", page.Agents[0].BaseURL)

	missing := h.do(t, http.MethodGet, "/agents/unknown", nil, nil)
	require.Equal(t, http.StatusNotFound, missing.Code)
	assert.Equal(t, string(registry.CodeAgentNotFound), decode[errorBody](t, missing).Code)
}

// 场景 A：发布任务、两份报价、选定最先到达者。
func TestClaimFlow(t *testing.T) {
	h := newHarness(t, nil)

	created := h.do(t, http.MethodPost, "/market/tasks", map[string]any{"description": "summarise the news", "complexity": "short"}, nil)
	require.Equal(t, http.StatusCreated, created.Code, created.Body.String())
	taskID := decode[createTaskResponse](t, created).TaskID

	for _, seller := range []string{"seller-a", "seller-b"} {
		rec := h.do(t, http.MethodPost, "/market/tasks/"+taskID+"/claims", map[string]any{"seller_id": seller, "terms": map[string]any{"price": "100"}}, nil)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}
	dup := h.do(t, http.MethodPost, "/market/tasks/"+taskID+"/claims", map[string]any{"seller_id": "seller-a"}, nil)
	require.Equal(t, http.StatusConflict, dup.Code)
	assert.Equal(t, string(task.CodeDuplicateClaim), decode[errorBody](t, dup).Code)

	selected := h.do(t, http.MethodPost, "/market/tasks/"+taskID+"/select", nil, nil)
	require.Equal(t, http.StatusOK, selected.Code, selected.Body.String())
	assert.Equal(t, "seller-a", decode[task.Claim](t, selected).SellerID)

	again := h.do(t, http.MethodPost, "/market/tasks/"+taskID+"/select", map[string]any{"policy": "lowest_price"}, nil)
	require.Equal(t, http.StatusConflict, again.Code)
	assert.Equal(t, string(task.CodeClaimAlreadySelected), decode[errorBody](t, again).Code)

	current := decode[task.Task](t, h.do(t, http.MethodGet, "/market/tasks/"+taskID, nil, nil))
	assert.Equal(t, task.StatusClaimed, current.Status)
	assert.Equal(t, "seller-a", current.SelectedSellerID)

	late := h.do(t, http.MethodPost, "/market/tasks/"+taskID+"/claims", map[string]any{"seller_id": "seller-c"}, nil)
	require.Equal(t, http.StatusConflict, late.Code)
	assert.Equal(t, string(task.CodeTaskNotOpen), decode[errorBody](t, late).Code)

	seller := map[string]string{"X-Agent-ID": "seller-a"}
	illegal := h.do(t, http.MethodPost, "/market/tasks/"+taskID+"/status", map[string]any{"status": "done"}, seller)
	require.Equal(t, http.StatusConflict, illegal.Code)
	assert.Equal(t, string(task.CodeInvalidTransition), decode[errorBody](t, illegal).Code)

	executing := h.do(t, http.MethodPost, "/market/tasks/"+taskID+"/status", map[string]any{"status": "executing"}, seller)
	require.Equal(t, http.StatusOK, executing.Code, executing.Body.String())
}

func TestReportStatusOnlyFromSelectedSeller(t *testing.T) {
	h := newHarness(t, nil)
	taskID := decode[createTaskResponse](t, h.do(t, http.MethodPost, "/market/tasks", map[string]any{"description": "x"}, nil)).TaskID
	path := "/market/tasks/" + taskID + "/status"

	claimed := h.do(t, http.MethodPost, path, map[string]any{"status": "claimed"}, map[string]string{"X-Agent-ID": "stranger"})
	require.Equal(t, http.StatusBadRequest, claimed.Code, claimed.Body.String())

	unselected := h.do(t, http.MethodPost, path, map[string]any{"status": "executing"}, map[string]string{"X-Agent-ID": "stranger"})
	require.Equal(t, http.StatusForbidden, unselected.Code, unselected.Body.String())

	submitted := h.do(t, http.MethodPost, "/market/tasks/"+taskID+"/claims", map[string]any{"seller_id": "seller-a"}, nil)
	require.Equal(t, http.StatusCreated, submitted.Code, submitted.Body.String())
	selected := h.do(t, http.MethodPost, "/market/tasks/"+taskID+"/select", nil, nil)
	require.Equal(t, http.StatusOK, selected.Code, selected.Body.String())

	for name, headers := range map[string]map[string]string{
		"anonymous": nil,
		"stranger":  {"X-Agent-ID": "stranger"},
	} {
		t.Run(name, func(t *testing.T) {
			rec := h.do(t, http.MethodPost, path, map[string]any{"status": "executing"}, headers)
			require.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
		})
	}

	current := decode[task.Task](t, h.do(t, http.MethodGet, "/market/tasks/"+taskID, nil, nil))
	assert.Equal(t, task.StatusClaimed, current.Status)
	assert.Equal(t, "seller-a", current.SelectedSellerID)

	ok := h.do(t, http.MethodPost, path, map[string]any{"status": "EXECUTING"}, map[string]string{"X-Agent-ID": "seller-a"})
	require.Equal(t, http.StatusOK, ok.Code, ok.Body.String())
	assert.Equal(t, task.StatusExecuting, decode[task.Task](t, ok).Status)
}

func TestSelectWithoutClaims(t *testing.T) {
	h := newHarness(t, nil)
	taskID := decode[createTaskResponse](t, h.do(t, http.MethodPost, "/market/tasks", map[string]any{"description": "x"}, nil)).TaskID

	rec := h.do(t, http.MethodPost, "/market/tasks/"+taskID+"/select", nil, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(task.CodeNoClaims), decode[errorBody](t, rec).Code)
}

// 场景 B：无凭证得到 402，携带凭证得到 202 与买方密钥。
func TestExecutePaymentRequiredThenAccepted(t *testing.T) {
	h := newHarness(t, nil)
	body := map[string]any{"task_id": "task-b", "task_description": "forecast", "complexity": "short"}

	unpaid := h.do(t, http.MethodPost, "/execute", body, nil)
	require.Equal(t, http.StatusPaymentRequired, unpaid.Code)
	challenge := decode[paymentRequiredBody](t, unpaid)
	assert.Equal(t, 1, challenge.X402Version)
	assert.Equal(t, string(payment.CodePaymentRequired), challenge.Code)
	require.Len(t, challenge.Accepts, 1)
	assert.Equal(t, "base-sepolia", challenge.Accepts[0].Network)
	assert.Equal(t, "10000", challenge.Accepts[0].MaxAmountRequired)

	paid := h.do(t, http.MethodPost, "/execute", body, map[string]string{payment.HeaderPayment: h.proof(t, 1)})
	require.Equal(t, http.StatusAccepted, paid.Code, paid.Body.String())
	accepted := decode[executeResponse](t, paid)
	assert.Equal(t, "task-b", accepted.TaskID)
	assert.Equal(t, execution.StatusInProgress, accepted.Status)
	assert.Len(t, accepted.BuyerSecret, 43)
	assert.Equal(t, accepted.CreatedAt.Add(60*time.Second), accepted.DeadlineAt)

	settlement, err := payment.DecodeSettlement(paid.Header().Get(payment.HeaderPaymentResponse))
	require.NoError(t, err)
	assert.Equal(t, "0xfeed", settlement.Transaction)

	poll := h.do(t, http.MethodGet, "/tasks/task-b", nil, map[string]string{"X-Buyer-Secret": accepted.BuyerSecret})
	require.Equal(t, http.StatusOK, poll.Code)
	assert.Equal(t, execution.StatusInProgress, decode[execution.Record](t, poll).Status)

	_, err = h.machine.Advance(context.Background(), "task-b", execution.Succeeded(map[string]any{"forecast": "sunny"}, []string{"weather"}, time.Second))
	require.NoError(t, err)

	done := h.do(t, http.MethodGet, "/tasks/task-b", nil, map[string]string{"Buyer-Secret": accepted.BuyerSecret})
	require.Equal(t, http.StatusOK, done.Code)
	var result map[string]any
	require.NoError(t, json.Unmarshal(done.Body.Bytes(), &result))
	assert.Equal(t, "done", result["status"])
	assert.Equal(t, map[string]any{"forecast": "sunny"}, result["data"])
	assert.EqualValues(t, 1000, result["execution_time_ms"])
	assert.Equal(t, []any{"weather"}, result["tools_used"])
}

func TestExecuteRejectsMalformedProof(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(t, http.MethodPost, "/execute", map[string]any{"task_description": "x"}, map[string]string{payment.HeaderPayment: "not-base64!"})
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	body := decode[paymentRequiredBody](t, rec)
	assert.Equal(t, string(payment.CodeInvalidProof), body.Code)
	assert.NotEmpty(t, body.Accepts)
}

// 场景 C：同一凭证用于另一任务得到 ALREADY_CONSUMED，首个任务不受影响。
func TestExecuteReplay(t *testing.T) {
	h := newHarness(t, nil)
	proof := h.proof(t, 7)
	headers := map[string]string{payment.HeaderPayment: proof}

	first := h.do(t, http.MethodPost, "/execute", map[string]any{"task_id": "task-1", "task_description": "a"}, headers)
	require.Equal(t, http.StatusAccepted, first.Code, first.Body.String())
	original := decode[executeResponse](t, first)

	other := h.do(t, http.MethodPost, "/execute", map[string]any{"task_id": "task-2", "task_description": "b"}, headers)
	require.Equal(t, http.StatusPaymentRequired, other.Code)
	assert.Equal(t, string(payment.CodeAlreadyConsumed), decode[paymentRequiredBody](t, other).Code)

	same := h.do(t, http.MethodPost, "/execute", map[string]any{"task_id": "task-1", "task_description": "a"}, headers)
	require.Equal(t, http.StatusAccepted, same.Code)
	assert.Equal(t, original, decode[executeResponse](t, same))

	anonymous := h.do(t, http.MethodPost, "/execute", map[string]any{"task_description": "a"}, headers)
	require.Equal(t, http.StatusAccepted, anonymous.Code)
	assert.Equal(t, original.TaskID, decode[executeResponse](t, anonymous).TaskID)

	poll := h.do(t, http.MethodGet, "/tasks/task-1", nil, map[string]string{"X-Buyer-Secret": original.BuyerSecret})
	require.Equal(t, http.StatusOK, poll.Code)
	assert.Equal(t, execution.StatusInProgress, decode[execution.Record](t, poll).Status)

	missing := h.do(t, http.MethodGet, "/tasks/task-2", nil, map[string]string{"X-Buyer-Secret": original.BuyerSecret})
	assert.Equal(t, http.StatusForbidden, missing.Code)
}

func TestExecuteExistingTaskWithNewProofConflicts(t *testing.T) {
	h := newHarness(t, nil)
	first := h.do(t, http.MethodPost, "/execute", map[string]any{"task_id": "task-x", "task_description": "a"}, map[string]string{payment.HeaderPayment: h.proof(t, 1)})
	require.Equal(t, http.StatusAccepted, first.Code)

	second := h.do(t, http.MethodPost, "/execute", map[string]any{"task_id": "task-x", "task_description": "a"}, map[string]string{payment.HeaderPayment: h.proof(t, 2)})
	require.Equal(t, http.StatusConflict, second.Code)
	assert.Equal(t, string(execution.CodeExecutionExists), decode[errorBody](t, second).Code)

	// 第二张凭证没有被消费，可以用于新任务。
	third := h.do(t, http.MethodPost, "/execute", map[string]any{"task_id": "task-y", "task_description": "a"}, map[string]string{payment.HeaderPayment: h.proof(t, 2)})
	require.Equal(t, http.StatusAccepted, third.Code)
}

func TestExecuteValidationLeavesProofUnspent(t *testing.T) {
	h := newHarness(t, nil)
	headers := map[string]string{payment.HeaderPayment: h.proof(t, 4)}

	huge := h.do(t, http.MethodPost, "/execute", map[string]any{"task_id": "task-v", "task_description": "a", "complexity": "huge"}, headers)
	require.Equal(t, http.StatusBadRequest, huge.Code, huge.Body.String())
	assert.Equal(t, string(task.CodeTaskValidation), decode[errorBody](t, huge).Code)

	fixed := h.do(t, http.MethodPost, "/execute", map[string]any{"task_id": "task-v", "task_description": "a", "complexity": "short"}, headers)
	require.Equal(t, http.StatusAccepted, fixed.Code, fixed.Body.String())
	assert.Equal(t, "task-v", decode[executeResponse](t, fixed).TaskID)
}

// slowVerifier 拉长校验时间，让并发请求在支付途中重叠。
type slowVerifier struct{ delay time.Duration }

func (v slowVerifier) Verify(ctx context.Context, _ *payment.Payload, _ payment.Requirements) (string, error) {
	select {
	case <-time.After(v.delay):
		return testPayer, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type executeResult struct {
	nonce int
	code  int
	body  []byte
}

// executeConcurrently 同时发出多个 /execute 请求，每个请求使用对应 nonce 的凭证。
func (h *harness) executeConcurrently(t *testing.T, taskID string, nonces ...int) []executeResult {
	t.Helper()
	body, err := json.Marshal(map[string]any{"task_id": taskID, "task_description": "a"})
	require.NoError(t, err)
	proofs := make([]string, len(nonces))
	for i, nonce := range nonces {
		proofs[i] = h.proof(t, nonce)
	}

	results := make([]executeResult, len(nonces))
	var wg sync.WaitGroup
	for i := range nonces {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/execute", bytes.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set(payment.HeaderPayment, proofs[i])
			rec := httptest.NewRecorder()
			h.handler.ServeHTTP(rec, req)
			results[i] = executeResult{nonce: nonces[i], code: rec.Code, body: rec.Body.Bytes()}
		}(i)
	}
	wg.Wait()
	return results
}

func TestConcurrentExecuteSameTaskSpendsOneProof(t *testing.T) {
	h := newHarness(t, nil, withVerifier(slowVerifier{delay: 50 * time.Millisecond}))

	results := h.executeConcurrently(t, "same", 1, 2)
	var winner, loser executeResult
	for _, res := range results {
		if res.code == http.StatusAccepted {
			winner = res
		} else {
			loser = res
		}
	}
	require.Equal(t, http.StatusAccepted, winner.code, string(winner.body))
	require.Equal(t, http.StatusConflict, loser.code, string(loser.body))
	var conflict errorBody
	require.NoError(t, json.Unmarshal(loser.body, &conflict))
	assert.Equal(t, string(execution.CodeExecutionExists), conflict.Code)

	reused := h.do(t, http.MethodPost, "/execute", map[string]any{"task_id": "fresh", "task_description": "a"},
		map[string]string{payment.HeaderPayment: h.proof(t, loser.nonce)})
	require.Equal(t, http.StatusAccepted, reused.Code, reused.Body.String())
}

func TestConcurrentRetryOfSameProofGetsFirstResponse(t *testing.T) {
	h := newHarness(t, nil, withVerifier(slowVerifier{delay: 50 * time.Millisecond}))

	results := h.executeConcurrently(t, "retry", 9, 9)
	var responses []executeResponse
	for _, res := range results {
		require.Equal(t, http.StatusAccepted, res.code, string(res.body))
		var out executeResponse
		require.NoError(t, json.Unmarshal(res.body, &out))
		responses = append(responses, out)
	}
	assert.Equal(t, responses[0], responses[1])
}

// gatedVerifier 在收到放行信号之前一直停在校验步骤。
type gatedVerifier struct {
	entered chan struct{}
	release chan struct{}
}

func (v *gatedVerifier) Verify(context.Context, *payment.Payload, payment.Requirements) (string, error) {
	v.entered <- struct{}{}
	<-v.release
	return testPayer, nil
}

func TestRetryOnAnotherNodeWhileVerifyingIsInProgress(t *testing.T) {
	ledger, store := payment.NewMemoryLedger(), execution.NewMemoryStore()
	verifier := &gatedVerifier{entered: make(chan struct{}, 1), release: make(chan struct{})}
	first := newHarness(t, nil, withShared(ledger, store), withVerifier(verifier))
	second := newHarness(t, nil, withShared(ledger, store))

	proof := first.proof(t, 11)
	body := map[string]any{"task_id": "task-n", "task_description": "a"}
	done := make(chan int, 1)
	encoded, err := json.Marshal(body)
	require.NoError(t, err)
	go func() {
		req := httptest.NewRequest(http.MethodPost, "/execute", bytes.NewReader(encoded))
		req.Header.Set(payment.HeaderPayment, proof)
		rec := httptest.NewRecorder()
		first.handler.ServeHTTP(rec, req)
		done <- rec.Code
	}()
	<-verifier.entered

	retry := second.do(t, http.MethodPost, "/execute", body, map[string]string{payment.HeaderPayment: proof})
	require.Equal(t, http.StatusConflict, retry.Code, retry.Body.String())
	assert.Equal(t, string(execution.CodeExecutionInProgress), decode[errorBody](t, retry).Code)
	assert.Equal(t, "1", retry.Header().Get("Retry-After"))

	close(verifier.release)
	require.Equal(t, http.StatusAccepted, <-done)
}

// 场景 E：未知任务、缺少密钥与错误密钥得到完全相同的 403。
func TestPollForbiddenIsUniform(t *testing.T) {
	h := newHarness(t, nil)
	paid := h.do(t, http.MethodPost, "/execute", map[string]any{"task_id": "task-e", "task_description": "a"}, map[string]string{payment.HeaderPayment: h.proof(t, 3)})
	require.Equal(t, http.StatusAccepted, paid.Code)

	cases := []struct {
		name    string
		path    string
		headers map[string]string
	}{
		{name: "missing secret", path: "/tasks/task-e"},
		{name: "wrong secret", path: "/tasks/task-e", headers: map[string]string{"X-Buyer-Secret": "guess"}},
		{name: "unknown task", path: "/tasks/nope", headers: map[string]string{"X-Buyer-Secret": "guess"}},
	}
	var bodies []string
	for _, tc := range cases {
		rec := h.do(t, http.MethodGet, tc.path, nil, tc.headers)
		require.Equal(t, http.StatusForbidden, rec.Code, tc.name)
		bodies = append(bodies, rec.Body.String())
		assert.NotContains(t, rec.Body.String(), "in_progress", tc.name)
		assert.NotContains(t, rec.Body.String(), "status", tc.name)
	}
	assert.Equal(t, bodies[0], bodies[1])
	assert.Equal(t, bodies[1], bodies[2])
}

func TestPollRateLimitedBySecret(t *testing.T) {
	h := newHarness(t, map[string]ratelimit.Policy{ratelimit.OpPoll: {Limit: 1, Window: time.Minute}})
	paid := decode[executeResponse](t, h.do(t, http.MethodPost, "/execute", map[string]any{"task_id": "task-r", "task_description": "a"}, map[string]string{payment.HeaderPayment: h.proof(t, 4)}))

	headers := map[string]string{"X-Buyer-Secret": paid.BuyerSecret}
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/tasks/task-r", nil, headers).Code)

	limited := h.do(t, http.MethodGet, "/tasks/task-r", nil, headers)
	require.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", decode[errorBody](t, limited).Code)
	assert.NotEmpty(t, limited.Header().Get("Retry-After"))

	// 其它买方的额度独立计算。
	assert.Equal(t, http.StatusForbidden, h.do(t, http.MethodGet, "/tasks/task-r", nil, map[string]string{"X-Buyer-Secret": "other"}).Code)
}

func TestSecretsNeverLogged(t *testing.T) {
	var buf bytes.Buffer
	restore := logger.Use(slog.New(logger.NewHandler(&buf, "json", slog.LevelDebug)))
	defer restore()

	h := newHarness(t, nil)
	paid := h.do(t, http.MethodPost, "/execute", map[string]any{
		"task_id":          "task-s",
		"task_description": "call the api",
		"secrets":          map[string]string{"API_TOKEN": "sk-live-abcdef123456"},
	}, map[string]string{payment.HeaderPayment: h.proof(t, 5)})
	require.Equal(t, http.StatusAccepted, paid.Code)
	secret := decode[executeResponse](t, paid).BuyerSecret

	h.do(t, http.MethodGet, "/tasks/task-s", nil, map[string]string{"X-Buyer-Secret": secret})
	h.do(t, http.MethodGet, "/tasks/task-s", nil, map[string]string{"X-Buyer-Secret": "wrong"})

	require.NotEmpty(t, buf.String())
	assert.NotContains(t, buf.String(), secret)
	assert.NotContains(t, buf.String(), "sk-live-abcdef123456")
}

func TestListTasksFilters(t *testing.T) {
	h := newHarness(t, nil)
	created := h.do(t, http.MethodPost, "/market/tasks", map[string]any{"description": "index the docs"}, nil)
	require.Equal(t, http.StatusCreated, created.Code, created.Body.String())

	rec := h.do(t, http.MethodGet, "/market/tasks?status=open&updated_since=2000-01-01T00:00:00Z", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	listed := decode[struct {
		Tasks []task.Task `json:"tasks"`
	}](t, rec)
	require.Len(t, listed.Tasks, 1)

	bad := h.do(t, http.MethodGet, "/market/tasks?updated_since=yesterday", nil, nil)
	require.Equal(t, http.StatusBadRequest, bad.Code)
	assert.Equal(t, "INVALID_ARGUMENT", decode[errorBody](t, bad).Code)
}

func TestWebhookSubscription(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(t, http.MethodPost, "/webhooks", map[string]any{"target_url": "https://hooks.example.com/in", "events": []string{"execution.*"}, "secret": "whsec-1"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "whsec-1")
	assert.NotEmpty(t, decode[webhook.Subscription](t, rec).ID)

	bad := h.do(t, http.MethodPost, "/webhooks", map[string]any{"target_url": "not a url"}, nil)
	require.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(t, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[map[string]any](t, rec)["status"])
}
