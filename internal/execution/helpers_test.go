package execution

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentmarket/internal/payment"
	"agentmarket/internal/web3"
	"agentmarket/internal/webhook"
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

func newClock() *manualClock {
	return &manualClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
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

type recordingNotifier struct {
	mu     sync.Mutex
	events []webhook.Event
}

func (r *recordingNotifier) Notify(_ context.Context, event webhook.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingNotifier) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

// accept 通过真实的支付网关为 taskID 铸造一个 Acceptance，校验器直接放行。
func accept(t *testing.T, clock *manualClock, taskID string, nonce int) *payment.Acceptance {
	t.Helper()
	verifier := payment.VerifierFunc(func(context.Context, *payment.Payload, payment.Requirements) (string, error) {
		return testPayer, nil
	})
	gate, err := payment.NewGate(payment.GateConfig{PayTo: testPayTo}, web3.DefaultChainDefinitions(),
		payment.NewMemoryLedger(), verifier, payment.WithClock(clock.Now))
	require.NoError(t, err)

	reqs, err := gate.Challenge(taskID, []payment.PriceOption{{ChainID: 84532, TokenAddress: testAsset, TokenAmount: "1000"}})
	require.NoError(t, err)
	acc, err := gate.VerifyAndConsume(context.Background(), taskID, testPayload(clock, nonce), reqs)
	require.NoError(t, err)
	return acc
}

func testPayload(clock *manualClock, nonce int) *payment.Payload {
	return &payment.Payload{
		X402Version: payment.X402Version,
		Scheme:      payment.SchemeExact,
		Network:     "base-sepolia",
		Payload: payment.ExactPayload{
			Signature: "0x" + strings.Repeat("ab", 65),
			Authorization: payment.Authorization{
				From:        testPayer,
				To:          testPayTo,
				Value:       "1000",
				ValidAfter:  "0",
				ValidBefore: strconv.FormatInt(clock.Now().Add(time.Hour).Unix(), 10),
				Nonce:       fmt.Sprintf("0x%064x", nonce),
			},
		},
	}
}
