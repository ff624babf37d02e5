package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"agentmarket/internal/payment"
)

// ExecuteRequest is the payload of POST /execute. Secrets travel to the seller
// once and are never echoed back.
type ExecuteRequest struct {
	TaskID          string            `json:"task_id,omitempty"`
	TaskDescription string            `json:"task_description"`
	Context         map[string]any    `json:"context,omitempty"`
	Secrets         map[string]string `json:"secrets,omitempty"`
	Complexity      string            `json:"complexity,omitempty"`
}

// Receipt is the 202 response of an accepted execution. BuyerSecret is the
// only credential that can read the result.
type Receipt struct {
	TaskID      string              `json:"task_id"`
	BuyerSecret string              `json:"buyer_secret"`
	Status      string              `json:"status"`
	CreatedAt   time.Time           `json:"created_at"`
	DeadlineAt  time.Time           `json:"deadline_at"`
	Settlement  *payment.Settlement `json:"-"`
}

// Execution is the polled state of a paid execution.
type Execution struct {
	TaskID          string          `json:"task_id"`
	Status          string          `json:"status"`
	Data            json.RawMessage `json:"data,omitempty"`
	Error           *ExecutionError `json:"error,omitempty"`
	ExecutionTimeMS int64           `json:"execution_time_ms"`
	ToolsUsed       []string        `json:"tools_used"`
	CreatedAt       time.Time       `json:"created_at"`
	DeadlineAt      time.Time       `json:"deadline_at"`
	CompletedAt     time.Time       `json:"completed_at,omitzero"`
}

// ExecutionError describes a failed execution.
type ExecutionError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Terminal reports whether the execution reached done or failed.
func (e Execution) Terminal() bool {
	return e.Status == "done" || e.Status == "failed"
}

// PaymentSigner produces an X-PAYMENT proof for one of the offered requirements.
type PaymentSigner interface {
	Sign(ctx context.Context, accepts []payment.Requirements) (*payment.Payload, error)
}

// PaymentRequiredError is returned when the seller answers 402 and no proof
// could satisfy it.
type PaymentRequiredError struct {
	Code    string
	Message string
	Accepts []payment.Requirements
}

func (e *PaymentRequiredError) Error() string {
	return fmt.Sprintf("payment required (%s): %s", e.Code, e.Message)
}

type paymentRequired struct {
	X402Version int                    `json:"x402Version"`
	Accepts     []payment.Requirements `json:"accepts"`
	Error       string                 `json:"error"`
	Code        string                 `json:"error_code"`
}

// Execute runs the x402 handshake: the first call learns the price, the
// signer authorizes a transfer and the request is repeated with X-PAYMENT.
// With a nil signer the 402 is returned as *PaymentRequiredError.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest, signer PaymentSigner) (Receipt, error) {
	receipt, err := c.execute(ctx, req, "")
	if err == nil {
		return receipt, nil
	}
	var required *PaymentRequiredError
	if !errors.As(err, &required) || signer == nil {
		return Receipt{}, err
	}
	proof, err := signer.Sign(ctx, required.Accepts)
	if err != nil {
		return Receipt{}, fmt.Errorf("sign payment: %w", err)
	}
	header, err := payment.EncodeHeader(proof)
	if err != nil {
		return Receipt{}, fmt.Errorf("encode payment: %w", err)
	}
	return c.execute(ctx, req, header)
}

// ExecuteWithProof repeats a request with an already encoded X-PAYMENT header.
// Sending the same proof twice returns the original receipt.
func (c *Client) ExecuteWithProof(ctx context.Context, req ExecuteRequest, header string) (Receipt, error) {
	return c.execute(ctx, req, header)
}

func (c *Client) execute(ctx context.Context, req ExecuteRequest, proof string) (Receipt, error) {
	var header http.Header
	if proof != "" {
		header = http.Header{payment.HeaderPayment: {proof}}
	}
	var receipt Receipt
	resp, err := c.send(ctx, http.MethodPost, "/execute", nil, req, header, &receipt)
	if err != nil {
		var raw *rawError
		if errors.As(err, &raw) && raw.StatusCode == http.StatusPaymentRequired {
			var body paymentRequired
			if jsonErr := json.Unmarshal(raw.body, &body); jsonErr == nil {
				return Receipt{}, &PaymentRequiredError{Code: body.Code, Message: body.Error, Accepts: body.Accepts}
			}
		}
		return Receipt{}, unwrap(err)
	}
	if encoded := resp.Header.Get(payment.HeaderPaymentResponse); encoded != "" {
		if settlement, err := payment.DecodeSettlement(encoded); err == nil {
			receipt.Settlement = settlement
		}
	}
	return receipt, nil
}

// Poll reads the execution result. Unknown tasks and wrong secrets are both 403.
func (c *Client) Poll(ctx context.Context, taskID, buyerSecret string) (Execution, error) {
	var out Execution
	header := http.Header{SecretHeader: {buyerSecret}}
	if _, err := c.send(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID), nil, nil, header, &out); err != nil {
		return Execution{}, unwrap(err)
	}
	return out, nil
}

// WaitUntilDone polls until the execution is terminal or ctx ends. A 429 waits
// for the advertised Retry-After.
func (c *Client) WaitUntilDone(ctx context.Context, taskID, buyerSecret string, interval time.Duration) (Execution, error) {
	if interval <= 0 {
		interval = time.Second
	}
	for {
		wait := interval
		exec, err := c.Poll(ctx, taskID, buyerSecret)
		switch {
		case err == nil && exec.Terminal():
			return exec, nil
		case err == nil:
		case IsStatus(err, http.StatusTooManyRequests):
			if after := retryAfter(err); after > wait {
				wait = after
			}
		default:
			return Execution{}, err
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return exec, ctx.Err()
		case <-timer.C:
		}
	}
}

func asAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// unwrap exposes the *APIError directly to callers.
func unwrap(err error) error {
	var raw *rawError
	if errors.As(err, &raw) {
		return raw.APIError
	}
	return err
}
