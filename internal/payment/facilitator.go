package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	xerrors "agentmarket/internal/errors"
	"agentmarket/pkg/logger"
)

const (
	defaultFacilitatorAttempts = 5
	defaultFacilitatorBackoff  = time.Second
	maxFacilitatorBackoff      = 16 * time.Second
	defaultFacilitatorTimeout  = 15 * time.Second
)

// FacilitatorClient 通过 x402 facilitator 的 /verify 与 /settle 接口完成校验与结算。
type FacilitatorClient struct {
	baseURL    string
	httpClient *http.Client
	attempts   int
	backoff    time.Duration
}

// FacilitatorOption 自定义 FacilitatorClient。
type FacilitatorOption func(*FacilitatorClient)

// WithHTTPClient 替换底层 HTTP 客户端。
func WithHTTPClient(client *http.Client) FacilitatorOption {
	return func(c *FacilitatorClient) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithRetry 设置最大尝试次数与初始退避。
func WithRetry(attempts int, backoff time.Duration) FacilitatorOption {
	return func(c *FacilitatorClient) {
		if attempts > 0 {
			c.attempts = attempts
		}
		if backoff >= 0 {
			c.backoff = backoff
		}
	}
}

// NewFacilitatorClient 创建 facilitator 客户端。
func NewFacilitatorClient(baseURL string, opts ...FacilitatorOption) (*FacilitatorClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "facilitator 地址不能为空")
	}
	c := &FacilitatorClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: defaultFacilitatorTimeout},
		attempts:   defaultFacilitatorAttempts,
		backoff:    defaultFacilitatorBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type facilitatorRequest struct {
	X402Version         int          `json:"x402Version"`
	PaymentPayload      *Payload     `json:"paymentPayload"`
	PaymentRequirements Requirements `json:"paymentRequirements"`
}

type verifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// Verify 实现 Verifier。
func (c *FacilitatorClient) Verify(ctx context.Context, payload *Payload, req Requirements) (string, error) {
	var resp verifyResponse
	if err := c.post(ctx, "/verify", payload, req, &resp); err != nil {
		return "", err
	}
	if !resp.IsValid {
		reason := resp.InvalidReason
		if reason == "" {
			reason = "facilitator_rejected"
		}
		return "", invalidProof(reason)
	}
	payer := resp.Payer
	if payer == "" {
		payer = payload.Payload.Authorization.From
	}
	return payer, nil
}

// Settle 实现 Settler。
func (c *FacilitatorClient) Settle(ctx context.Context, payload *Payload, req Requirements) (*Settlement, error) {
	var resp Settlement
	if err := c.post(ctx, "/settle", payload, req, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		reason := resp.ErrorReason
		if reason == "" {
			reason = "settlement_failed"
		}
		return nil, invalidProof(reason)
	}
	if resp.Network == "" {
		resp.Network = req.Network
	}
	return &resp, nil
}

func (c *FacilitatorClient) post(ctx context.Context, path string, payload *Payload, req Requirements, out any) error {
	body, err := json.Marshal(facilitatorRequest{X402Version: X402Version, PaymentPayload: payload, PaymentRequirements: req})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 facilitator 请求失败")
	}

	delay := c.backoff
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		status, data, err := c.do(ctx, path, body)
		switch {
		case err != nil:
			lastErr = err
		case status >= http.StatusInternalServerError:
			lastErr = fmt.Errorf("facilitator 返回状态 %d", status)
		case status >= http.StatusBadRequest:
			return ErrInvalidProof.With(
				xerrors.WithMetadata("reason", "facilitator_status"),
				xerrors.WithMetadata("status", fmt.Sprint(status)),
			)
		default:
			if err := json.Unmarshal(data, out); err != nil {
				return ErrVerifierUnavailable.With(xerrors.WithCause(err), xerrors.WithMetadata("reason", "decode"))
			}
			return nil
		}

		logger.L().Warn("调用 facilitator 失败",
			slog.String("path", path),
			slog.Int("attempt", attempt),
			slog.Any("error", lastErr),
		)
		if attempt == c.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ErrVerifierUnavailable.With(xerrors.WithCause(ctx.Err()))
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxFacilitatorBackoff {
			delay = maxFacilitatorBackoff
		}
	}
	return ErrVerifierUnavailable.With(xerrors.WithCause(lastErr), xerrors.WithMetadata("path", path))
}

func (c *FacilitatorClient) do(ctx context.Context, path string, body []byte) (int, []byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, data, nil
}

var (
	_ Verifier = (*FacilitatorClient)(nil)
	_ Settler  = (*FacilitatorClient)(nil)
)
