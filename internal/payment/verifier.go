package payment

import (
	"context"
)

// Verifier 校验凭证的签名与金额，返回付款地址。
// 明确的失败返回 ErrInvalidProof 或 ErrNoMatchingRequirements，暂时性故障返回 ErrVerifierUnavailable。
type Verifier interface {
	Verify(ctx context.Context, payload *Payload, req Requirements) (payer string, err error)
}

// Settler 由能够完成链上结算的校验器实现。
type Settler interface {
	Settle(ctx context.Context, payload *Payload, req Requirements) (*Settlement, error)
}

// VerifierFunc 允许使用普通函数作为 Verifier。
type VerifierFunc func(ctx context.Context, payload *Payload, req Requirements) (string, error)

// Verify 实现 Verifier。
func (f VerifierFunc) Verify(ctx context.Context, payload *Payload, req Requirements) (string, error) {
	return f(ctx, payload, req)
}
