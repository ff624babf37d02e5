package payment

import (
	"time"

	xerrors "agentmarket/internal/errors"
)

// X402Version 是支持的协议版本。
const X402Version = 1

// SchemeExact 是唯一支持的支付方案。
const SchemeExact = "exact"

// Requirements 描述一种可接受的支付方式。
type Requirements struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Resource          string `json:"resource"`
	Description       string `json:"description"`
	MimeType          string `json:"mimeType"`
	PayTo             string `json:"payTo"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds"`
	Asset             string `json:"asset"`
	Extra             *Extra `json:"extra,omitempty"`
}

// Extra 携带代币的 EIP-712 域信息。
type Extra struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Authorization 是 EIP-3009 transferWithAuthorization 的参数。
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// ExactPayload 是 exact 方案的签名载荷。
type ExactPayload struct {
	Signature     string        `json:"signature"`
	Authorization Authorization `json:"authorization"`
}

// Payload 是 X-PAYMENT 头中携带的支付凭证。
type Payload struct {
	X402Version int          `json:"x402Version"`
	Scheme      string       `json:"scheme"`
	Network     string       `json:"network"`
	Asset       string       `json:"asset,omitempty"`
	Payload     ExactPayload `json:"payload"`
}

// Settlement 是结算结果，编码后放入 X-PAYMENT-RESPONSE 头。
type Settlement struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network"`
	Payer       string `json:"payer,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`
}

// PriceOption 是定价文件中的一个报价项。
type PriceOption struct {
	ChainID      int64  `yaml:"chain_id" json:"chain_id"`
	TokenAddress string `yaml:"token_address" json:"token_address"`
	TokenAmount  string `yaml:"token_amount" json:"token_amount"`
	TokenName    string `yaml:"token_name,omitempty" json:"token_name,omitempty"`
	TokenVersion string `yaml:"token_version,omitempty" json:"token_version,omitempty"`
}

// Acceptance 证明某个凭证已被网关接受并消费。字段不可导出，只有网关能构造。
type Acceptance struct {
	taskID       string
	payer        string
	fingerprint  string
	requirements Requirements
	settlement   *Settlement
	acceptedAt   time.Time
}

// TaskID 返回凭证绑定的任务。
func (a *Acceptance) TaskID() string { return a.taskID }

// Payer 返回付款地址。
func (a *Acceptance) Payer() string { return a.payer }

// Fingerprint 返回凭证指纹。
func (a *Acceptance) Fingerprint() string { return a.fingerprint }

// Requirements 返回匹配到的支付要求。
func (a *Acceptance) Requirements() Requirements { return a.requirements }

// Settlement 返回结算结果，未结算时为 nil。
func (a *Acceptance) Settlement() *Settlement {
	if a.settlement == nil {
		return nil
	}
	s := *a.settlement
	return &s
}

// AcceptedAt 返回接受时间。
func (a *Acceptance) AcceptedAt() time.Time { return a.acceptedAt }

// 支付错误码。
const (
	CodePaymentRequired        xerrors.Code = "PAYMENT_REQUIRED"
	CodeInvalidProof           xerrors.Code = "INVALID_PAYMENT_PROOF"
	CodeNoMatchingRequirements xerrors.Code = "NO_MATCHING_REQUIREMENTS"
	CodeExpired                xerrors.Code = "EXPIRED"
	CodeAlreadyConsumed        xerrors.Code = "ALREADY_CONSUMED"
	CodeVerifierUnavailable    xerrors.Code = "PAYMENT_VERIFIER_UNAVAILABLE"
)

var (
	// ErrPaymentRequired 表示请求未携带支付凭证。
	ErrPaymentRequired = xerrors.New(CodePaymentRequired, "需要支付")
	// ErrInvalidProof 表示凭证格式或签名不正确。
	ErrInvalidProof = xerrors.New(CodeInvalidProof, "支付凭证无效")
	// ErrNoMatchingRequirements 表示凭证与任何支付要求都不匹配。
	ErrNoMatchingRequirements = xerrors.New(CodeNoMatchingRequirements, "支付凭证与支付要求不匹配")
	// ErrExpired 表示授权已过期。
	ErrExpired = xerrors.New(CodeExpired, "支付授权已过期")
	// ErrAlreadyConsumed 表示凭证已被消费或正被其它请求使用。
	ErrAlreadyConsumed = xerrors.New(CodeAlreadyConsumed, "支付凭证已被使用")
	// ErrVerifierUnavailable 表示校验或结算服务暂不可用。
	ErrVerifierUnavailable = xerrors.New(CodeVerifierUnavailable, "支付校验服务暂不可用")
)

func init() {
	for _, code := range []xerrors.Code{CodePaymentRequired, CodeInvalidProof, CodeNoMatchingRequirements, CodeExpired, CodeAlreadyConsumed} {
		xerrors.Register(code, xerrors.Attributes{
			Message:  string(code),
			Severity: xerrors.SeverityInfo,
			Kind:     xerrors.KindPayment,
		})
	}
	xerrors.Register(CodeVerifierUnavailable, xerrors.Attributes{
		Message:   "payment verifier unavailable",
		Severity:  xerrors.SeverityWarning,
		Kind:      xerrors.KindTransient,
		Retryable: true,
		Alert:     true,
	})
}

func invalidProof(reason string) error {
	return ErrInvalidProof.With(xerrors.WithMetadata("reason", reason))
}
