package payment

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"strings"

	xerrors "agentmarket/internal/errors"
)

// 支付相关的 HTTP 头。
const (
	HeaderPayment         = "X-PAYMENT"
	HeaderPaymentProof    = "X-Payment-Proof"
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"
)

// DecodeHeader 解析 X-PAYMENT 头，支持原始 JSON 以及标准或 URL 安全的 base64 JSON。
func DecodeHeader(raw string) (*Payload, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrPaymentRequired
	}
	body := []byte(raw)
	if !strings.HasPrefix(raw, "{") {
		decoded, err := decodeBase64(raw)
		if err != nil {
			return nil, invalidProof("encoding")
		}
		body = decoded
	}
	var payload Payload
	decoder := json.NewDecoder(bytes.NewReader(body))
	if err := decoder.Decode(&payload); err != nil {
		return nil, xerrors.Wrap(CodeInvalidProof, err, "支付凭证不是合法的 JSON")
	}
	return &payload, nil
}

func decodeBase64(raw string) ([]byte, error) {
	encodings := []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding}
	var lastErr error
	for _, enc := range encodings {
		decoded, err := enc.DecodeString(raw)
		if err == nil {
			return decoded, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// EncodeHeader 将凭证编码为 base64 JSON，供客户端写入 X-PAYMENT。
func EncodeHeader(payload *Payload) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(body), nil
}

// EncodeSettlement 将结算结果编码为 X-PAYMENT-RESPONSE 头的值。
func EncodeSettlement(settlement *Settlement) (string, error) {
	if settlement == nil {
		return "", nil
	}
	body, err := json.Marshal(settlement)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(body), nil
}

// DecodeSettlement 解析 X-PAYMENT-RESPONSE 头。
func DecodeSettlement(raw string) (*Settlement, error) {
	body, err := decodeBase64(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	var settlement Settlement
	if err := json.Unmarshal(body, &settlement); err != nil {
		return nil, err
	}
	return &settlement, nil
}
