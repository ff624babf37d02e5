package logger

import (
	"log/slog"
	"strings"
)

var sensitiveKeys = []string{"secret", "password", "api_key", "apikey", "private_key"}

var sensitiveExact = map[string]struct{}{
	"authorization":  {},
	"x-payment":      {},
	"x-buyer-secret": {},
	"signature":      {},
}

// IsSensitiveKey reports whether an attribute key names secret material.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	if _, ok := sensitiveExact[lower]; ok {
		return true
	}
	for _, marker := range sensitiveKeys {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if IsSensitiveKey(a.Key) {
		return slog.String(a.Key, RedactedText)
	}
	return a
}

// Redacted wraps a value that must never be rendered.
type Redacted string

// String implements fmt.Stringer.
func (Redacted) String() string { return RedactedText }

// LogValue implements slog.LogValuer.
func (Redacted) LogValue() slog.Value { return slog.StringValue(RedactedText) }

// RedactValues removes every occurrence of the given secret values from text.
func RedactValues(text string, secrets ...string) string {
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		text = strings.ReplaceAll(text, secret, RedactedText)
	}
	return text
}
