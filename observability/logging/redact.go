package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces sensitive attribute values in every handler built by Setup.
const RedactedValue = "[REDACTED]"

var sensitiveKeys = map[string]struct{}{
	"private_key":   {},
	"secret":        {},
	"seed":          {},
	"authorization": {},
	"password":      {},
	"passphrase":    {},
	"ciphertext":    {},
}

var sensitiveSuffixes = []string{"_secret", "_token", "_password", "_private_key"}

// IsSensitive reports whether values logged under key are masked.
func IsSensitive(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	if _, ok := sensitiveKeys[normalized]; ok {
		return true
	}
	for _, suffix := range sensitiveSuffixes {
		if strings.HasSuffix(normalized, suffix) {
			return true
		}
	}
	return false
}

// redactAttr masks a sensitive leaf attribute. ReplaceAttr never passes groups here.
func redactAttr(attr slog.Attr) slog.Attr {
	if IsSensitive(attr.Key) {
		return slog.String(attr.Key, RedactedValue)
	}
	return attr
}
