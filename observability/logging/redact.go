package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue replaces sensitive values in log output.
const RedactedValue = "[REDACTED]"

// publicKeys are emitted verbatim by MaskField. Addresses, assets and amounts
// are public ledger facts.
var publicKeys = keySet(
	"service", "env", "message", "severity", "timestamp", "error", "reason", "component",
	"asset", "loanid", "borrower", "caller", "amount", "requestid", "path", "method", "status",
)

// secretKeys are masked by the handler whatever the call site passed.
var secretKeys = keySet(
	"authorization", "token", "secret", "jwt_secret", "password", "dsn", "private_key",
)

func keySet(keys ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		out[key] = struct{}{}
	}
	return out
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// IsAllowlisted reports whether MaskField emits key unmasked.
func IsAllowlisted(key string) bool {
	_, ok := publicKeys[normalizeKey(key)]
	return ok
}

// RedactionAllowlist returns the unmasked keys in sorted order.
func RedactionAllowlist() []string {
	keys := make([]string, 0, len(publicKeys))
	for key := range publicKeys {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskValue hides non-empty values.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField masks value unless key is allowlisted. Key casing is kept.
func MaskField(key, value string) slog.Attr {
	if IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, MaskValue(value))
}

// MaskBearer keeps the scheme of an Authorization header and hides the token.
func MaskBearer(header string) string {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || strings.TrimSpace(token) == "" {
		return MaskValue(header)
	}
	return scheme + " " + RedactedValue
}

// redactSecret masks string attributes whose key names a credential. Values
// already produced by MaskBearer pass through.
func redactSecret(attr slog.Attr) slog.Attr {
	if _, ok := secretKeys[normalizeKey(attr.Key)]; !ok {
		return attr
	}
	if attr.Value.Kind() != slog.KindString {
		return slog.String(attr.Key, RedactedValue)
	}
	value := attr.Value.String()
	if strings.HasSuffix(value, RedactedValue) {
		return attr
	}
	return slog.String(attr.Key, MaskValue(value))
}
