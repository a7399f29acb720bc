package config

import "strings"

// redactedKeys is the fixed list of keys that must never appear in
// logged audit payloads. Matching is exact and case-insensitive on the
// lowered key.
var redactedKeys = map[string]bool{
	"password":        true,
	"hashed_password": true,
	"api_key":         true,
	"jwt_secret":      true,
	"token":           true,
	"authorization":   true,
	"secret":          true,
}

// Sanitize returns a copy of payload with secret values replaced by
// "[REDACTED]". Nested maps and slices are walked recursively; all
// other values pass through untouched.
func Sanitize(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if redactedKeys[strings.ToLower(k)] {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Sanitize(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sanitizeValue(e)
		}
		return out
	default:
		return v
	}
}
