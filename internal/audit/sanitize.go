package audit

import "strings"

// sensitiveKeys are compared after lowercasing and dropping '_' and '-', so
// "Password_Hash", "password-hash" and "passwordHash" all match.
var sensitiveKeys = map[string]struct{}{
	"password":      {},
	"token":         {},
	"secret":        {},
	"hash":          {},
	"passwordhash":  {},
	"totpsecret":    {},
	"authorization": {},
	"cookie":        {},
	"setcookie":     {},
	"code":          {},
	"totpcode":      {},
	"recoverycode":  {},
	"recoverycodes": {},
	"apikey":        {},
}

// sensitiveFragments catch compound keys such as "newPassword" or "sessionToken".
var sensitiveFragments = []string{"password", "secret", "token"}

func isSensitive(key string) bool {
	k := strings.NewReplacer("_", "", "-", "").Replace(strings.ToLower(key))
	if _, ok := sensitiveKeys[k]; ok {
		return true
	}
	for _, frag := range sensitiveFragments {
		if strings.Contains(k, frag) {
			return true
		}
	}
	return false
}

// Sanitize returns a copy of metadata with every sensitive key removed, at
// any depth. A nil or fully-filtered map yields nil.
func Sanitize(metadata map[string]any) map[string]any {
	if len(metadata) == 0 {
		return nil
	}
	out := make(map[string]any, len(metadata))
	for k, v := range metadata {
		if isSensitive(k) {
			continue
		}
		out[k] = sanitizeValue(v)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func sanitizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if s := Sanitize(t); s != nil {
			return s
		}
		return map[string]any{}
	case map[string]string:
		m := make(map[string]any, len(t))
		for k, v := range t {
			m[k] = v
		}
		return sanitizeValue(m)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = sanitizeValue(t[i])
		}
		return out
	default:
		return v
	}
}
