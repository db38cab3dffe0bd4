package logger

import "strings"

// Field names whose values are credentials. Matched as substrings of the
// lowercased key, so "api_key", "proxyPassword", and "authorization" all hit.
var secretKeyMarkers = []string{
	"api_key", "apikey", "password", "secret", "authorization", "token", "key_hash",
}

// RedactSecret masks a credential for safe logging, keeping a short prefix
// so keys remain distinguishable. "ky_live_abc123..." → "ky_live_***".
func RedactSecret(v string) string {
	if v == "" {
		return ""
	}
	if len(v) <= 8 {
		return "***"
	}
	return v[:8] + "***"
}

func redactSecretValue(key, val string) string {
	lower := strings.ToLower(key)
	for _, marker := range secretKeyMarkers {
		if strings.Contains(lower, marker) {
			return RedactSecret(val)
		}
	}
	return val
}
