package proxy

import (
	"math/rand"
	"regexp"
	"strconv"
	"strings"
)

// Residential proxy vendors route sessions through credential munging: the
// username carries the target country and a session token, e.g.
// "cust-acme-cc-{COUNTRY}-sessid-{session:8}". Supported tokens:
//
//	{COUNTRY}    upper-cased ISO country code
//	{country}    lower-cased ISO country code
//	{random:N}   N fresh lowercase alphanumerics per expansion
//	{session:N}  N-char token stable for one selection pass
var templateToken = regexp.MustCompile(`\{(?:COUNTRY|country|random:\d+|session:\d+)\}`)

const tokenAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// TemplateVars carries the values one expansion substitutes.
type TemplateVars struct {
	Country string
	// SessionSeed backs {session:N}: the expansion takes the first N chars,
	// repeating the seed when N exceeds its length.
	SessionSeed string
}

// ExpandTemplate substitutes all recognized tokens in tmpl. Unrecognized
// brace sequences pass through untouched so a literal vendor token survives.
func ExpandTemplate(tmpl string, vars TemplateVars) string {
	return templateToken.ReplaceAllStringFunc(tmpl, func(m string) string {
		inner := m[1 : len(m)-1]
		switch {
		case inner == "COUNTRY":
			return strings.ToUpper(vars.Country)
		case inner == "country":
			return strings.ToLower(vars.Country)
		case strings.HasPrefix(inner, "random:"):
			n, _ := strconv.Atoi(inner[len("random:"):])
			return randomToken(n)
		case strings.HasPrefix(inner, "session:"):
			n, _ := strconv.Atoi(inner[len("session:"):])
			return sessionToken(vars.SessionSeed, n)
		}
		return m
	})
}

func randomToken(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, n)
	for i := range b {
		b[i] = tokenAlphabet[rand.Intn(len(tokenAlphabet))]
	}
	return string(b)
}

func sessionToken(seed string, n int) string {
	if n <= 0 || seed == "" {
		return ""
	}
	for len(seed) < n {
		seed += seed
	}
	return seed[:n]
}
