package proxy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandTemplateCountry(t *testing.T) {
	vars := TemplateVars{Country: "us"}
	assert.Equal(t, "cust-acme-cc-US", ExpandTemplate("cust-acme-cc-{COUNTRY}", vars))
	assert.Equal(t, "cust-acme-cc-us", ExpandTemplate("cust-acme-cc-{country}", vars))

	vars.Country = "GB"
	assert.Equal(t, "GB-gb", ExpandTemplate("{COUNTRY}-{country}", vars))
}

func TestExpandTemplateRandom(t *testing.T) {
	out := ExpandTemplate("user-{random:12}", TemplateVars{})
	require.True(t, strings.HasPrefix(out, "user-"))
	token := strings.TrimPrefix(out, "user-")
	require.Len(t, token, 12)
	for _, r := range token {
		assert.Contains(t, tokenAlphabet, string(r))
	}

	// Fresh per expansion.
	again := ExpandTemplate("user-{random:12}", TemplateVars{})
	assert.NotEqual(t, out, again)
}

func TestExpandTemplateSession(t *testing.T) {
	vars := TemplateVars{SessionSeed: "abcdef"}

	assert.Equal(t, "sess-abcd", ExpandTemplate("sess-{session:4}", vars))
	// Stable across expansions with the same seed.
	assert.Equal(t, "sess-abcd", ExpandTemplate("sess-{session:4}", vars))
	// Seed repeats when the requested length exceeds it.
	assert.Equal(t, "abcdefabcd", ExpandTemplate("{session:10}", vars))
}

func TestExpandTemplatePassthrough(t *testing.T) {
	vars := TemplateVars{Country: "us", SessionSeed: "xyz"}
	assert.Equal(t, "plain-user", ExpandTemplate("plain-user", vars))
	assert.Equal(t, "u-{unknown}-US", ExpandTemplate("u-{unknown}-{COUNTRY}", vars))
	assert.Equal(t, "", ExpandTemplate("", vars))
}
