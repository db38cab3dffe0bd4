package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/clickstock/internal/proxy"
	"github.com/ignite/clickstock/internal/redirect"
	"github.com/ignite/clickstock/internal/service/produce"
)

func newStubServer(t *testing.T, cfg stubConfig) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(newStubMux(cfg))
	t.Cleanup(srv.Close)
	return srv
}

func TestChainWalksEveryHopType(t *testing.T) {
	srv := newStubServer(t, stubConfig{httpHops: 2, affID: "stub-7"})

	tracker := redirect.NewTracker(redirect.Config{MaxRedirects: 10})
	res := tracker.Track(context.Background(), redirect.Request{URL: srv.URL + "/click/demo"})

	require.True(t, res.Success, "chain should land: %s %s", res.ErrorCategory, res.ErrorMessage)
	require.Len(t, res.Chain, 6)

	// entry, two 302 hops, meta page, js page, landing
	assert.Equal(t, redirect.RedirectType(""), res.Chain[0].RedirectType)
	assert.Equal(t, redirect.RedirectHTTP, res.Chain[1].RedirectType)
	assert.Equal(t, redirect.RedirectHTTP, res.Chain[2].RedirectType)
	assert.Equal(t, redirect.RedirectHTTP, res.Chain[3].RedirectType)
	assert.Equal(t, redirect.RedirectMetaRefresh, res.Chain[4].RedirectType)
	assert.Equal(t, redirect.RedirectJSLocation, res.Chain[5].RedirectType)

	suffix := produce.SuffixFromURL(res.FinalURL)
	assert.Contains(t, suffix, "clickid=")
	assert.Contains(t, suffix, "affid=stub-7")
	assert.Contains(t, suffix, "offer=demo")
}

func TestEachTraversalLandsOnUniqueSuffix(t *testing.T) {
	srv := newStubServer(t, stubConfig{httpHops: 1, affID: "stub-7"})
	tracker := redirect.NewTracker(redirect.Config{MaxRedirects: 10})

	first := tracker.Track(context.Background(), redirect.Request{URL: srv.URL + "/click/demo"})
	second := tracker.Track(context.Background(), redirect.Request{URL: srv.URL + "/click/demo"})

	require.True(t, first.Success)
	require.True(t, second.Success)
	assert.NotEqual(t, produce.SuffixFromURL(first.FinalURL), produce.SuffixFromURL(second.FinalURL),
		"click ids must differ between traversals")
}

func TestRedirectLoopLandsInsteadOfFailing(t *testing.T) {
	srv := newStubServer(t, stubConfig{})
	tracker := redirect.NewTracker(redirect.Config{MaxRedirects: 10})

	res := tracker.Track(context.Background(), redirect.Request{URL: srv.URL + "/loop/a"})

	require.True(t, res.Success)
	assert.True(t, strings.HasSuffix(res.FinalURL, "/loop/b"))
	assert.Len(t, res.Chain, 2)
}

func TestSlowHopHitsStepTimeout(t *testing.T) {
	srv := newStubServer(t, stubConfig{})
	tracker := redirect.NewTracker(redirect.Config{
		MaxRedirects:      10,
		PerRequestTimeout: 150 * time.Millisecond,
		TotalTimeout:      2 * time.Second,
	})

	res := tracker.Track(context.Background(), redirect.Request{URL: srv.URL + "/slow?ms=1500"})

	require.False(t, res.Success)
	assert.True(t, res.ErrorCategory.ConnectionClass(),
		"a hop timeout must be retryable on another proxy, got %s", res.ErrorCategory)
}

func TestEchoBodyParsesAsExitIP(t *testing.T) {
	srv := newStubServer(t, stubConfig{})

	resp, err := http.Get(srv.URL + "/echo")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	ip, err := proxy.ParseEchoBody(body)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", ip)
}
