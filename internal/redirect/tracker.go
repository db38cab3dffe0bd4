package redirect

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/net/proxy"
)

// RedirectType classifies how one hop led to the next.
type RedirectType string

const (
	RedirectHTTP        RedirectType = "http"
	RedirectMetaRefresh RedirectType = "meta-refresh"
	RedirectJSLocation  RedirectType = "js-location"
)

// ErrorCategory classifies a failed walk so callers can decide whether the
// failure is proxy-related (try the next proxy) or terminal.
type ErrorCategory string

const (
	ErrCatTLS              ErrorCategory = "tls"
	ErrCatProxyRefused     ErrorCategory = "proxy-refused"
	ErrCatTimeout          ErrorCategory = "timeout"
	ErrCatDNS              ErrorCategory = "dns"
	ErrCatSocketHangup     ErrorCategory = "socket-hangup"
	ErrCatHTTPStatus       ErrorCategory = "http-status"
	ErrCatTooManyRedirects ErrorCategory = "too-many-redirects"
	ErrCatInvalidURL       ErrorCategory = "invalid-url"
)

// ConnectionClass reports whether the category denotes a proxy or transport
// failure. The suffix producer moves to the next proxy on these; anything
// else is a property of the target site and retrying elsewhere won't help.
func (c ErrorCategory) ConnectionClass() bool {
	switch c {
	case ErrCatProxyRefused, ErrCatTimeout, ErrCatTLS, ErrCatSocketHangup, ErrCatDNS:
		return true
	}
	return false
}

// ProxyConfig is one expanded SOCKS5 endpoint ready to dial.
type ProxyConfig struct {
	Host     string
	Port     int
	Username string
	Password string
}

// Addr returns the host:port dial address.
func (p ProxyConfig) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// Hop is one visited URL in the chain. Step numbering starts at 1 with the
// entry URL; RedirectType records how the walk arrived here and is empty on
// the first hop.
type Hop struct {
	Step         int          `json:"step"`
	URL          string       `json:"url"`
	Domain       string       `json:"domain"`
	StatusCode   int          `json:"statusCode"`
	RedirectType RedirectType `json:"redirectType,omitempty"`
}

// Request describes one chain walk. Zero timeouts fall back to the
// tracker's configured defaults.
type Request struct {
	URL               string
	Proxy             *ProxyConfig // nil = direct connection
	InitialReferer    string
	MaxRedirects      int
	PerRequestTimeout time.Duration
	TotalTimeout      time.Duration
	RetryCount        int // retries of a single hop on connection-class errors
}

// Result is the outcome of a walk. On success FinalURL is the last URL
// reached; on failure ErrorCategory and ErrorMessage are set and the chain
// holds the hops completed before the failure.
type Result struct {
	Success       bool          `json:"success"`
	FinalURL      string        `json:"finalUrl,omitempty"`
	Chain         []Hop         `json:"chain"`
	ErrorCategory ErrorCategory `json:"errorCategory,omitempty"`
	ErrorMessage  string        `json:"errorMessage,omitempty"`
}

// Config holds tracker-wide defaults. Per-request values win when set.
type Config struct {
	UserAgent         string
	MaxRedirects      int
	PerRequestTimeout time.Duration
	TotalTimeout      time.Duration
	MaxBodyBytes      int64
}

const (
	defaultMaxRedirects = 10
	defaultStepTimeout  = 15 * time.Second
	defaultTotalTimeout = 30 * time.Second
	defaultMaxBody      = 1 << 20

	acceptHeader   = "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8"
	acceptLanguage = "en-US,en;q=0.9"
)

// Tracker walks redirect chains. Safe for concurrent use; each Track call
// builds its own transport so proxy credentials never leak between walks.
type Tracker struct {
	cfg Config

	// newTransport is swapped in tests to avoid real SOCKS handshakes.
	newTransport func(p *ProxyConfig) (*http.Transport, error)
}

// NewTracker creates a tracker with the given defaults.
func NewTracker(cfg Config) *Tracker {
	if cfg.UserAgent == "" {
		cfg.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = defaultMaxRedirects
	}
	if cfg.PerRequestTimeout <= 0 {
		cfg.PerRequestTimeout = defaultStepTimeout
	}
	if cfg.TotalTimeout <= 0 {
		cfg.TotalTimeout = defaultTotalTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBody
	}
	t := &Tracker{cfg: cfg}
	t.newTransport = t.buildTransport
	return t
}

// stepResult is one hop's response, reduced to what the walk needs.
type stepResult struct {
	status   int
	location string // Location header when status is 3xx
	body     []byte // HTML body when status is 2xx and Content-Type is HTML
	isHTML   bool
}

// Track walks the chain starting at req.URL. It never returns an error: all
// failures are reported through the Result so batch callers can record the
// category without unwrapping.
func (t *Tracker) Track(ctx context.Context, req Request) Result {
	maxRedirects := req.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = t.cfg.MaxRedirects
	}
	stepTimeout := req.PerRequestTimeout
	if stepTimeout <= 0 {
		stepTimeout = t.cfg.PerRequestTimeout
	}
	totalTimeout := req.TotalTimeout
	if totalTimeout <= 0 {
		totalTimeout = t.cfg.TotalTimeout
	}

	var res Result

	current, err := url.Parse(req.URL)
	if err != nil || !isHTTPScheme(current) {
		res.ErrorCategory = ErrCatInvalidURL
		res.ErrorMessage = fmt.Sprintf("not an http(s) URL: %q", req.URL)
		return res
	}

	walkCtx, cancel := context.WithTimeout(ctx, totalTimeout)
	defer cancel()

	transport, err := t.newTransport(req.Proxy)
	if err != nil {
		res.ErrorCategory = categorize(err)
		res.ErrorMessage = err.Error()
		return res
	}
	defer transport.CloseIdleConnections()

	client := &http.Client{
		Transport: transport,
		// Redirects are followed manually so every hop is observed.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	visited := map[string]bool{current.String(): true}
	referer := req.InitialReferer
	arrivedBy := RedirectType("")

	for step := 1; step <= maxRedirects; step++ {
		hop := Hop{Step: step, URL: current.String(), Domain: current.Hostname(), RedirectType: arrivedBy}

		sr, err := t.fetch(walkCtx, client, current.String(), referer, stepTimeout, req.RetryCount)
		if err != nil {
			res.ErrorCategory = categorize(err)
			res.ErrorMessage = err.Error()
			res.Chain = append(res.Chain, hop)
			return res
		}
		hop.StatusCode = sr.status
		res.Chain = append(res.Chain, hop)

		if sr.status >= 400 {
			res.ErrorCategory = ErrCatHTTPStatus
			res.ErrorMessage = fmt.Sprintf("terminal status %d at %s", sr.status, current)
			return res
		}

		next, redirectType := t.nextHop(sr, current, visited)
		if next == nil {
			// Landed: no further redirect, or the target was already visited
			// (a cycle lands successfully with the chain so far).
			res.Success = true
			res.FinalURL = current.String()
			return res
		}

		referer = current.String()
		visited[next.String()] = true
		current = next
		arrivedBy = redirectType
	}

	res.ErrorCategory = ErrCatTooManyRedirects
	res.ErrorMessage = fmt.Sprintf("exceeded %d redirects", maxRedirects)
	return res
}

// nextHop inspects one response and picks the next URL, or nil when the walk
// terminates here. Meta-refresh wins over a JS location when both appear.
func (t *Tracker) nextHop(sr stepResult, current *url.URL, visited map[string]bool) (*url.URL, RedirectType) {
	if sr.status >= 300 && sr.status < 400 {
		if sr.location == "" {
			return nil, ""
		}
		next, err := current.Parse(sr.location)
		if err != nil || !isHTTPScheme(next) || visited[next.String()] {
			return nil, ""
		}
		return next, RedirectHTTP
	}

	if !sr.isHTML {
		return nil, ""
	}

	if target, ok := findMetaRefresh(sr.body); ok {
		if next, err := current.Parse(target); err == nil && isHTTPScheme(next) && !visited[next.String()] {
			return next, RedirectMetaRefresh
		}
	}
	if target, ok := findJSLocation(sr.body); ok {
		// JS targets only count when unvisited and http(s); a same-page
		// anchor tweak or javascript: URL is not a navigation.
		if next, err := current.Parse(target); err == nil && isHTTPScheme(next) && !visited[next.String()] {
			return next, RedirectJSLocation
		}
	}
	return nil, ""
}

// fetch performs one hop request. Connection-class failures are retried up
// to retryCount times; HTTP statuses are never retried here.
func (t *Tracker) fetch(ctx context.Context, client *http.Client, rawURL, referer string, stepTimeout time.Duration, retryCount int) (stepResult, error) {
	var (
		sr  stepResult
		err error
	)
	for attempt := 0; ; attempt++ {
		sr, err = t.fetchOnce(ctx, client, rawURL, referer, stepTimeout)
		if err == nil {
			return sr, nil
		}
		if attempt >= retryCount || !categorize(err).ConnectionClass() || ctx.Err() != nil {
			return stepResult{}, err
		}
	}
}

func (t *Tracker) fetchOnce(ctx context.Context, client *http.Client, rawURL, referer string, stepTimeout time.Duration) (stepResult, error) {
	stepCtx, cancel := context.WithTimeout(ctx, stepTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(stepCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return stepResult{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", t.cfg.UserAgent)
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("Accept-Language", acceptLanguage)
	if referer != "" {
		req.Header.Set("Referer", referer)
	}

	resp, err := client.Do(req)
	if err != nil {
		return stepResult{}, err
	}
	defer resp.Body.Close()

	sr := stepResult{status: resp.StatusCode}

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		sr.location = resp.Header.Get("Location")
		io.Copy(io.Discard, io.LimitReader(resp.Body, t.cfg.MaxBodyBytes))
		return sr, nil
	}

	ct := resp.Header.Get("Content-Type")
	sr.isHTML = strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
	if !sr.isHTML || resp.StatusCode >= 400 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, t.cfg.MaxBodyBytes))
		return sr, nil
	}

	sr.body, err = io.ReadAll(io.LimitReader(resp.Body, t.cfg.MaxBodyBytes))
	if err != nil {
		return stepResult{}, fmt.Errorf("read body: %w", err)
	}
	return sr, nil
}

// buildTransport builds a one-walk transport, SOCKS5 when a proxy is given.
func (t *Tracker) buildTransport(p *ProxyConfig) (*http.Transport, error) {
	return NewTransport(p, t.cfg.PerRequestTimeout)
}

// NewTransport returns a single-use transport, dialing through the SOCKS5
// proxy when p is non-nil. Callers own the transport and should close idle
// connections when done.
func NewTransport(p *ProxyConfig, responseHeaderTimeout time.Duration) (*http.Transport, error) {
	tr := &http.Transport{
		DisableKeepAlives:     true,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: responseHeaderTimeout,
	}
	if p == nil {
		return tr, nil
	}

	var auth *proxy.Auth
	if p.Username != "" || p.Password != "" {
		auth = &proxy.Auth{User: p.Username, Password: p.Password}
	}
	dialer, err := proxy.SOCKS5("tcp", p.Addr(), auth, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("socks5 dialer for %s: %w", p.Addr(), err)
	}
	if cd, ok := dialer.(proxy.ContextDialer); ok {
		tr.DialContext = cd.DialContext
	} else {
		tr.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		}
	}
	return tr, nil
}

func isHTTPScheme(u *url.URL) bool {
	return u != nil && (u.Scheme == "http" || u.Scheme == "https")
}

// categorize maps transport errors onto the error taxonomy.
func categorize(err error) ErrorCategory {
	if err == nil {
		return ""
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrCatDNS
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return ErrCatTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrCatTimeout
	}

	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return ErrCatTLS
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return ErrCatTLS
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return ErrCatProxyRefused
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return ErrCatSocketHangup
	}

	// SOCKS5 handshake failures arrive as plain-string errors from x/net.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "tls"), strings.Contains(msg, "x509"), strings.Contains(msg, "certificate"):
		return ErrCatTLS
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "socks"):
		return ErrCatProxyRefused
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline"):
		return ErrCatTimeout
	case strings.Contains(msg, "no such host"):
		return ErrCatDNS
	case strings.Contains(msg, "reset"), strings.Contains(msg, "broken pipe"), strings.Contains(msg, "eof"):
		return ErrCatSocketHangup
	}
	return ErrCatSocketHangup
}
