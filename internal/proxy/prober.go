package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ignite/clickstock/internal/redirect"
)

const (
	probeMaxBody = 64 << 10
	probeFanout  = 4
)

// Prober discovers the exit IP a proxy presents to the world by asking echo
// services through it. Echo payloads vary by vendor: plain-text address,
// JSON {"ip": ...}, or key=value trace lines.
type Prober struct {
	services []string
	timeout  time.Duration

	// newClient is swapped in tests to bypass the SOCKS handshake.
	newClient func(p *redirect.ProxyConfig, timeout time.Duration) (*http.Client, error)
}

// NewProber builds a prober over the given echo service URLs.
func NewProber(services []string, timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &Prober{
		services:  services,
		timeout:   timeout,
		newClient: newProbeClient,
	}
}

func newProbeClient(p *redirect.ProxyConfig, timeout time.Duration) (*http.Client, error) {
	transport, err := redirect.NewTransport(p, timeout)
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: transport, Timeout: timeout}, nil
}

// ExitIP races the echo services through the proxy and returns the first
// address that parses. All services failing is an error; the caller treats
// the proxy as unusable for this pass.
func (pr *Prober) ExitIP(ctx context.Context, p *redirect.ProxyConfig) (string, error) {
	if len(pr.services) == 0 {
		return "", errors.New("probe: no echo services configured")
	}

	client, err := pr.newClient(p, pr.timeout)
	if err != nil {
		return "", fmt.Errorf("probe: build client: %w", err)
	}
	if tr, ok := client.Transport.(*http.Transport); ok {
		defer tr.CloseIdleConnections()
	}

	ctx, cancel := context.WithTimeout(ctx, pr.timeout)
	defer cancel()

	var (
		mu       sync.Mutex
		found    string
		probeErr error
	)
	var g errgroup.Group
	g.SetLimit(probeFanout)
	for _, svc := range pr.services {
		svc := svc
		g.Go(func() error {
			ip, err := probeOne(ctx, client, svc)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// Losers surface only when every service loses; cancellation
				// after a win is not a loss worth reporting.
				if probeErr == nil && !errors.Is(err, context.Canceled) {
					probeErr = err
				}
				return nil
			}
			if found == "" {
				found = ip
				cancel()
			}
			return nil
		})
	}
	g.Wait()

	if found != "" {
		return found, nil
	}
	if probeErr == nil {
		probeErr = ctx.Err()
	}
	return "", fmt.Errorf("probe: all echo services failed: %w", probeErr)
}

func probeOne(ctx context.Context, client *http.Client, svc string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, svc, nil)
	if err != nil {
		return "", fmt.Errorf("build request for %s: %w", svc, err)
	}
	req.Header.Set("Accept", "application/json, text/plain")

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, probeMaxBody))
		return "", fmt.Errorf("%s returned status %d", svc, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, probeMaxBody))
	if err != nil {
		return "", fmt.Errorf("read %s body: %w", svc, err)
	}
	return ParseEchoBody(body)
}

// ParseEchoBody extracts an IP address from an echo service response. It
// tries, in order: bare address, JSON with an "ip" field, and trace-style
// key=value lines (the Cloudflare /cdn-cgi/trace format).
func ParseEchoBody(body []byte) (string, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return "", errors.New("empty echo response")
	}

	if addr, err := netip.ParseAddr(string(trimmed)); err == nil {
		return addr.String(), nil
	}

	if trimmed[0] == '{' {
		var payload struct {
			IP string `json:"ip"`
		}
		if err := json.Unmarshal(trimmed, &payload); err == nil && payload.IP != "" {
			if addr, err := netip.ParseAddr(payload.IP); err == nil {
				return addr.String(), nil
			}
		}
		return "", fmt.Errorf("echo JSON carried no parseable ip: %s", truncate(trimmed, 120))
	}

	for _, line := range bytes.Split(trimmed, []byte("\n")) {
		if bytes.HasPrefix(line, []byte("ip=")) {
			raw := string(bytes.TrimSpace(line[3:]))
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				return "", fmt.Errorf("trace ip field %q: %w", raw, err)
			}
			return addr.String(), nil
		}
	}
	return "", fmt.Errorf("unrecognized echo payload: %s", truncate(trimmed, 120))
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
