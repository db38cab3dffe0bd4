package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEchoBody(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
		ok   bool
	}{
		{"plain text", "203.0.113.7\n", "203.0.113.7", true},
		{"plain v6", "2001:db8::1", "2001:db8::1", true},
		{"json ip", `{"ip":"198.51.100.2"}`, "198.51.100.2", true},
		{"json extra fields", `{"ip":"198.51.100.2","country":"US"}`, "198.51.100.2", true},
		{"trace lines", "fl=123\nh=example.com\nip=192.0.2.9\nloc=DE\nts=1700000000", "192.0.2.9", true},
		{"json missing ip", `{"origin":"1.2.3.4"}`, "", false},
		{"garbage", "<html>blocked</html>", "", false},
		{"empty", "   ", "", false},
		{"trace bad ip", "ip=not-an-ip\n", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseEchoBody([]byte(tt.body))
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestExitIPFirstSuccessWins(t *testing.T) {
	fast := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "203.0.113.10")
	}))
	defer fast.Close()
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
		fmt.Fprint(w, "203.0.113.99")
	}))
	defer slow.Close()

	pr := NewProber([]string{slow.URL, fast.URL}, 5*time.Second)

	start := time.Now()
	ip, err := pr.ExitIP(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.10", ip)
	assert.Less(t, time.Since(start), time.Second, "the fast echo should decide the race")
}

func TestExitIPFallsBackPastFailures(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "blocked", http.StatusForbidden)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ip":"198.51.100.30"}`)
	}))
	defer good.Close()

	pr := NewProber([]string{bad.URL, good.URL}, 5*time.Second)

	ip, err := pr.ExitIP(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.30", ip)
}

func TestExitIPAllServicesFail(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer bad.Close()

	pr := NewProber([]string{bad.URL, bad.URL + "/other"}, 2*time.Second)

	_, err := pr.ExitIP(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all echo services failed")
}

func TestExitIPTimeout(t *testing.T) {
	stuck := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer stuck.Close()

	pr := NewProber([]string{stuck.URL}, 100*time.Millisecond)

	start := time.Now()
	_, err := pr.ExitIP(context.Background(), nil)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestExitIPNoServices(t *testing.T) {
	pr := NewProber(nil, time.Second)
	_, err := pr.ExitIP(context.Background(), nil)
	assert.Error(t, err)
}
