package redirect

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

func newTestTracker() *Tracker {
	return NewTracker(Config{
		MaxRedirects:      10,
		PerRequestTimeout: 2 * time.Second,
		TotalTimeout:      5 * time.Second,
	})
}

func TestTrackHTTPRedirectChain(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/middle", http.StatusFound)
	})
	mux.HandleFunc("/middle", func(w http.ResponseWriter, r *http.Request) {
		// Relative Location must resolve against the current URL.
		w.Header().Set("Location", "land?gclid=abc&t=1")
		w.WriteHeader(http.StatusMovedPermanently)
	})
	mux.HandleFunc("/land", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html><body>done</body></html>")
	})

	res := newTestTracker().Track(context.Background(), Request{URL: srv.URL + "/start"})

	require.True(t, res.Success, "walk should land: %s %s", res.ErrorCategory, res.ErrorMessage)
	assert.Equal(t, srv.URL+"/land?gclid=abc&t=1", res.FinalURL)
	require.Len(t, res.Chain, 3)

	assert.Equal(t, 1, res.Chain[0].Step)
	assert.Equal(t, srv.URL+"/start", res.Chain[0].URL)
	assert.Equal(t, http.StatusFound, res.Chain[0].StatusCode)
	assert.Empty(t, res.Chain[0].RedirectType)

	assert.Equal(t, RedirectHTTP, res.Chain[1].RedirectType)
	assert.Equal(t, RedirectHTTP, res.Chain[2].RedirectType)
	assert.Equal(t, http.StatusOK, res.Chain[2].StatusCode)
}

func TestTrackMetaRefresh(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, `<html><head><meta http-equiv="REFRESH" content="0; URL='%s/land?tag=aff-20'"></head></html>`, srv.URL)
	})
	mux.HandleFunc("/land", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html>ok</html>")
	})

	res := newTestTracker().Track(context.Background(), Request{URL: srv.URL + "/start"})

	require.True(t, res.Success)
	assert.Equal(t, srv.URL+"/land?tag=aff-20", res.FinalURL)
	require.Len(t, res.Chain, 2)
	assert.Equal(t, RedirectMetaRefresh, res.Chain[1].RedirectType)
}

func TestTrackJSLocation(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, `<html><script>window.location.href = "%s/land?sub=9";</script></html>`, srv.URL)
	})
	mux.HandleFunc("/land", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html>ok</html>")
	})

	res := newTestTracker().Track(context.Background(), Request{URL: srv.URL + "/start"})

	require.True(t, res.Success)
	assert.Equal(t, srv.URL+"/land?sub=9", res.FinalURL)
	require.Len(t, res.Chain, 2)
	assert.Equal(t, RedirectJSLocation, res.Chain[1].RedirectType)
}

func TestTrackMetaBeatsJS(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		// JS appears first in the byte stream; meta must still win.
		fmt.Fprintf(w, `<html><script>location = '%s/js';</script><meta http-equiv="refresh" content="2; url=%s/meta"></html>`, srv.URL, srv.URL)
	})
	for _, p := range []string{"/js", "/meta"} {
		p := p
		mux.HandleFunc(p, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, "<html>ok</html>")
		})
	}

	res := newTestTracker().Track(context.Background(), Request{URL: srv.URL + "/start"})

	require.True(t, res.Success)
	assert.Equal(t, srv.URL+"/meta", res.FinalURL)
	assert.Equal(t, RedirectMetaRefresh, res.Chain[1].RedirectType)
}

func TestTrackJSRevisitTerminates(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	// The page "navigates" back to itself via JS; the walk must land here
	// instead of looping.
	mux.HandleFunc("/self", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, `<html><script>document.location = "%s/self";</script></html>`, srv.URL)
	})

	res := newTestTracker().Track(context.Background(), Request{URL: srv.URL + "/self"})

	require.True(t, res.Success)
	assert.Equal(t, srv.URL+"/self", res.FinalURL)
	assert.Len(t, res.Chain, 1)
}

func TestTrackRedirectCycle(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/b", http.StatusFound)
	})
	mux.HandleFunc("/b", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/a", http.StatusFound)
	})

	res := newTestTracker().Track(context.Background(), Request{URL: srv.URL + "/a"})

	require.True(t, res.Success, "cycle must land with the chain so far")
	assert.Equal(t, srv.URL+"/b", res.FinalURL)
	assert.Len(t, res.Chain, 2)
}

func TestTrackErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	res := newTestTracker().Track(context.Background(), Request{URL: srv.URL})

	assert.False(t, res.Success)
	assert.Equal(t, ErrCatHTTPStatus, res.ErrorCategory)
	require.Len(t, res.Chain, 1)
	assert.Equal(t, http.StatusGone, res.Chain[0].StatusCode)
}

func TestTrackTooManyRedirects(t *testing.T) {
	var n int
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		n++
		http.Redirect(w, r, fmt.Sprintf("/hop-%d", n), http.StatusFound)
	})

	res := newTestTracker().Track(context.Background(), Request{URL: srv.URL + "/", MaxRedirects: 3})

	assert.False(t, res.Success)
	assert.Equal(t, ErrCatTooManyRedirects, res.ErrorCategory)
	assert.Len(t, res.Chain, 3)
}

func TestTrackRefererPropagation(t *testing.T) {
	var got []string
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		got = append(got, r.Header.Get("Referer"))
		http.Redirect(w, r, "/land", http.StatusFound)
	})
	mux.HandleFunc("/land", func(w http.ResponseWriter, r *http.Request) {
		got = append(got, r.Header.Get("Referer"))
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html>ok</html>")
	})

	res := newTestTracker().Track(context.Background(), Request{
		URL:            srv.URL + "/start",
		InitialReferer: "https://www.google.com/",
	})

	require.True(t, res.Success)
	require.Len(t, got, 2)
	assert.Equal(t, "https://www.google.com/", got[0])
	assert.Equal(t, srv.URL+"/start", got[1])
}

func TestTrackNonHTMLBodyNotScanned(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"js": "window.location = '%s/nope'"}`, srv.URL)
	})

	res := newTestTracker().Track(context.Background(), Request{URL: srv.URL + "/start"})

	require.True(t, res.Success)
	assert.Equal(t, srv.URL+"/start", res.FinalURL)
}

func TestTrackStepTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	res := newTestTracker().Track(context.Background(), Request{
		URL:               srv.URL,
		PerRequestTimeout: 50 * time.Millisecond,
		TotalTimeout:      time.Second,
	})

	assert.False(t, res.Success)
	assert.Equal(t, ErrCatTimeout, res.ErrorCategory)
}

func TestTrackInvalidURL(t *testing.T) {
	res := newTestTracker().Track(context.Background(), Request{URL: "ftp://example.com/x"})
	assert.False(t, res.Success)
	assert.Equal(t, ErrCatInvalidURL, res.ErrorCategory)
}

func TestTrackRetryRecoversConnectionError(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			// Hijack and slam the connection to simulate a hangup.
			hj, ok := w.(http.Hijacker)
			require.True(t, ok)
			conn, _, err := hj.Hijack()
			require.NoError(t, err)
			conn.Close()
			return
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html>ok</html>")
	}))
	defer srv.Close()

	res := newTestTracker().Track(context.Background(), Request{URL: srv.URL, RetryCount: 1})

	require.True(t, res.Success, "hangup should be retried once: %s", res.ErrorMessage)
	assert.Equal(t, 2, calls)
}

func TestParseRefreshContent(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"0; url=https://x.test/a", "https://x.test/a", true},
		{"5;URL='https://x.test/b'", "https://x.test/b", true},
		{`10 ; Url="https://x.test/c?q=1"`, "https://x.test/c?q=1", true},
		{"0", "", false},
		{"0; nourl=https://x.test", "", false},
		{"0; url=", "", false},
	}
	for _, tt := range tests {
		got, ok := parseRefreshContent(tt.in)
		assert.Equal(t, tt.ok, ok, "content %q", tt.in)
		assert.Equal(t, tt.want, got, "content %q", tt.in)
	}
}

func TestFindJSLocation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
		ok   bool
	}{
		{"window href double", `window.location.href = "https://a.test/1"`, "https://a.test/1", true},
		{"bare location single", `location = 'https://a.test/2'`, "https://a.test/2", true},
		{"document backtick", "document.location = `https://a.test/3`", "https://a.test/3", true},
		{"replace call", `window.location.replace("https://a.test/4")`, "https://a.test/4", true},
		{"case insensitive", `WINDOW.LOCATION.HREF="https://a.test/5"`, "https://a.test/5", true},
		{"earliest wins", `location.replace('https://a.test/first'); window.location = 'https://a.test/second'`, "https://a.test/first", true},
		{"comparison not matched", `if (window.location.href == "https://a.test/x") {}`, "", false},
		{"none", `var x = 1;`, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := findJSLocation([]byte(tt.body))
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFindMetaRefresh(t *testing.T) {
	body := `<!DOCTYPE html><html><head>
		<meta charset="utf-8">
		<meta http-equiv="refresh" content="0; url=/next?a=1">
	</head><body></body></html>`
	got, ok := findMetaRefresh([]byte(body))
	require.True(t, ok)
	assert.Equal(t, "/next?a=1", got)

	_, ok = findMetaRefresh([]byte(`<html><head><meta name="viewport" content="width=device-width"></head></html>`))
	assert.False(t, ok)
}
