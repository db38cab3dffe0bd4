// Local stand-in for an affiliate network. It serves a redirect chain that
// exercises every hop type the tracker understands (HTTP 3xx, meta refresh,
// JS location), a landing page whose query string becomes the suffix, and an
// ip-echo endpoint for proxy probing. Point an affiliate link at
// http://localhost:9090/click/demo and the producer can stock pool items
// without touching a real network.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"
)

type stubConfig struct {
	httpHops int           // plain 302 hops before the meta-refresh hop
	affID    string        // affiliate id stamped into the landing query
	hopDelay time.Duration // artificial latency per hop
}

func main() {
	log.Println("╔════════════════════════════════════════════════════════════╗")
	log.Println("║  WARNING: This is a STUB affiliate network for local dev.  ║")
	log.Println("║  Redirect chains and landing pages are synthetic.          ║")
	log.Println("║                                                            ║")
	log.Println("║  For the REAL server, run:                                 ║")
	log.Println("║    go run cmd/server/main.go                               ║")
	log.Println("╚════════════════════════════════════════════════════════════╝")
	log.Println("")

	cfg := stubConfig{
		httpHops: envInt("STUB_HTTP_HOPS", 2),
		affID:    envStr("STUB_AFFILIATE_ID", "stub-7"),
		hopDelay: time.Duration(envInt("STUB_HOP_DELAY_MS", 0)) * time.Millisecond,
	}

	port := envStr("PORT", "9090")

	server := &http.Server{
		Addr:         "0.0.0.0:" + port,
		Handler:      newStubMux(cfg),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("Stub affiliate listening on :%s (chain: %d×302 → meta → js → landing)", port, cfg.httpHops)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down stub affiliate...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	log.Println("Stub affiliate stopped")
}

// newStubMux builds the chain routes. Every hop carries the click id forward
// in the query so each traversal lands on a unique suffix.
func newStubMux(cfg stubConfig) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"healthy","service":"clickstock-stub-affiliate","warning":"THIS IS A STUB - synthetic redirect chains only"}`))
	})

	// Chain entry: GET /click/{link} mints a click id and starts the hops.
	mux.HandleFunc("GET /click/{link}", func(w http.ResponseWriter, r *http.Request) {
		pause(cfg)
		cid := newClickID()
		link := r.PathValue("link")
		log.Printf("[chain] start link=%s cid=%s ua=%q", link, cid, r.UserAgent())
		http.Redirect(w, r, fmt.Sprintf("/hop/1?cid=%s&link=%s", cid, link), http.StatusFound)
	})

	// Plain HTTP redirects until the configured depth, then the meta hop.
	mux.HandleFunc("GET /hop/{n}", func(w http.ResponseWriter, r *http.Request) {
		pause(cfg)
		n, err := strconv.Atoi(r.PathValue("n"))
		if err != nil || n < 1 {
			http.Error(w, "bad hop", http.StatusBadRequest)
			return
		}
		q := r.URL.RawQuery
		if n < cfg.httpHops {
			http.Redirect(w, r, fmt.Sprintf("/hop/%d?%s", n+1, q), http.StatusMovedPermanently)
			return
		}
		http.Redirect(w, r, "/meta?"+q, http.StatusFound)
	})

	// Meta-refresh hop.
	mux.HandleFunc("GET /meta", func(w http.ResponseWriter, r *http.Request) {
		pause(cfg)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, `<!DOCTYPE html>
<html><head>
<meta http-equiv="refresh" content="0; url=/js?%s">
<title>redirecting</title>
</head><body>One moment...</body></html>`, r.URL.RawQuery)
	})

	// JS location hop.
	mux.HandleFunc("GET /js", func(w http.ResponseWriter, r *http.Request) {
		pause(cfg)
		cid := r.URL.Query().Get("cid")
		link := r.URL.Query().Get("link")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, `<!DOCTYPE html>
<html><head><title>redirecting</title></head>
<body>
<script>
window.location.href = "/offer/landing?clickid=%s&affid=%s&offer=%s&ts=%d";
</script>
</body></html>`, cid, cfg.affID, link, time.Now().Unix())
	})

	// Landing page. The query string from here on is the tracking suffix.
	mux.HandleFunc("GET /offer/landing", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[chain] landed suffix=%q", r.URL.RawQuery)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, `<!DOCTYPE html>
<html><head><title>Stub Offer</title></head>
<body><h1>Stub offer landing</h1><p>clickid=%s</p></body></html>`,
			r.URL.Query().Get("clickid"))
	})

	// Mutual 302 loop. The tracker's visited set makes it land on /loop/a.
	mux.HandleFunc("GET /loop/a", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop/b", http.StatusFound)
	})
	mux.HandleFunc("GET /loop/b", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop/a", http.StatusFound)
	})

	// Delayed redirect for step-timeout testing: GET /slow?ms=5000.
	mux.HandleFunc("GET /slow", func(w http.ResponseWriter, r *http.Request) {
		ms, _ := strconv.Atoi(r.URL.Query().Get("ms"))
		if ms < 0 {
			ms = 0
		}
		if ms > 30_000 {
			ms = 30_000
		}
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
		case <-r.Context().Done():
			return
		}
		http.Redirect(w, r, "/offer/landing?clickid="+newClickID()+"&slow=1", http.StatusFound)
	})

	// IP echo in the same shape the proxy prober parses. Lets
	// probe.echo_services point at the stub for fully local runs.
	mux.HandleFunc("GET /echo", func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"ip":%q}`, host)
	})

	return mux
}

func pause(cfg stubConfig) {
	if cfg.hopDelay > 0 {
		time.Sleep(cfg.hopDelay)
	}
}

func newClickID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("t%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("Warning: %s=%q is not an integer, using %d", key, v, fallback)
		return fallback
	}
	return n
}
