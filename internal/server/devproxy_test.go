package server

import (
	"context"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/storykit/devproxy/internal/accesslog"
	"github.com/storykit/devproxy/internal/metrics"
	"github.com/storykit/devproxy/internal/router"
)

func startLocalHTTPServer(t *testing.T, h http.Handler) *httptest.Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping network-bound test: cannot bind loopback socket: %v", err)
	}
	srv := httptest.NewUnstartedServer(h)
	srv.Listener = ln
	srv.Start()
	t.Cleanup(srv.Close)
	return srv
}

func startLocalTLSServer(t *testing.T, h http.Handler) *httptest.Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping network-bound test: cannot bind loopback socket: %v", err)
	}
	srv := httptest.NewUnstartedServer(h)
	srv.Listener = ln
	srv.StartTLS()
	t.Cleanup(srv.Close)
	return srv
}

// echoUpstream reports what the upstream received.
func echoUpstream() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "method=%s path=%s query=%s host=%s xfh=%s",
			r.Method, r.URL.Path, r.URL.RawQuery, r.Host, r.Header.Get("X-Forwarded-Host"))
	})
}

func localHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("local:" + r.URL.Path))
	})
}

func mustRouter(t *testing.T, rules ...router.Rule) *router.Router {
	t.Helper()
	rt, err := router.New(rules)
	if err != nil {
		t.Fatalf("router.New: %v", err)
	}
	return rt
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

type memoryAccessLog struct {
	mu      sync.Mutex
	records []accesslog.Record
}

func (m *memoryAccessLog) Record(r accesslog.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r)
	return nil
}

func (m *memoryAccessLog) Close() error { return nil }

func (m *memoryAccessLog) last(t *testing.T) accesslog.Record {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.records) == 0 {
		t.Fatal("no access records")
	}
	return m.records[len(m.records)-1]
}

func metricValue(t *testing.T, m *metrics.Metrics, name string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatal(err)
	}
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
	}
	return total
}

func doRequest(t *testing.T, h http.Handler, method, target, host string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	if host != "" {
		req.Host = host
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestDevProxyForwardsMatchedPrefix(t *testing.T) {
	upstream := startLocalHTTPServer(t, echoUpstream())
	rt := mustRouter(t,
		router.Rule{Name: "capitolai", Pattern: "^/proxy/capitolai/api", Target: mustParse(t, upstream.URL+"/api"), ChangeOrigin: true},
		router.Rule{Name: "platform", Pattern: "^/proxy/platform", Target: mustParse(t, upstream.URL), ChangeOrigin: true},
	)
	handler := NewDevProxyHandler(rt, localHandler(), Options{})

	tests := []struct {
		target string
		want   string
	}{
		{"/proxy/capitolai/api/chat/async", "method=POST path=/api/chat/async query= "},
		{"/proxy/capitolai/api/stories/mini?story-id=42&migrate=true", "method=POST path=/api/stories/mini query=story-id=42&migrate=true "},
		{"/proxy/platform/status", "method=POST path=/status query= "},
	}
	for _, tt := range tests {
		rec := doRequest(t, handler, http.MethodPost, tt.target, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status %d", tt.target, rec.Code)
		}
		if !strings.HasPrefix(rec.Body.String(), tt.want) {
			t.Errorf("%s: upstream saw %q, want prefix %q", tt.target, rec.Body.String(), tt.want)
		}
	}
}

func TestDevProxyUnmatchedServedLocally(t *testing.T) {
	upstream := startLocalHTTPServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("upstream must not be called for %s", r.URL.Path)
	}))
	m := metrics.New()
	rt := mustRouter(t, router.Rule{Pattern: "/proxy/platform", Target: mustParse(t, upstream.URL)})
	handler := NewDevProxyHandler(rt, localHandler(), Options{Metrics: m})

	rec := doRequest(t, handler, http.MethodGet, "/unrelated/page", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "local:/unrelated/page" {
		t.Errorf("got %d %q", rec.Code, rec.Body.String())
	}
	if got := metricValue(t, m, "devproxy_unmatched_requests_total"); got != 1 {
		t.Errorf("unmatched = %v, want 1", got)
	}
}

func TestDevProxyNilLocalReturnsNotFound(t *testing.T) {
	rt := mustRouter(t, router.Rule{Pattern: "/api", Target: mustParse(t, "http://127.0.0.1:1")})
	rec := doRequest(t, NewDevProxyHandler(rt, nil, Options{}), http.MethodGet, "/page", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestDevProxyChangeOrigin(t *testing.T) {
	upstream := startLocalHTTPServer(t, echoUpstream())
	upstreamHost := mustParse(t, upstream.URL).Host
	rt := mustRouter(t,
		router.Rule{Pattern: "/changed", Target: mustParse(t, upstream.URL), ChangeOrigin: true},
		router.Rule{Pattern: "/kept", Target: mustParse(t, upstream.URL), ChangeOrigin: false},
	)
	handler := NewDevProxyHandler(rt, nil, Options{})

	rec := doRequest(t, handler, http.MethodGet, "/changed/x", "localhost:5174")
	if !strings.Contains(rec.Body.String(), "host="+upstreamHost) {
		t.Errorf("changeOrigin=true: upstream saw %q, want host %s", rec.Body.String(), upstreamHost)
	}

	rec = doRequest(t, handler, http.MethodGet, "/kept/x", "localhost:5174")
	if !strings.Contains(rec.Body.String(), "host=localhost:5174") {
		t.Errorf("changeOrigin=false: upstream saw %q, want original host", rec.Body.String())
	}
}

func TestDevProxyXForward(t *testing.T) {
	upstream := startLocalHTTPServer(t, echoUpstream())
	rt := mustRouter(t, router.Rule{Pattern: "/api", Target: mustParse(t, upstream.URL), ChangeOrigin: true})

	rec := doRequest(t, NewDevProxyHandler(rt, nil, Options{XForward: true}), http.MethodGet, "/api/x", "localhost:5174")
	if !strings.Contains(rec.Body.String(), "xfh=localhost:5174") {
		t.Errorf("xfwd enabled: upstream saw %q", rec.Body.String())
	}

	rec = doRequest(t, NewDevProxyHandler(rt, nil, Options{}), http.MethodGet, "/api/x", "localhost:5174")
	if strings.Contains(rec.Body.String(), "xfh=localhost") {
		t.Errorf("xfwd disabled: upstream saw %q", rec.Body.String())
	}
}

func TestDevProxySecureFlag(t *testing.T) {
	upstream := startLocalTLSServer(t, echoUpstream())
	rules := []router.Rule{
		{Name: "insecure", Pattern: "/dev", Target: mustParse(t, upstream.URL), Secure: false},
		{Name: "secure", Pattern: "/prod", Target: mustParse(t, upstream.URL), Secure: true},
	}

	// Development mode skips verification of the self-signed upstream.
	handler := NewDevProxyHandler(mustRouter(t, rules...), nil, Options{})
	if rec := doRequest(t, handler, http.MethodGet, "/dev/status", ""); rec.Code != http.StatusOK {
		t.Errorf("secure=false: expected 200, got %d", rec.Code)
	}

	// Otherwise an untrusted certificate is rejected.
	if rec := doRequest(t, handler, http.MethodGet, "/prod/status", ""); rec.Code != http.StatusBadGateway {
		t.Errorf("secure=true with untrusted cert: expected 502, got %d", rec.Code)
	}

	// Trusting the upstream's CA lets verified requests through.
	pool := x509.NewCertPool()
	pool.AddCert(upstream.Certificate())
	trusted := NewDevProxyHandler(mustRouter(t, rules...), nil, Options{RootCAs: pool})
	if rec := doRequest(t, trusted, http.MethodGet, "/prod/status", ""); rec.Code != http.StatusOK {
		t.Errorf("secure=true with trusted CA: expected 200, got %d", rec.Code)
	}
}

func TestDevProxyUpstreamUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping network-bound test: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	m := metrics.New()
	logs := &memoryAccessLog{}
	rt := mustRouter(t, router.Rule{Name: "platform", Pattern: "/proxy/platform", Target: mustParse(t, "http://"+addr)})
	handler := NewDevProxyHandler(rt, localHandler(), Options{Metrics: m, AccessLog: logs})

	rec := doRequest(t, handler, http.MethodGet, "/proxy/platform/status", "")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if got := metricValue(t, m, "devproxy_upstream_errors_total"); got != 1 {
		t.Errorf("upstream errors = %v, want 1", got)
	}
	entry := logs.last(t)
	if entry.Error == "" || entry.Status != http.StatusBadGateway || entry.Rule != "platform" {
		t.Errorf("access record = %+v", entry)
	}
}

func TestDevProxyRelaysUpstreamErrorsUnchanged(t *testing.T) {
	calls := 0
	var mu sync.Mutex
	upstream := startLocalHTTPServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.Header().Set("Content-Type", "application/problem+json")
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"detail":"warming up"}`))
	}))
	m := metrics.New()
	rt := mustRouter(t, router.Rule{Name: "api", Pattern: "/api", Target: mustParse(t, upstream.URL)})
	rec := doRequest(t, NewDevProxyHandler(rt, nil, Options{Metrics: m}), http.MethodGet, "/api/x", "")

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	if rec.Body.String() != `{"detail":"warming up"}` {
		t.Errorf("body = %q", rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "application/problem+json" || rec.Header().Get("Retry-After") != "5" {
		t.Errorf("headers = %v", rec.Header())
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("upstream called %d times, want exactly 1 (no retries)", calls)
	}
	if got := metricValue(t, m, "devproxy_requests_total"); got != 1 {
		t.Errorf("requests = %v, want 1", got)
	}
}

func TestDevProxyRecordsAccessLog(t *testing.T) {
	upstream := startLocalHTTPServer(t, echoUpstream())
	logs := &memoryAccessLog{}
	rt := mustRouter(t, router.Rule{Name: "capitolai", Pattern: "/proxy/capitolai/api", Target: mustParse(t, upstream.URL+"/api")})
	handler := NewDevProxyHandler(rt, localHandler(), Options{AccessLog: logs})

	doRequest(t, handler, http.MethodGet, "/proxy/capitolai/api/events?story-id=1", "")
	entry := logs.last(t)
	if entry.Rule != "capitolai" || entry.Status != http.StatusOK {
		t.Errorf("entry = %+v", entry)
	}
	if entry.Upstream != upstream.URL+"/api/events?story-id=1" {
		t.Errorf("upstream = %q", entry.Upstream)
	}
	if entry.Path != "/proxy/capitolai/api/events?story-id=1" || entry.RequestID == "" {
		t.Errorf("entry = %+v", entry)
	}

	doRequest(t, handler, http.MethodGet, "/index.html", "")
	entry = logs.last(t)
	if entry.Rule != "" || entry.Upstream != "" || entry.Path != "/index.html" {
		t.Errorf("local entry = %+v", entry)
	}
}

func TestDevProxyConcurrentRequests(t *testing.T) {
	upstream := startLocalHTTPServer(t, echoUpstream())
	rt := mustRouter(t, router.Rule{Pattern: "/api", Target: mustParse(t, upstream.URL)})
	proxy := startLocalHTTPServer(t, NewDevProxyHandler(rt, localHandler(), Options{}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			path := fmt.Sprintf("/api/item/%d", i)
			if i%2 == 1 {
				path = fmt.Sprintf("/page/%d", i)
			}
			resp, err := http.Get(proxy.URL + path)
			if err != nil {
				t.Errorf("GET %s: %v", path, err)
				return
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			want := fmt.Sprintf("path=/item/%d", i)
			if i%2 == 1 {
				want = fmt.Sprintf("local:/page/%d", i)
			}
			if !strings.Contains(string(body), want) {
				t.Errorf("GET %s: got %q, want %q", path, body, want)
			}
		}(i)
	}
	wg.Wait()
}

func TestDevProxyWebSocketUpgrade(t *testing.T) {
	upstream := startLocalHTTPServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			http.NotFound(w, r)
			return
		}
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer c.CloseNow()
		typ, data, err := c.Read(r.Context())
		if err != nil {
			return
		}
		_ = c.Write(r.Context(), typ, append([]byte("echo:"), data...))
		c.Close(websocket.StatusNormalClosure, "")
	}))
	rt := mustRouter(t, router.Rule{Pattern: "/proxy/capitolai/api", Target: mustParse(t, upstream.URL), ChangeOrigin: true})
	proxy := startLocalHTTPServer(t, NewDevProxyHandler(rt, localHandler(), Options{}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(proxy.URL, "http") + "/proxy/capitolai/api/ws"
	c, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial through proxy: %v", err)
	}
	defer c.CloseNow()

	if err := c.Write(ctx, websocket.MessageText, []byte("story-progress")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "echo:story-progress" {
		t.Errorf("got %q", data)
	}
}

func TestRequestPath(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"/a/b", "/a/b"},
		{"/a/b?x=1&y=2", "/a/b?x=1&y=2"},
		{"/a%2Fb?q", "/a%2Fb?q"},
		{"/a?", "/a?"},
	}
	for _, tt := range tests {
		u, err := url.ParseRequestURI(tt.raw)
		if err != nil {
			t.Fatal(err)
		}
		if got := requestPath(u); got != tt.want {
			t.Errorf("requestPath(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}
