package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/storykit/devproxy/internal/accesslog"
	"github.com/storykit/devproxy/internal/metrics"
	"github.com/storykit/devproxy/internal/router"
)

// Options configures a DevProxy.
type Options struct {
	// XForward adds X-Forwarded-For/Host/Proto to forwarded requests.
	XForward bool
	// RootCAs replaces the system roots used to verify secure upstreams.
	RootCAs *x509.CertPool

	Logger    *slog.Logger
	AccessLog accesslog.Writer
	Metrics   *metrics.Metrics
}

type forwardKey struct{}

// forward carries per-request routing state from ServeHTTP into the
// reverse proxy callbacks.
type forward struct {
	id       string
	decision router.Decision
	upstream *url.URL
	err      error
}

func forwardFrom(ctx context.Context) *forward {
	f, _ := ctx.Value(forwardKey{}).(*forward)
	return f
}

// DevProxy forwards requests matching a proxy rule upstream and hands every
// other request to the local handler.
type DevProxy struct {
	router    *router.Router
	local     http.Handler
	proxy     *httputil.ReverseProxy
	xfwd      bool
	logger    *slog.Logger
	accessLog accesslog.Writer
	metrics   *metrics.Metrics
}

// NewDevProxyHandler creates the dev server's request handler. The router is
// consulted once per request; local serves requests no rule matches.
func NewDevProxyHandler(rt *router.Router, local http.Handler, opts Options) *DevProxy {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	accessLog := opts.AccessLog
	if accessLog == nil {
		accessLog = accesslog.NoopWriter{}
	}
	if local == nil {
		local = http.NotFoundHandler()
	}

	p := &DevProxy{
		router:    rt,
		local:     local,
		xfwd:      opts.XForward,
		logger:    logger,
		accessLog: accessLog,
		metrics:   opts.Metrics,
	}
	p.proxy = &httputil.ReverseProxy{
		Rewrite:      p.rewrite,
		Transport:    newTransportSwitch(opts.RootCAs),
		ErrorHandler: p.handleError,
		ErrorLog:     slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	return p
}

func (p *DevProxy) rewrite(pr *httputil.ProxyRequest) {
	f := forwardFrom(pr.In.Context())
	pr.Out.URL = f.upstream
	if f.decision.ChangeOrigin {
		// An empty Host makes the transport use the target's host.
		pr.Out.Host = ""
	} else {
		pr.Out.Host = pr.In.Host
	}
	if p.xfwd {
		pr.SetXForwarded()
	}
}

func (p *DevProxy) handleError(w http.ResponseWriter, r *http.Request, err error) {
	f := forwardFrom(r.Context())
	f.err = err
	p.metrics.UpstreamError(f.decision.Rule)
	p.logger.Warn("upstream request failed",
		"id", f.id,
		"rule", f.decision.Rule,
		"upstream", f.upstream.String(),
		"error", err,
	)
	w.WriteHeader(http.StatusBadGateway)
}

func (p *DevProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := uuid.NewString()
	rec := &statusRecorder{ResponseWriter: w}

	decision, ok := p.router.Resolve(requestPath(r.URL))
	if !ok {
		p.metrics.Unmatched()
		p.local.ServeHTTP(rec, r)
		p.logger.Debug("served locally",
			"id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.code(),
		)
		p.record(accesslog.Record{
			Timestamp:  start.UTC(),
			RequestID:  id,
			Method:     r.Method,
			Path:       r.URL.RequestURI(),
			Status:     rec.code(),
			DurationMs: time.Since(start).Milliseconds(),
		})
		return
	}

	f := &forward{id: id, decision: decision, upstream: decision.URL()}
	p.proxy.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), forwardKey{}, f)))

	elapsed := time.Since(start)
	entry := accesslog.Record{
		Timestamp:  start.UTC(),
		RequestID:  id,
		Method:     r.Method,
		Path:       r.URL.RequestURI(),
		Rule:       decision.Rule,
		Upstream:   f.upstream.String(),
		Status:     rec.code(),
		DurationMs: elapsed.Milliseconds(),
	}
	if f.err != nil {
		entry.Error = f.err.Error()
	} else {
		p.metrics.ObserveForward(decision.Rule, rec.code(), elapsed)
	}
	p.logger.Info("proxied request",
		"id", id,
		"method", r.Method,
		"path", r.URL.Path,
		"rule", decision.Rule,
		"upstream", entry.Upstream,
		"status", entry.Status,
		"durationMs", entry.DurationMs,
	)
	p.record(entry)
}

func (p *DevProxy) record(entry accesslog.Record) {
	if err := p.accessLog.Record(entry); err != nil {
		p.logger.Warn("failed to write access log", "error", err)
	}
}

// requestPath is the escaped path plus the raw query, as the router sees it.
func requestPath(u *url.URL) string {
	path := u.EscapedPath()
	if u.RawQuery != "" || u.ForceQuery {
		path += "?" + u.RawQuery
	}
	return path
}

// transportSwitch picks the verifying or the non-verifying transport per
// request, based on the rule's secure flag.
type transportSwitch struct {
	secure   http.RoundTripper
	insecure http.RoundTripper
}

func newTransportSwitch(rootCAs *x509.CertPool) *transportSwitch {
	secure := http.DefaultTransport.(*http.Transport).Clone()
	secure.TLSClientConfig = &tls.Config{RootCAs: rootCAs}

	insecure := http.DefaultTransport.(*http.Transport).Clone()
	insecure.TLSClientConfig = &tls.Config{
		InsecureSkipVerify: true,
	}
	return &transportSwitch{secure: secure, insecure: insecure}
}

func (t *transportSwitch) RoundTrip(req *http.Request) (*http.Response, error) {
	if f := forwardFrom(req.Context()); f != nil && !f.decision.Secure {
		return t.insecure.RoundTrip(req)
	}
	return t.secure.RoundTrip(req)
}

// statusRecorder remembers the status code written through it. Unwrap lets
// http.ResponseController reach the underlying writer for flushing.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Hijack marks the exchange as an upgraded connection; the reverse proxy
// writes the 101 response directly to the hijacked conn.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, brw, err := http.NewResponseController(r.ResponseWriter).Hijack()
	if err == nil && r.status == 0 {
		r.status = http.StatusSwitchingProtocols
	}
	return conn, brw, err
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *statusRecorder) code() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}
