// Package gateway implements the demo backend gateway: it forwards the
// story-editor API calls to the Capitol AI API with the tenant headers
// injected, and relays the responses.
package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultTimeout bounds each upstream call.
const DefaultTimeout = 10 * time.Second

// DefaultUserID is sent as X-User-ID when the client does not send one.
const DefaultUserID = "1"

const (
	headerDomain = "X-Domain"
	headerAPIKey = "X-API-Key"
	headerUserID = "X-User-ID"
)

// maxBodyBytes caps request bodies read into memory for forwarding.
const maxBodyBytes = 32 << 20

// Config holds the gateway's upstream settings.
type Config struct {
	APIURL  string
	Domain  string
	APIKey  string
	UserID  string
	Timeout time.Duration
}

// Gateway forwards API calls to the configured upstream.
type Gateway struct {
	apiURL *url.URL
	domain string
	apiKey string
	userID string
	client *http.Client
	logger *slog.Logger
}

// New validates cfg and returns a Gateway. A nil client gets a default one
// with cfg.Timeout (DefaultTimeout when zero).
func New(cfg Config, client *http.Client, logger *slog.Logger) (*Gateway, error) {
	u, err := url.Parse(strings.TrimSuffix(cfg.APIURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid API URL %q: %w", cfg.APIURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("API URL %q must be an absolute http or https URL", cfg.APIURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.UserID == "" {
		cfg.UserID = DefaultUserID
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Gateway{
		apiURL: u,
		domain: cfg.Domain,
		apiKey: cfg.APIKey,
		userID: cfg.UserID,
		client: client,
		logger: logger,
	}, nil
}

// Handler returns the gateway's routes.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /forward-story", g.forwardStory)
	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch} {
		mux.HandleFunc(method+" /api/{path...}", g.forwardAPI)
	}
	return mux
}

// APIPath maps the path below /api/ to the upstream path below /api/.
// The React library prefixes calls with v1/, and user/sources/ws is an
// older alias of sources/ws.
func APIPath(path string) string {
	path = strings.TrimPrefix(path, "v1/")
	if path == "user/sources/ws" {
		return "sources/ws"
	}
	return path
}

// apiTarget maps an incoming /api/... URL onto the upstream. It works on the
// escaped path so encoded characters such as %25 and %2F reach the upstream
// unchanged.
func (g *Gateway) apiTarget(in *url.URL) (*url.URL, error) {
	rest := APIPath(strings.TrimPrefix(in.EscapedPath(), "/api/"))
	escaped := strings.TrimSuffix(g.apiURL.EscapedPath(), "/") + "/api/" + rest
	unescaped, err := url.PathUnescape(escaped)
	if err != nil {
		return nil, err
	}

	target := *g.apiURL
	target.Path = unescaped
	target.RawPath = escaped
	if target.EscapedPath() != escaped {
		target.RawPath = ""
	}
	target.RawQuery = in.RawQuery
	return &target, nil
}

// StoryPayload is the body accepted by POST /forward-story.
type StoryPayload struct {
	StoryID           string         `json:"story_id"`
	UserConfigParams  map[string]any `json:"user_config_params"`
	StoryPlanConfigID string         `json:"story_plan_config_id"`
}

func (p *StoryPayload) validate() error {
	var errs []error
	if p.StoryID == "" {
		errs = append(errs, errors.New("story_id is required"))
	}
	if p.UserConfigParams == nil {
		errs = append(errs, errors.New("user_config_params is required"))
	}
	if p.StoryPlanConfigID == "" {
		errs = append(errs, errors.New("story_plan_config_id is required"))
	}
	return errors.Join(errs...)
}

func (g *Gateway) forwardStory(w http.ResponseWriter, r *http.Request) {
	stackID := uuid.NewString()
	logger := g.logger.With("stackId", stackID, "clientIp", clientIP(r))

	var payload StoryPayload
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&payload); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid JSON body", err)
		return
	}
	if err := payload.validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid story payload", err)
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encoding story payload", err)
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, g.apiURL.String(), bytes.NewReader(body))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "building upstream request", err)
		return
	}
	g.setHeaders(req.Header, r.Header, "application/json")

	logger.Info("forwarding story", "storyId", payload.StoryID, "forwardUrl", req.URL.String())
	resp, err := g.client.Do(req)
	if err != nil {
		logger.Warn("upstream request failed", "error", err)
		writeError(w, http.StatusBadGateway, "upstream unavailable", err)
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		logger.Warn("reading upstream response failed", "error", err)
		writeError(w, http.StatusBadGateway, "upstream response truncated", err)
		return
	}
	logger.Info("upstream response", "status", resp.StatusCode, "bytes", len(respBody))

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	w.Write(respBody)
}

func (g *Gateway) forwardAPI(w http.ResponseWriter, r *http.Request) {
	stackID := uuid.NewString()
	logger := g.logger.With("stackId", stackID, "clientIp", clientIP(r))

	target, err := g.apiTarget(r.URL)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request path", err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "reading request body", err)
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), bytes.NewReader(body))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "building upstream request", err)
		return
	}
	g.setHeaders(req.Header, r.Header, r.Header.Get("Content-Type"))

	logger.Info("forwarding request",
		"method", r.Method,
		"path", r.URL.Path,
		"forwardUrl", target.String(),
	)
	logger.Debug("request body", "bytes", len(body), "contentType", r.Header.Get("Content-Type"))

	resp, err := g.client.Do(req)
	if err != nil {
		logger.Warn("upstream request failed", "forwardUrl", target.String(), "error", err)
		writeError(w, http.StatusBadGateway, "upstream unavailable", err)
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		logger.Warn("reading upstream response failed", "error", err)
		writeError(w, http.StatusBadGateway, "upstream response truncated", err)
		return
	}
	logger.Info("upstream response", "status", resp.StatusCode, "bytes", len(respBody))

	var compact bytes.Buffer
	if err := json.Compact(&compact, respBody); err == nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.StatusCode)
		w.Write(compact.Bytes())
		return
	}

	if len(respBody) > 0 {
		logger.Debug("upstream response is not JSON", "contentType", resp.Header.Get("Content-Type"))
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(resp.StatusCode)
	w.Write(respBody)
}

// setHeaders writes the tenant headers onto out. Tenant headers sent by the
// client take precedence over the configured ones.
func (g *Gateway) setHeaders(out, in http.Header, contentType string) {
	out.Set(headerDomain, firstNonEmpty(in.Get(headerDomain), g.domain))
	out.Set(headerAPIKey, firstNonEmpty(in.Get(headerAPIKey), g.apiKey))
	out.Set(headerUserID, firstNonEmpty(in.Get(headerUserID), g.userID))
	out.Set("Accept", "application/json")
	if contentType != "" {
		out.Set("Content-Type", contentType)
	}
}

// hopHeaders are not relayed from the upstream response. Content-Length and
// Content-Encoding are dropped because the client has already decoded the body.
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Content-Length":      true,
	"Content-Encoding":    true,
}

func copyResponseHeaders(dst, src http.Header) {
	for k, vv := range src {
		if hopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func writeError(w http.ResponseWriter, status int, msg string, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":  msg,
		"detail": err.Error(),
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "Unknown"
	}
	return host
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
