package server

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
)

// NewFrontendProxy creates a reverse proxy to the frontend's own dev server
// (for example Vite on :5173). It serves requests that match no proxy rule,
// so HMR and module requests keep working behind the dev proxy.
func NewFrontendProxy(target string) (http.Handler, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("frontend URL %q must be absolute", target)
	}
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(u)
			// Vite checks the Host header against its allowed hosts.
			pr.Out.Host = pr.In.Host
		},
	}
	return proxy, nil
}
