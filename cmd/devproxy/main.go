package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/storykit/devproxy/internal/accesslog"
	"github.com/storykit/devproxy/internal/certs"
	appconfig "github.com/storykit/devproxy/internal/config"
	"github.com/storykit/devproxy/internal/k8s"
	"github.com/storykit/devproxy/internal/metrics"
	"github.com/storykit/devproxy/internal/router"
	"github.com/storykit/devproxy/internal/server"
	"github.com/storykit/devproxy/internal/upstream"
)

const (
	defaultHost     = "localhost"
	shutdownTimeout = 10 * time.Second
	probeTimeout    = 3 * time.Second
)

// Version is injected at build time using ldflags.
var Version = "(unknown)"

// config holds all dev server configuration.
type config struct {
	ShowVersion bool
	Mode        string
	ConfigFile  string
	EnvDir      string
	Host        string
	Port        int
	Base        string
	Root        string
	Frontend    string
	XForward    bool
	HTTPS       bool
	DataDir     string
	AccessLog   string
	MetricsAddr string
	Kubeconfig  string
	UpstreamCA  string
	Watch       bool
	LogFormat   string
}

func main() {
	// Quick check for version flag before full config loading
	for _, arg := range os.Args[1:] {
		if arg == "-version" || arg == "--version" {
			fmt.Printf("devproxy version %s\n", Version)
			return
		}
	}

	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig parses flags and environment variables with precedence: Flag > Env > Default.
// Host, port and base fall back to the route file's server section when unset.
func loadConfig(args []string) (config, error) {
	fs := flag.NewFlagSet("devproxy", flag.ContinueOnError)

	cfg := config{}
	fs.BoolVar(&cfg.ShowVersion, "version", false, "print version and exit")
	fs.StringVar(&cfg.Mode, "mode", getEnv("MODE", appconfig.ModeDevelopment), "mode; development relaxes upstream TLS and rewrites Host")
	fs.StringVar(&cfg.ConfigFile, "config", getEnv("CONFIG_FILE", ""), "path to YAML route file (default: built-in routes)")
	fs.StringVar(&cfg.EnvDir, "env-dir", getEnv("ENV_DIR", "."), "directory holding .env files")
	fs.StringVar(&cfg.Host, "host", getEnv("HOST", ""), "listen host")

	portStr := getEnv("PORT", "")
	fs.StringVar(&portStr, "port", portStr, "listen port (default 5174)")

	fs.StringVar(&cfg.Base, "base", getEnv("BASE", ""), "public base path of the local app")
	fs.StringVar(&cfg.Root, "root", getEnv("ROOT", ""), "directory of built static assets to serve")
	fs.StringVar(&cfg.Frontend, "frontend", getEnv("FRONTEND_URL", ""), "frontend dev server URL for unmatched requests")
	fs.BoolVar(&cfg.XForward, "xfwd", getEnvBool("XFWD", false), "add X-Forwarded-* headers to proxied requests")
	fs.BoolVar(&cfg.HTTPS, "https", getEnvBool("HTTPS", false), "serve over HTTPS with a self-signed certificate")
	fs.StringVar(&cfg.DataDir, "data-dir", getEnv("DATA_DIR", ".devproxy"), "data directory for certificates")
	fs.StringVar(&cfg.AccessLog, "access-log", getEnv("ACCESS_LOG", ""), "path to JSONL access log of proxied requests")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", getEnv("METRICS_ADDR", ""), "listen address for Prometheus metrics")
	fs.StringVar(&cfg.Kubeconfig, "kubeconfig", getEnv("KUBECONFIG", defaultKubeconfig()), "path to kubeconfig file for k8s:// targets")
	fs.StringVar(&cfg.UpstreamCA, "upstream-ca", getEnv("UPSTREAM_CA", ""), "PEM bundle trusted for secure upstreams")
	fs.BoolVar(&cfg.Watch, "watch", getEnvBool("WATCH", false), "restart when the route or env files change")
	fs.StringVar(&cfg.LogFormat, "log-format", getEnv("LOG_FORMAT", "json"), "log format (json or text)")

	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	if portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return config{}, fmt.Errorf("invalid port %q: %w", portStr, err)
		}
		if port < 1 || port > 65535 {
			return config{}, fmt.Errorf("port must be between 1 and 65535, got %d", port)
		}
		cfg.Port = port
	}

	if cfg.Root != "" && cfg.Frontend != "" {
		return config{}, errors.New("-root and -frontend are mutually exclusive")
	}

	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return config{}, fmt.Errorf("unsupported log format %q: must be \"json\" or \"text\"", cfg.LogFormat)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fallback
		}
		return b
	}
	return fallback
}

func defaultKubeconfig() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "~/.kube/config"
	}
	return filepath.Join(home, ".kube", "config")
}

func setupLogger(format string) *slog.Logger {
	return setupLoggerWithWriter(format, os.Stdout)
}

func setupLoggerWithWriter(format string, writer io.Writer) *slog.Logger {
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(writer, nil)
	} else {
		handler = slog.NewJSONHandler(writer, nil)
	}
	return slog.New(handler)
}

// app is one immutable generation of the dev server: a router built from
// the configuration as it was when the generation started.
type app struct {
	addr      string
	router    *router.Router
	handler   http.Handler
	tlsConfig *tls.Config
	accessLog accesslog.Writer
}

// run starts the dev server and handles graceful shutdown.
func run(ctx context.Context, cfg config) error {
	logger := setupLogger(cfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting dev proxy", "version", Version, "mode", cfg.Mode)

	m := metrics.New()
	build := func(ctx context.Context) (*app, error) {
		return buildApp(ctx, cfg, m, logger)
	}

	// Misconfiguration is fatal at startup; later reload failures are not.
	first, err := build(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", m.Handler())
		metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			slog.Info("Serving metrics", "addr", cfg.MetricsAddr)
			return serveUntilDone(gctx, metricsSrv)
		})
	}

	reload := make(chan struct{}, 1)
	if cfg.Watch {
		paths := appconfig.EnvFiles(cfg.EnvDir, cfg.Mode)
		if cfg.ConfigFile != "" {
			paths = append(paths, cfg.ConfigFile)
		}
		watcher := appconfig.NewWatcher(paths, func(string) {
			select {
			case reload <- struct{}{}:
			default:
			}
		}, logger)
		g.Go(func() error {
			if err := watcher.Run(gctx); err != nil && gctx.Err() == nil {
				slog.Warn("config watcher stopped with error", "error", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		return serveLoop(gctx, first, reload, build)
	})

	return g.Wait()
}

// serveLoop serves current until ctx is done. On a reload signal it builds
// the next generation and, only if that succeeds, replaces the running server.
func serveLoop(ctx context.Context, current *app, reload <-chan struct{}, build func(context.Context) (*app, error)) error {
	for {
		srvCtx, stopServer := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func(a *app) { done <- a.serve(srvCtx) }(current)

		next, err := awaitReload(ctx, done, reload, build)
		stopServer()
		if next == nil {
			current.close()
			return err
		}

		if err := <-done; err != nil {
			current.close()
			next.close()
			return err
		}
		current.close()
		slog.Info("Restarted with reloaded config", "rules", next.router.Len(), "addr", next.addr)
		current = next
	}
}

func awaitReload(ctx context.Context, done <-chan error, reload <-chan struct{}, build func(context.Context) (*app, error)) (*app, error) {
	for {
		select {
		case err := <-done:
			return nil, err
		case <-reload:
			next, err := build(ctx)
			if err != nil {
				slog.Error("Config reload failed, keeping current routes", "error", err)
				continue
			}
			return next, nil
		}
	}
}

func (a *app) serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.addr,
		Handler:           a.handler,
		TLSConfig:         a.tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return serveUntilDone(ctx, srv)
}

func (a *app) close() {
	if err := a.accessLog.Close(); err != nil {
		slog.Warn("failed to close access log", "error", err)
	}
}

// serveUntilDone runs srv until ctx is cancelled, then drains connections.
func serveUntilDone(ctx context.Context, srv *http.Server) error {
	serverError := make(chan error, 1)

	go func() {
		var err error
		if srv.TLSConfig != nil {
			slog.Info("Listening (HTTPS)", "addr", srv.Addr)
			err = srv.ListenAndServeTLS("", "")
		} else {
			slog.Info("Listening (HTTP)", "addr", srv.Addr)
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverError <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		slog.Info("Server stopped", "addr", srv.Addr)
		return nil
	case err := <-serverError:
		return fmt.Errorf("server error: %w", err)
	}
}

// buildApp loads env files and routes, resolves k8s:// targets, and builds
// the handler chain for one server generation.
func buildApp(ctx context.Context, cfg config, m *metrics.Metrics, logger *slog.Logger) (*app, error) {
	env, err := appconfig.LoadEnv(cfg.EnvDir, cfg.Mode)
	if err != nil {
		return nil, err
	}

	fileCfg, err := appconfig.Load(cfg.ConfigFile, env)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	rules, err := fileCfg.Rules(cfg.Mode)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if k8s.NeedsResolution(rules) {
		resolver, err := k8s.NewResolver(cfg.Kubeconfig, logger)
		if err != nil {
			return nil, fmt.Errorf("k8s targets configured but no cluster access: %w", err)
		}
		rules, err = resolver.ResolveRules(ctx, rules)
		if err != nil {
			return nil, err
		}
	}

	rt, err := router.New(rules)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	for _, rule := range rt.Rules() {
		slog.Info("Proxy rule",
			"name", rule.Name,
			"match", rule.Pattern,
			"target", rule.Target.String(),
			"changeOrigin", rule.ChangeOrigin,
			"secure", rule.Secure,
		)
	}

	rootCAs, err := loadRootCAs(cfg.UpstreamCA)
	if err != nil {
		return nil, err
	}

	go probeUpstreams(ctx, rt.Rules(), rootCAs, logger)

	local, err := localHandler(cfg, fileCfg)
	if err != nil {
		return nil, err
	}

	var accessLog accesslog.Writer = accesslog.NoopWriter{}
	if cfg.AccessLog != "" {
		fw, err := accesslog.NewFileWriter(cfg.AccessLog, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create access log: %w", err)
		}
		accessLog = fw
	}

	handler := server.NewDevProxyHandler(rt, local, server.Options{
		XForward:  cfg.XForward,
		RootCAs:   rootCAs,
		Logger:    logger,
		AccessLog: accessLog,
		Metrics:   m,
	})

	host := firstNonEmpty(cfg.Host, fileCfg.Server.Host, defaultHost)
	port := fileCfg.Server.Port
	if cfg.Port != 0 {
		port = cfg.Port
	}

	var tlsConfig *tls.Config
	if cfg.HTTPS {
		dc, err := certs.LoadOrGenerate(cfg.DataDir, []string{host})
		if err != nil {
			accessLog.Close()
			return nil, fmt.Errorf("failed to load certificates: %w", err)
		}
		if dc.WasGenerated {
			slog.Info("Generated self-signed certificate", "cert", dc.CertPath, "key", dc.KeyPath)
		}
		tlsConfig, err = dc.TLSConfig()
		if err != nil {
			accessLog.Close()
			return nil, err
		}
	}

	return &app{
		addr:      net.JoinHostPort(host, strconv.Itoa(port)),
		router:    rt,
		handler:   handler,
		tlsConfig: tlsConfig,
		accessLog: accessLog,
	}, nil
}

// localHandler serves requests no proxy rule matches: the frontend's own dev
// server, a directory of built assets, or nothing.
func localHandler(cfg config, fileCfg *appconfig.Config) (http.Handler, error) {
	switch {
	case cfg.Frontend != "":
		proxy, err := server.NewFrontendProxy(cfg.Frontend)
		if err != nil {
			return nil, fmt.Errorf("failed to create frontend proxy: %w", err)
		}
		slog.Info("Serving unmatched requests from frontend dev server", "url", cfg.Frontend)
		return proxy, nil
	case cfg.Root != "":
		info, err := os.Stat(cfg.Root)
		if err != nil {
			return nil, fmt.Errorf("invalid root: %w", err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("invalid root: %s is not a directory", cfg.Root)
		}
		base := server.NormalizeBasePath(firstNonEmpty(cfg.Base, fileCfg.Server.Base))
		slog.Info("Serving unmatched requests from static files", "root", cfg.Root, "base", base)
		return server.NewBasePathHandler(base, server.NewSPAHandler(os.DirFS(cfg.Root))), nil
	default:
		return http.NotFoundHandler(), nil
	}
}

func loadRootCAs(path string) (*x509.CertPool, error) {
	if path == "" {
		return nil, nil
	}
	pemData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading upstream CA: %w", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pemData) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}

// probeUpstreams checks every target once and then releases the probe
// clients' connections, since each server generation probes with its own.
func probeUpstreams(ctx context.Context, rules []router.Rule, rootCAs *x509.CertPool, logger *slog.Logger) []upstream.Result {
	secure := &http.Client{
		Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: rootCAs}},
	}
	insecure := &http.Client{
		Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}},
	}
	defer secure.CloseIdleConnections()
	defer insecure.CloseIdleConnections()

	return upstream.NewChecker(secure, insecure, probeTimeout, logger).CheckRules(ctx, rules)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
