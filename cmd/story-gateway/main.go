package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	appconfig "github.com/storykit/devproxy/internal/config"
	"github.com/storykit/devproxy/internal/gateway"
)

const defaultAddr = ":8000"

// Version is injected at build time using ldflags.
var Version = "(unknown)"

// config holds all gateway configuration.
type config struct {
	ShowVersion bool
	ListenAddr  string
	EnvDir      string
	LogFormat   string
	Timeout     time.Duration
}

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "-version" || arg == "--version" {
			fmt.Printf("story-gateway version %s\n", Version)
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
func loadConfig(args []string) (config, error) {
	fs := flag.NewFlagSet("story-gateway", flag.ContinueOnError)

	cfg := config{}
	fs.BoolVar(&cfg.ShowVersion, "version", false, "print version and exit")
	fs.StringVar(&cfg.ListenAddr, "listen-addr", getEnv("LISTEN_ADDR", defaultAddr), "listen address")
	fs.StringVar(&cfg.EnvDir, "env-dir", getEnv("ENV_DIR", "."), "directory holding .env files")
	fs.StringVar(&cfg.LogFormat, "log-format", getEnv("LOG_FORMAT", "json"), "log format (json or text)")

	timeoutStr := getEnv("UPSTREAM_TIMEOUT", gateway.DefaultTimeout.String())
	fs.StringVar(&timeoutStr, "timeout", timeoutStr, "upstream request timeout")

	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	timeout, err := time.ParseDuration(timeoutStr)
	if err != nil {
		return config{}, fmt.Errorf("invalid timeout %q: %w", timeoutStr, err)
	}
	if timeout <= 0 {
		return config{}, fmt.Errorf("timeout must be positive, got %q", timeoutStr)
	}
	cfg.Timeout = timeout

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

func setupLogger(format string, writer io.Writer) *slog.Logger {
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(writer, nil)
	} else {
		handler = slog.NewJSONHandler(writer, nil)
	}
	return slog.New(handler)
}

// gatewayConfig reads the upstream settings from the env files in dir and
// the process environment. API_URL is required.
func gatewayConfig(dir string, timeout time.Duration) (gateway.Config, error) {
	env, err := appconfig.LoadEnv(dir, "")
	if err != nil {
		return gateway.Config{}, err
	}
	apiURL, err := appconfig.APIURL(env)
	if err != nil {
		return gateway.Config{}, err
	}
	return gateway.Config{
		APIURL:  apiURL,
		Domain:  env.Get("DOMAIN"),
		APIKey:  env.Get("API_KEY"),
		UserID:  env.Get("USER_ID"),
		Timeout: timeout,
	}, nil
}

// run starts the gateway and handles graceful shutdown.
func run(ctx context.Context, cfg config) error {
	logger := setupLogger(cfg.LogFormat, os.Stdout)
	slog.SetDefault(logger)

	gwCfg, err := gatewayConfig(cfg.EnvDir, cfg.Timeout)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if gwCfg.APIKey == "" {
		slog.Warn("API_KEY is not set; upstream calls will rely on client-sent X-API-Key")
	}

	gw, err := gateway.New(gwCfg, nil, logger)
	if err != nil {
		return err
	}

	slog.Info("Starting story gateway", "version", Version, "apiUrl", gwCfg.APIURL, "timeout", cfg.Timeout)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverError := make(chan error, 1)
	go func() {
		slog.Info("Listening (HTTP)", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverError <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		slog.Info("Server stopped")
	case err := <-serverError:
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}
