package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/storykit/devproxy/internal/router"
)

// DefaultPort is the dev server port used when none is configured.
const DefaultPort = 5174

const defaultPlatformURL = "http://localhost:8811"

// ErrMissingAPIURL is returned when the default route table is requested but
// neither API_URL nor VITE_API_URL is set.
var ErrMissingAPIURL = errors.New("API_URL is not set")

// APIURL returns the validated backend base URL from API_URL, falling back to
// VITE_API_URL. A trailing slash is removed.
func APIURL(env Env) (string, error) {
	raw := strings.TrimSpace(env.Get("API_URL"))
	if raw == "" {
		raw = strings.TrimSpace(env.Get("VITE_API_URL"))
	}
	if raw == "" {
		return "", ErrMissingAPIURL
	}
	if err := validateTargetURL(raw, false); err != nil {
		return "", fmt.Errorf("API_URL: %w", err)
	}
	return strings.TrimSuffix(raw, "/"), nil
}

// Default builds the built-in route table from the environment.
func Default(env Env) (*Config, error) {
	apiURL, err := APIURL(env)
	if err != nil {
		return nil, err
	}
	platformURL := strings.TrimSpace(env.Get("PLATFORM_URL"))
	if platformURL == "" {
		platformURL = defaultPlatformURL
	}

	cfg := &Config{
		Server: ServerConfig{Port: DefaultPort},
		Routes: []RouteConfig{
			{Name: "capitolai", Match: "^/proxy/capitolai/api", Target: apiURL + "/api"},
			{Name: "platform", Match: "^/proxy/platform", Target: platformURL},
		},
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads the YAML route file at path and expands ${VAR} references in
// route targets against env. An empty path selects Default. Unlike a partial
// load, any problem in the file is fatal: the dev server must not start with
// routes pointing at an invalid origin.
func Load(path string, env Env) (*Config, error) {
	if path == "" {
		return Default(env)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, fmt.Errorf("config file %s is empty", path)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	var errs []error
	for i := range cfg.Routes {
		target, err := env.Expand(cfg.Routes[i].Target)
		if err != nil {
			errs = append(errs, fmt.Errorf("routes[%d].target: %w", i, err))
			continue
		}
		cfg.Routes[i].Target = collapseSlashes(target)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultPort
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// collapseSlashes removes empty path segments from a target URL, so
// ${API_URL}/api stays /api when API_URL ends in a slash. Unparseable
// targets are returned unchanged for Validate to report.
func collapseSlashes(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || !strings.Contains(u.EscapedPath(), "//") {
		return raw
	}
	for strings.Contains(u.Path, "//") {
		u.Path = strings.ReplaceAll(u.Path, "//", "/")
	}
	for strings.Contains(u.RawPath, "//") {
		u.RawPath = strings.ReplaceAll(u.RawPath, "//", "/")
	}
	return u.String()
}

// Validate checks the configuration and reports every problem found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port: must be between 1 and 65535, got %d", cfg.Server.Port))
	}
	if len(cfg.Routes) == 0 {
		errs = append(errs, errors.New("routes: at least one route is required"))
	}

	seen := make(map[string]int, len(cfg.Routes))
	for i, rt := range cfg.Routes {
		match := strings.TrimSpace(rt.Match)
		if match == "" {
			errs = append(errs, fmt.Errorf("routes[%d].match: required field missing", i))
		} else if prefix, re, err := router.ParsePattern(match); err != nil {
			errs = append(errs, fmt.Errorf("routes[%d].match: %w", i, err))
		} else {
			key := prefix
			if re != nil {
				key = match
			}
			if first, dup := seen[key]; dup {
				errs = append(errs, fmt.Errorf("routes[%d].match: %q duplicates routes[%d] and can never match", i, rt.Match, first))
			} else {
				seen[key] = i
			}
		}

		if strings.TrimSpace(rt.Target) == "" {
			errs = append(errs, fmt.Errorf("routes[%d].target: required field missing", i))
		} else if err := validateTargetURL(rt.Target, true); err != nil {
			errs = append(errs, fmt.Errorf("routes[%d].target: %w", i, err))
		}

		if rt.AddPrefix != "" && !strings.HasPrefix(rt.AddPrefix, "/") {
			errs = append(errs, fmt.Errorf("routes[%d].addPrefix: must start with '/', got %q", i, rt.AddPrefix))
		}
	}

	return errors.Join(errs...)
}

func validateTargetURL(raw string, allowK8s bool) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	switch u.Scheme {
	case "http", "https":
	case "k8s":
		if !allowK8s {
			return fmt.Errorf("unsupported scheme %q in %q", u.Scheme, raw)
		}
	default:
		return fmt.Errorf("unsupported scheme %q in %q: must be http or https", u.Scheme, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return nil
}

// IsDevelopment reports whether mode relaxes upstream checks.
func IsDevelopment(mode string) bool {
	return mode == ModeDevelopment
}

// Rules converts the route table into router rules. Unset changeOrigin and
// secure flags follow the mode: development rewrites the Host header and
// skips TLS verification, any other mode does neither.
func (c *Config) Rules(mode string) ([]router.Rule, error) {
	dev := IsDevelopment(mode)

	rules := make([]router.Rule, 0, len(c.Routes))
	for i, rt := range c.Routes {
		target, err := url.Parse(rt.Target)
		if err != nil {
			return nil, fmt.Errorf("routes[%d].target: %w", i, err)
		}
		rewrite, err := rt.rewrite()
		if err != nil {
			return nil, fmt.Errorf("routes[%d]: %w", i, err)
		}
		name := rt.Name
		if name == "" {
			name = rt.Match
		}
		rules = append(rules, router.Rule{
			Name:         name,
			Pattern:      strings.TrimSpace(rt.Match),
			Target:       target,
			Rewrite:      rewrite,
			ChangeOrigin: boolOr(rt.ChangeOrigin, dev),
			Secure:       boolOr(rt.Secure, !dev),
		})
	}
	return rules, nil
}

func (rt RouteConfig) rewrite() (router.RewriteFunc, error) {
	strip := boolOr(rt.StripPrefix, true)
	if strip && rt.AddPrefix == "" {
		// router.New installs the matching strip function.
		return nil, nil
	}

	var base router.RewriteFunc = router.KeepPath
	if strip {
		prefix, re, err := router.ParsePattern(strings.TrimSpace(rt.Match))
		if err != nil {
			return nil, err
		}
		if re != nil {
			base = router.StripMatch(re)
		} else {
			base = router.StripPrefix(prefix)
		}
	}
	if rt.AddPrefix == "" {
		return base, nil
	}
	return router.AddPrefix(rt.AddPrefix, base), nil
}

func boolOr(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}
