package upstream

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/storykit/devproxy/internal/router"
)

// HTTPProber abstracts *http.Client for testability.
type HTTPProber interface {
	Do(req *http.Request) (*http.Response, error)
}

// Result is the outcome of probing one distinct upstream target.
type Result struct {
	Target         string
	Rules          []string
	Secure         bool
	Reachable      bool
	HTTPCode       *int
	ResponseTimeMs int64
	Error          string
}

// Checker probes rule targets once at startup so a wrong port or a stopped
// backend shows up in the log before the first browser request. An
// unreachable upstream never stops the dev server.
type Checker struct {
	secure   HTTPProber
	insecure HTTPProber
	timeout  time.Duration
	logger   *slog.Logger
}

// NewChecker creates a checker. secure verifies TLS certificates; insecure is
// used for rules with secure=false. If logger is nil, a no-op logger is used.
func NewChecker(secure, insecure HTTPProber, timeout time.Duration, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Checker{
		secure:   secure,
		insecure: insecure,
		timeout:  timeout,
		logger:   logger,
	}
}

type probeKey struct {
	target string
	secure bool
}

// CheckRules probes each distinct (target, secure) pair concurrently and
// returns results in rule declaration order.
func (c *Checker) CheckRules(ctx context.Context, rules []router.Rule) []Result {
	var results []Result
	index := make(map[probeKey]int)
	for _, r := range rules {
		key := probeKey{target: r.Target.String(), secure: r.Secure}
		if i, ok := index[key]; ok {
			results[i].Rules = append(results[i].Rules, r.Name)
			continue
		}
		index[key] = len(results)
		results = append(results, Result{Target: key.target, Secure: r.Secure, Rules: []string{r.Name}})
	}

	var wg sync.WaitGroup
	wg.Add(len(results))
	for i := range results {
		go func(res *Result) {
			defer wg.Done()
			c.probe(ctx, res)
		}(&results[i])
	}
	wg.Wait()

	for _, res := range results {
		if res.Reachable {
			c.logger.Info("upstream reachable",
				"target", res.Target,
				"rules", res.Rules,
				"httpCode", *res.HTTPCode,
				"responseTimeMs", res.ResponseTimeMs,
			)
			continue
		}
		c.logger.Warn("upstream unreachable, requests to it will fail with 502",
			"target", res.Target,
			"rules", res.Rules,
			"error", res.Error,
		)
	}
	return results
}

// probe performs a single GET. Any HTTP response counts as reachable: the
// dev server relays upstream error statuses as they are.
func (c *Checker) probe(ctx context.Context, res *Result) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, res.Target, nil)
	if err != nil {
		res.Error = err.Error()
		return
	}

	client := c.secure
	if !res.Secure {
		client = c.insecure
	}

	start := time.Now()
	resp, err := client.Do(req)
	res.ResponseTimeMs = time.Since(start).Milliseconds()
	if err != nil {
		res.Error = err.Error()
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	code := resp.StatusCode
	res.HTTPCode = &code
	res.Reachable = true
}
