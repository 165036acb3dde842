package router

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	iradix "github.com/hashicorp/go-immutable-radix"
)

// RewriteFunc maps a matched request path to the path forwarded upstream.
// The path never includes the query string.
type RewriteFunc func(path string) string

// StripPrefix returns a RewriteFunc that removes exactly prefix from the
// front of the path and keeps the remainder unchanged.
func StripPrefix(prefix string) RewriteFunc {
	return func(path string) string {
		return strings.TrimPrefix(path, prefix)
	}
}

// StripMatch returns a RewriteFunc that removes the leading text matched by re.
// Paths where re does not match at offset 0 are returned unchanged.
func StripMatch(re *regexp.Regexp) RewriteFunc {
	return func(path string) string {
		loc := re.FindStringIndex(path)
		if loc == nil || loc[0] != 0 {
			return path
		}
		return path[loc[1]:]
	}
}

// Rule maps a path pattern to an upstream target.
type Rule struct {
	Name         string
	Pattern      string
	Target       *url.URL
	Rewrite      RewriteFunc
	ChangeOrigin bool
	Secure       bool
}

// Decision describes where a matched request is forwarded.
type Decision struct {
	Rule          string
	Target        *url.URL
	RewrittenPath string // rewritten path plus the original query suffix, verbatim
	ChangeOrigin  bool
	Secure        bool
}

// URL returns the full upstream URL: the target's base path joined with the
// rewritten path, and the original query string.
func (d Decision) URL() *url.URL {
	u := *d.Target
	p, query, hasQuery := strings.Cut(d.RewrittenPath, "?")

	joined := joinPath(d.Target.EscapedPath(), p)
	if unescaped, err := url.PathUnescape(joined); err == nil {
		u.Path = unescaped
		u.RawPath = joined
		if u.EscapedPath() != joined {
			u.RawPath = ""
		}
	} else {
		u.Path = joined
		u.RawPath = ""
	}

	u.RawQuery = query
	u.ForceQuery = hasQuery && query == ""
	u.Fragment = ""
	u.RawFragment = ""
	return &u
}

func joinPath(base, p string) string {
	switch {
	case p == "":
		if base == "" {
			return "/"
		}
		return base
	case base == "":
		if !strings.HasPrefix(p, "/") {
			return "/" + p
		}
		return p
	}
	aslash := strings.HasSuffix(base, "/")
	bslash := strings.HasPrefix(p, "/")
	switch {
	case aslash && bslash:
		return base + p[1:]
	case !aslash && !bslash:
		return base + "/" + p
	}
	return base + p
}

type compiledRule struct {
	Rule
	prefix string
	re     *regexp.Regexp
}

// Router resolves request paths against an ordered, immutable rule table.
// It is safe for concurrent use.
type Router struct {
	rules    []compiledRule
	prefixes *iradix.Tree // literal prefix -> lowest rule index
	patterns []int        // indices of regex rules, ascending
}

// ErrEmptyPattern is returned for rules without a usable path pattern.
var ErrEmptyPattern = errors.New("pattern must start with '/'")

// ParsePattern interprets a match pattern. Patterns without a leading '^' are
// always literal prefixes, metacharacters included. With a leading '^' the
// remainder is a literal prefix unless it carries regex metacharacters, in
// which case it is compiled as a regular expression anchored at the start.
func ParsePattern(pattern string) (prefix string, re *regexp.Regexp, err error) {
	p, anchored := strings.CutPrefix(pattern, "^")
	if !strings.HasPrefix(p, "/") {
		return "", nil, fmt.Errorf("%q: %w", pattern, ErrEmptyPattern)
	}
	if !anchored || regexp.QuoteMeta(p) == p {
		return p, nil, nil
	}
	re, err = regexp.Compile("^" + p)
	if err != nil {
		return "", nil, fmt.Errorf("%q: invalid pattern: %w", pattern, err)
	}
	return "", re, nil
}

// New compiles rules into a Router. Rule order is preserved; when several rules
// match a path the one declared first wins. Rules without a Rewrite get one that
// strips the matched prefix.
func New(rules []Rule) (*Router, error) {
	r := &Router{
		rules: make([]compiledRule, 0, len(rules)),
	}
	txn := iradix.New().Txn()

	var errs []error
	for i, rule := range rules {
		if rule.Target == nil || rule.Target.Scheme == "" || rule.Target.Host == "" {
			errs = append(errs, fmt.Errorf("rule %d (%s): target must be an absolute URL", i, rule.Pattern))
			continue
		}
		prefix, re, err := ParsePattern(rule.Pattern)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %d: %w", i, err))
			continue
		}
		if rule.Name == "" {
			rule.Name = rule.Pattern
		}
		rule.Target = cloneURL(rule.Target)
		if rule.Rewrite == nil {
			if re != nil {
				rule.Rewrite = StripMatch(re)
			} else {
				rule.Rewrite = StripPrefix(prefix)
			}
		}

		idx := len(r.rules)
		r.rules = append(r.rules, compiledRule{Rule: rule, prefix: prefix, re: re})
		if re != nil {
			r.patterns = append(r.patterns, idx)
			continue
		}
		// A repeated prefix can never win; keep the first declaration.
		if _, exists := txn.Get([]byte(prefix)); !exists {
			txn.Insert([]byte(prefix), idx)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	r.prefixes = txn.Commit()
	return r, nil
}

// Resolve returns the forwarding decision for the first rule matching path.
// path may carry a query string; it is never matched against and is kept
// verbatim on the rewritten path. ok is false when no rule matches and the
// request should be served locally.
func (r *Router) Resolve(path string) (Decision, bool) {
	p, query, hasQuery := strings.Cut(path, "?")

	best := -1
	r.prefixes.Root().WalkPath([]byte(p), func(_ []byte, v interface{}) bool {
		if i := v.(int); best < 0 || i < best {
			best = i
		}
		return false
	})
	for _, i := range r.patterns {
		if best >= 0 && i > best {
			break
		}
		if r.rules[i].re.MatchString(p) {
			best = i
			break
		}
	}
	if best < 0 {
		return Decision{}, false
	}

	rule := r.rules[best]
	rewritten := rule.Rewrite(p)
	if hasQuery {
		rewritten += "?" + query
	}
	return Decision{
		Rule:          rule.Name,
		Target:        cloneURL(rule.Target),
		RewrittenPath: rewritten,
		ChangeOrigin:  rule.ChangeOrigin,
		Secure:        rule.Secure,
	}, true
}

// Rules returns the rules in declaration order.
func (r *Router) Rules() []Rule {
	out := make([]Rule, len(r.rules))
	for i, rule := range r.rules {
		out[i] = rule.Rule
		out[i].Target = cloneURL(rule.Target)
	}
	return out
}

// cloneURL copies u so callers cannot reach the router's targets.
func cloneURL(u *url.URL) *url.URL {
	c := *u
	if u.User != nil {
		user := *u.User
		c.User = &user
	}
	return &c
}

// Len returns the number of rules.
func (r *Router) Len() int {
	return len(r.rules)
}

// KeepPath forwards the path unchanged.
func KeepPath(path string) string {
	return path
}

// AddPrefix returns a RewriteFunc that prepends prefix to the result of next.
func AddPrefix(prefix string, next RewriteFunc) RewriteFunc {
	return func(path string) string {
		rest := next(path)
		if rest == "" {
			return prefix
		}
		return joinPath(prefix, rest)
	}
}
