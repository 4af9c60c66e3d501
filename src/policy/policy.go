// Package policy decides whether a resource is cached and with which strategy.
//
// The engine is a pure function of its configuration and the request URL; it
// holds no mutable state and is safe to share between the interception cache
// and the fallback dispatcher.
package policy

import (
	"fmt"
	"net/url"
	"strings"
)

// MatchKind selects how a Rule pattern is compared with a request path.
type MatchKind string

const (
	Prefix    MatchKind = "prefix"
	Suffix    MatchKind = "suffix"
	Substring MatchKind = "substring"
)

// Rule matches request paths.
type Rule struct {
	MatchKind MatchKind `yaml:"match"`
	Pattern   string    `yaml:"pattern"`
}

// Matches reports whether path satisfies the rule. Suffix rules ignore case.
func (r Rule) Matches(path string) bool {
	switch r.MatchKind {
	case Prefix:
		return strings.HasPrefix(path, r.Pattern)
	case Suffix:
		return strings.HasSuffix(strings.ToLower(path), strings.ToLower(r.Pattern))
	case Substring:
		return strings.Contains(path, r.Pattern)
	default:
		return false
	}
}

func (r Rule) validate() error {
	switch r.MatchKind {
	case Prefix, Suffix, Substring:
	default:
		return fmt.Errorf("unknown match kind %q", r.MatchKind)
	}
	if r.Pattern == "" {
		return fmt.Errorf("%s rule has an empty pattern", r.MatchKind)
	}
	return nil
}

// RuleSet matches a path when any of its rules does.
type RuleSet []Rule

func (rs RuleSet) Matches(path string) bool {
	for _, r := range rs {
		if r.Matches(path) {
			return true
		}
	}
	return false
}

// Strategy is the storage strategy chosen for a request.
type Strategy int

const (
	NetworkFirst Strategy = iota
	CacheFirst
)

func (s Strategy) String() string {
	if s == CacheFirst {
		return "cache-first"
	}
	return "network-first"
}

// Config is the process-wide policy configuration.
type Config struct {
	Origin       string   `yaml:"origin"`
	TrustedHosts []string `yaml:"trusted_hosts"`
	CacheFirst   []Rule   `yaml:"cache_first"`
	Bootstrap    []string `yaml:"bootstrap"`
}

// AssetPrefix is the path prefix of the content-addressed bundle assets.
const AssetPrefix = "/assets/"

var staticExtensions = []string{
	// scripts and styles
	".js", ".mjs", ".css",
	// images
	".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp", ".ico",
	// fonts
	".woff", ".woff2", ".ttf", ".otf", ".eot",
	// audio and video
	".mp3", ".ogg", ".wav", ".m4a", ".mp4", ".webm",
	// data
	".json", ".xml", ".wasm", ".zip",
}

// DefaultTrustedHosts are external font and CDN hosts whose assets may be cached.
var DefaultTrustedHosts = []string{
	"fonts.googleapis.com",
	"fonts.gstatic.com",
	"cdn.jsdelivr.net",
	"unpkg.com",
	"cdnjs.cloudflare.com",
}

// DefaultRules returns the bundle asset prefix plus the static-extension suffixes.
func DefaultRules() []Rule {
	rules := []Rule{{MatchKind: Prefix, Pattern: AssetPrefix}}
	for _, ext := range staticExtensions {
		rules = append(rules, Rule{MatchKind: Suffix, Pattern: ext})
	}
	return rules
}

// DefaultConfig returns the compiled-in policy for origin.
func DefaultConfig(origin string) Config {
	return Config{
		Origin:       origin,
		TrustedHosts: append([]string(nil), DefaultTrustedHosts...),
		CacheFirst:   DefaultRules(),
		Bootstrap:    []string{"/", "/index.html"},
	}
}

// Engine evaluates the policy for request URLs.
type Engine struct {
	origin     *url.URL
	trusted    map[string]struct{}
	cacheFirst RuleSet
	bootstrap  []string
}

// New validates cfg and builds an Engine.
func New(cfg Config) (*Engine, error) {
	origin, err := url.Parse(strings.TrimRight(cfg.Origin, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}
	if origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("origin must be an absolute URL, got %q", cfg.Origin)
	}

	for _, r := range cfg.CacheFirst {
		if err := r.validate(); err != nil {
			return nil, fmt.Errorf("invalid cache-first rule: %w", err)
		}
	}

	trusted := make(map[string]struct{}, len(cfg.TrustedHosts))
	for _, h := range cfg.TrustedHosts {
		trusted[strings.ToLower(strings.TrimSpace(h))] = struct{}{}
	}

	return &Engine{
		origin:     origin,
		trusted:    trusted,
		cacheFirst: append(RuleSet(nil), cfg.CacheFirst...),
		bootstrap:  append([]string(nil), cfg.Bootstrap...),
	}, nil
}

// Origin returns a copy of the application origin.
func (e *Engine) Origin() *url.URL {
	u := *e.origin
	return &u
}

// Bootstrap returns the paths pre-populated at installation.
func (e *Engine) Bootstrap() []string {
	return append([]string(nil), e.bootstrap...)
}

// Resolve parses raw relative to the origin.
func (e *Engine) Resolve(raw string) (*url.URL, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	return e.origin.ResolveReference(ref), nil
}

// SameOrigin reports whether u shares scheme and host with the origin.
// Relative URLs are same-origin.
func (e *Engine) SameOrigin(u *url.URL) bool {
	if u.Host == "" {
		return true
	}
	return strings.EqualFold(u.Scheme, e.origin.Scheme) && strings.EqualFold(u.Host, e.origin.Host)
}

// Trusted reports whether u's host is on the external allow-list.
func (e *Engine) Trusted(u *url.URL) bool {
	_, ok := e.trusted[strings.ToLower(u.Hostname())]
	return ok
}

// ShouldCache reports whether responses for u may be cached at all.
func (e *Engine) ShouldCache(u *url.URL) bool {
	return e.SameOrigin(u) || e.Trusted(u)
}

// SelectStrategy returns CacheFirst for bundle assets and static files.
func (e *Engine) SelectStrategy(u *url.URL) Strategy {
	path := u.Path
	if path == "" {
		path = "/"
	}
	if e.cacheFirst.Matches(path) {
		return CacheFirst
	}
	return NetworkFirst
}
