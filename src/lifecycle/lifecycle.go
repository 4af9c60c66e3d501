// Package lifecycle selects the caching backend for a session, owns the
// schema version, and runs the periodic sweep.
package lifecycle

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"offline-cache/src/bytestore"
	"offline-cache/src/cache"
	"offline-cache/src/cacheerr"
	"offline-cache/src/fallback"
	"offline-cache/src/intercept"
	"offline-cache/src/logging"
	"offline-cache/src/medium"
	"offline-cache/src/policy"
)

// Outcome is the installation result reported for diagnostics.
type Outcome string

const (
	Installed   Outcome = "installed"
	Failed      Outcome = "failed"
	Unsupported Outcome = "unsupported"
)

// Backend names the caching strategy selected for a session.
type Backend string

const (
	BackendIntercept Backend = "intercept"
	BackendFallback  Backend = "fallback"
)

// Item is one recent entry reported by Stats.
type Item struct {
	URL       string
	SizeBytes int64
	StoredAt  time.Time
}

// Stats is the backend-agnostic statistics view.
type Stats struct {
	Count     int
	TotalSize int64
	Items     []Item
}

// OfflineCache is implemented by both backends.
type OfflineCache interface {
	http.RoundTripper
	Backend() Backend
	Has(url string) bool
	Stats() (Stats, error)
	ClearAll() error
	Sweep() error
	Close() error
}

// Options configures a Manager.
type Options struct {
	BaseDir    string
	Driver     string
	Version    string
	MaxAge     time.Duration
	StatsLimit int
	SweepEvery time.Duration
	Logger     logging.Logger
	Now        func() time.Time

	InterceptMaxEntryBytes int64
	GenerationMaxBytes     int64
	StoreMaxEntryBytes     int64

	// Medium overrides the persisted medium of the fallback backend.
	Medium medium.Medium
}

// Manager owns the session's single OfflineCache.
type Manager struct {
	policy *policy.Engine
	net    http.RoundTripper
	opts   Options

	cache   OfflineCache
	outcome Outcome
}

// New returns a Manager; Start selects and initializes the backend.
func New(engine *policy.Engine, network http.RoundTripper, opts Options) *Manager {
	if network == nil {
		network = http.DefaultTransport
	}
	if opts.Version == "" {
		opts.Version = "v1"
	}
	if opts.SweepEvery <= 0 {
		opts.SweepEvery = 10 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &Manager{policy: engine, net: network, opts: opts}
}

// Installable reports whether the interception backend can run for origin:
// it needs an encrypted transport or a loopback host.
func Installable(origin *url.URL) bool {
	if strings.EqualFold(origin.Scheme, "https") {
		return true
	}
	host := origin.Hostname()
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Start initializes exactly one backend. It only fails when neither backend
// can be opened. An interception install failure is reported through
// Outcome; the last installed generation keeps serving if there is one,
// otherwise the interception cache passes requests through.
func (m *Manager) Start(ctx context.Context) (OfflineCache, error) {
	if m.cache != nil {
		return m.cache, nil
	}

	if Installable(m.policy.Origin()) {
		c, err := m.startIntercept(ctx)
		if err != nil {
			return nil, err
		}
		m.cache = c
	} else {
		m.outcome = Unsupported
		m.opts.Logger.Info("interception cache unsupported, using fallback store",
			map[string]interface{}{
				"origin": m.policy.Origin().String(),
				"reason": cacheerr.New(cacheerr.UnsupportedEnvironment, "origin is neither https nor loopback", nil).Error(),
			})
		c, err := m.startFallback()
		if err != nil {
			return nil, err
		}
		m.cache = c
	}

	m.opts.Logger.Info("offline cache started", map[string]interface{}{
		"backend": string(m.cache.Backend()),
		"outcome": string(m.outcome),
		"version": m.opts.Version,
	})
	return m.cache, nil
}

func (m *Manager) startIntercept(ctx context.Context) (OfflineCache, error) {
	store := cache.NewCacheManager(cache.CacheConfig{Driver: m.opts.Driver})
	if err := store.Init(m.opts.BaseDir, m.opts.GenerationMaxBytes, 0.8); err != nil {
		return nil, fmt.Errorf("init generation store: %w", err)
	}

	ic := m.newIntercept(store, m.opts.Version)

	m.outcome = Installed
	if err := ic.Install(ctx); err != nil {
		m.outcome = Failed
		m.opts.Logger.Error("interception cache install failed", err, map[string]interface{}{"version": m.opts.Version})

		if prev, ok := store.LatestInstalled(m.opts.Version); ok {
			pc := m.newIntercept(store, prev)
			if err := pc.Activate(); err != nil {
				m.opts.Logger.Error("failed to reactivate previous generation", err, map[string]interface{}{"generation": prev})
			} else {
				m.opts.Logger.Info("serving previous cache generation", map[string]interface{}{
					"generation": prev, "version": m.opts.Version,
				})
				ic = pc
			}
		}
	}
	return &interceptBackend{c: ic, store: store}, nil
}

func (m *Manager) newIntercept(store *cache.CacheManager, generation string) *intercept.Cache {
	return intercept.New(store, m.policy, m.net, intercept.Options{
		Generation:    generation,
		MaxEntryBytes: m.opts.InterceptMaxEntryBytes,
		StatsLimit:    m.opts.StatsLimit,
		Logger:        m.opts.Logger,
	})
}

func (m *Manager) startFallback() (OfflineCache, error) {
	med := m.opts.Medium
	var closer func() error
	if med == nil {
		s, err := medium.OpenSQLite(m.opts.Driver, filepath.Join(m.opts.BaseDir, "store.db"))
		if err != nil {
			return nil, fmt.Errorf("open fallback medium: %w", err)
		}
		med, closer = s, s.Close
	}

	store := bytestore.New(med, bytestore.Options{
		Version:       m.opts.Version,
		MaxAge:        m.opts.MaxAge,
		MaxEntryBytes: m.opts.StoreMaxEntryBytes,
		StatsLimit:    m.opts.StatsLimit,
		Now:           m.opts.Now,
		Logger:        m.opts.Logger,
	})
	d := fallback.New(store, m.policy, m.net, fallback.Options{
		MaxEntryBytes: store.MaxEntryBytes(),
		Logger:        m.opts.Logger,
	})
	return &fallbackBackend{d: d, store: store, closer: closer}, nil
}

// Outcome returns the installation result of the last Start.
func (m *Manager) Outcome() Outcome {
	return m.outcome
}

// Version returns the schema/generation version.
func (m *Manager) Version() string {
	return m.opts.Version
}

// Cache returns the started backend, or nil before Start.
func (m *Manager) Cache() OfflineCache {
	return m.cache
}

// ClearAll wipes the active backend synchronously.
func (m *Manager) ClearAll() error {
	if m.cache == nil {
		return fmt.Errorf("offline cache not started")
	}
	return m.cache.ClearAll()
}

// Run sweeps the backend every SweepEvery until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	if m.cache == nil {
		return
	}
	ticker := time.NewTicker(m.opts.SweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.cache.Sweep(); err != nil {
				m.opts.Logger.Error("periodic sweep failed", err, nil)
			}
		}
	}
}

// Close releases the backend.
func (m *Manager) Close() error {
	if m.cache == nil {
		return nil
	}
	err := m.cache.Close()
	m.cache = nil
	return err
}
