// Package api is the surface collaborators use: statistics for display,
// an explicit clear, and the HTTP transport/handler that route through the
// session's offline cache.
package api

import (
	"context"
	"fmt"
	"math"
	"net/http"

	"github.com/dustin/go-humanize"

	"offline-cache/src/config"
	"offline-cache/src/lifecycle"
	"offline-cache/src/logging"
	"offline-cache/src/policy"
)

// RecentItem is one entry in StatsView.
type RecentItem struct {
	URL       string `json:"url"`
	SizeBytes int64  `json:"sizeBytes"`
}

// StatsView is the statistics shape consumed by the display component.
type StatsView struct {
	Backend            string       `json:"backend"`
	Count              int          `json:"count"`
	TotalSize          int64        `json:"totalSize"`
	TotalSizeFormatted string       `json:"totalSizeFormatted"`
	RecentItems        []RecentItem `json:"recentItems"`
}

// Service wraps a started lifecycle.Manager.
type Service struct {
	manager *lifecycle.Manager
	engine  *policy.Engine
	cache   lifecycle.OfflineCache
	logger  logging.Logger
}

// Open builds the policy engine and lifecycle manager from cfg and starts
// the backend suited to the configured origin. network may be nil.
func Open(ctx context.Context, cfg config.Config, network http.RoundTripper, logger logging.Logger) (*Service, error) {
	if logger == nil {
		logger = logging.Nop()
	}

	pc, err := cfg.Policy()
	if err != nil {
		return nil, err
	}
	engine, err := policy.New(pc)
	if err != nil {
		return nil, fmt.Errorf("build policy: %w", err)
	}

	m := lifecycle.New(engine, network, lifecycle.Options{
		BaseDir:                cfg.BaseDir,
		Driver:                 cfg.SQLiteDriver,
		Version:                cfg.Version,
		MaxAge:                 cfg.MaxAge,
		StatsLimit:             cfg.StatsLimit,
		SweepEvery:             cfg.SweepInterval,
		Logger:                 logger,
		InterceptMaxEntryBytes: cfg.InterceptMaxEntryBytes,
		GenerationMaxBytes:     cfg.GenerationMaxBytes,
		StoreMaxEntryBytes:     cfg.StoreMaxEntryBytes,
	})
	return NewService(ctx, engine, m, logger)
}

// NewService starts m and wraps it.
func NewService(ctx context.Context, engine *policy.Engine, m *lifecycle.Manager, logger logging.Logger) (*Service, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	oc, err := m.Start(ctx)
	if err != nil {
		return nil, err
	}
	return &Service{manager: m, engine: engine, cache: oc, logger: logger}, nil
}

// GetStats reports the live entries of the active backend.
func (s *Service) GetStats() (StatsView, error) {
	st, err := s.cache.Stats()
	if err != nil {
		return StatsView{}, fmt.Errorf("collect stats: %w", err)
	}

	view := StatsView{
		Backend:            string(s.cache.Backend()),
		Count:              st.Count,
		TotalSize:          st.TotalSize,
		TotalSizeFormatted: FormatSize(st.TotalSize),
		RecentItems:        make([]RecentItem, 0, len(st.Items)),
	}
	for _, it := range st.Items {
		view.RecentItems = append(view.RecentItems, RecentItem{URL: it.URL, SizeBytes: it.SizeBytes})
	}
	return view, nil
}

// ClearAll wipes the active backend and reports whether it succeeded.
func (s *Service) ClearAll() error {
	if err := s.manager.ClearAll(); err != nil {
		s.logger.Error("clear cache failed", err, nil)
		return err
	}
	return nil
}

// Outcome returns the installation outcome of the session.
func (s *Service) Outcome() lifecycle.Outcome {
	return s.manager.Outcome()
}

// Transport returns the session's caching RoundTripper.
func (s *Service) Transport() http.RoundTripper {
	return s.cache
}

// Client returns an http.Client routed through the cache.
func (s *Service) Client() *http.Client {
	return &http.Client{Transport: s.cache}
}

// Handler serves the origin through the cache as a reverse proxy.
func (s *Service) Handler() http.Handler {
	return lifecycle.Proxy(s.engine.Origin(), s.cache, s.logger)
}

// Has reports whether the active backend holds an entry for raw, resolved
// against the origin.
func (s *Service) Has(raw string) (bool, error) {
	u, err := s.engine.Resolve(raw)
	if err != nil {
		return false, err
	}
	u.Fragment, u.RawFragment = "", ""
	return s.cache.Has(u.String()), nil
}

// Resolve resolves a possibly relative URL against the origin.
func (s *Service) Resolve(raw string) (string, error) {
	u, err := s.engine.Resolve(raw)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// Run performs periodic sweeps until ctx is done.
func (s *Service) Run(ctx context.Context) {
	s.manager.Run(ctx)
}

// Close drains pending writes and releases storage.
func (s *Service) Close() error {
	return s.manager.Close()
}

var sizeUnits = []string{"Bytes", "KB", "MB", "GB"}

// FormatSize renders a byte count for display in binary units with at most
// two decimals, e.g. "0 Bytes", "1 KB", "1.5 MB".
func FormatSize(n int64) string {
	if n <= 0 {
		return "0 Bytes"
	}
	v := float64(n)
	i := 0
	for v >= 1024 && i < len(sizeUnits)-1 {
		v /= 1024
		i++
	}
	return humanize.FtoaWithDigits(math.Round(v*100)/100, 2) + " " + sizeUnits[i]
}
