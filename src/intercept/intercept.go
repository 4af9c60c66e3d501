// Package intercept implements the interception cache: an http.RoundTripper
// that answers requests for the application origin (and trusted asset hosts)
// from the active cache generation, choosing cache-first or network-first per
// request.
package intercept

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"offline-cache/src/cache"
	"offline-cache/src/cacheerr"
	"offline-cache/src/capture"
	"offline-cache/src/logging"
	"offline-cache/src/policy"
)

// CacheHeader marks responses served from a cache.
const CacheHeader = "X-Cache"

const DefaultMaxEntryBytes = 10 << 20

// State is the lifecycle state of the cache's generation.
type State int

const (
	Installing State = iota
	Active
	Superseded
	Deleted
)

func (s State) String() string {
	switch s {
	case Installing:
		return "installing"
	case Active:
		return "active"
	case Superseded:
		return "superseded"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Options configures a Cache.
type Options struct {
	Generation    string
	MaxEntryBytes int64
	StatsLimit    int
	Logger        logging.Logger
	Tracer        trace.Tracer
}

// Cache is the interception cache for one generation.
type Cache struct {
	store  *cache.CacheManager
	policy *policy.Engine
	next   http.RoundTripper
	opts   Options

	mu    sync.RWMutex
	state State

	writes capture.Writes
}

var _ http.RoundTripper = (*Cache)(nil)

// New returns a Cache in the Installing state. next performs network fetches;
// nil means http.DefaultTransport.
func New(store *cache.CacheManager, engine *policy.Engine, next http.RoundTripper, opts Options) *Cache {
	if next == nil {
		next = http.DefaultTransport
	}
	if opts.Generation == "" {
		opts.Generation = "v1"
	}
	if opts.MaxEntryBytes <= 0 {
		opts.MaxEntryBytes = DefaultMaxEntryBytes
	}
	if opts.StatsLimit <= 0 {
		opts.StatsLimit = 10
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("offline-cache/intercept")
	}
	return &Cache{store: store, policy: engine, next: next, opts: opts, state: Installing}
}

// Generation returns the generation name this cache owns.
func (c *Cache) Generation() string {
	return c.opts.Generation
}

// State returns the current lifecycle state. A superseded generation whose
// storage has been removed reports Deleted.
func (c *Cache) State() State {
	c.mu.RLock()
	state := c.state
	c.mu.RUnlock()

	if state == Superseded && !c.store.Exists(c.opts.Generation) {
		return Deleted
	}
	return state
}

// Install creates the generation, stores the bootstrap documents and
// activates it. A generation that already finished installing is activated
// without touching the network. Any bootstrap failure discards the partial
// generation and leaves the cache in pass-through mode.
func (c *Cache) Install(ctx context.Context) error {
	gen := c.opts.Generation
	if c.store.Installed(gen) {
		c.opts.Logger.Info("cache generation already installed", map[string]interface{}{"generation": gen})
		return c.Activate()
	}

	if err := c.store.Create(gen); err != nil {
		return fmt.Errorf("create generation %s: %w", gen, err)
	}

	for _, path := range c.policy.Bootstrap() {
		if err := c.prefetch(ctx, path); err != nil {
			c.discard()
			return fmt.Errorf("bootstrap %s: %w", path, err)
		}
	}

	if err := c.store.MarkInstalled(gen); err != nil {
		c.discard()
		return fmt.Errorf("mark generation %s installed: %w", gen, err)
	}

	return c.Activate()
}

func (c *Cache) discard() {
	if err := c.store.DeleteGeneration(c.opts.Generation); err != nil {
		c.opts.Logger.Error("failed to discard partial generation", err,
			map[string]interface{}{"generation": c.opts.Generation})
	}
}

func (c *Cache) prefetch(ctx context.Context, path string) error {
	u, err := c.policy.Resolve(path)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}

	resp, err := c.next.RoundTrip(req)
	if err != nil {
		return cacheerr.New(cacheerr.TransientNetwork, "fetch "+u.String(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.opts.MaxEntryBytes+1))
	if err != nil {
		return cacheerr.New(cacheerr.TransientNetwork, "read "+u.String(), err)
	}
	if int64(len(data)) > c.opts.MaxEntryBytes {
		return cacheerr.New(cacheerr.Oversize, u.String(), nil)
	}

	return c.store.Put(c.opts.Generation, &cache.CacheEntry{
		URL:         cacheKey(req),
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Header:      storableHeader(resp.Header),
		Content:     data,
	})
}

// Activate makes this generation current and deletes every other one.
func (c *Cache) Activate() error {
	removed, err := c.store.DeleteOtherGenerations(c.opts.Generation)
	if err != nil {
		return fmt.Errorf("delete superseded generations: %w", err)
	}

	c.mu.Lock()
	c.state = Active
	c.mu.Unlock()

	c.opts.Logger.Info("cache generation activated", map[string]interface{}{
		"generation": c.opts.Generation,
		"superseded": removed,
	})
	return nil
}

// Supersede stops the cache from intercepting ahead of a newer generation's
// activation. Writes still pending for this generation are dropped.
func (c *Cache) Supersede() {
	c.mu.Lock()
	c.state = Superseded
	c.mu.Unlock()
}

// RoundTrip implements http.RoundTripper.
func (c *Cache) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet || c.State() != Active || !c.policy.ShouldCache(req.URL) {
		return c.next.RoundTrip(req)
	}

	strategy := c.policy.SelectStrategy(req.URL)
	key := cacheKey(req)

	ctx, span := c.opts.Tracer.Start(req.Context(), "intercept.RoundTrip",
		trace.WithAttributes(
			attribute.String("cache.key", key),
			attribute.String("cache.strategy", strategy.String()),
		))
	defer span.End()
	req = req.WithContext(ctx)

	var (
		resp *http.Response
		hit  bool
		err  error
	)
	if strategy == policy.CacheFirst {
		resp, hit, err = c.cacheFirst(req, key)
	} else {
		resp, hit, err = c.networkFirst(req, key)
	}

	span.SetAttributes(attribute.Bool("cache.hit", hit))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return resp, err
}

func (c *Cache) cacheFirst(req *http.Request, key string) (*http.Response, bool, error) {
	if resp, ok := c.lookup(req, key); ok {
		return resp, true, nil
	}

	resp, err := c.next.RoundTrip(req)
	if err != nil {
		return c.offline(req, key, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 400 &&
		resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusNotModified {
		c.storeOnRead(resp, key)
	}
	return resp, false, nil
}

func (c *Cache) networkFirst(req *http.Request, key string) (*http.Response, bool, error) {
	resp, err := c.next.RoundTrip(req)
	if err != nil {
		return c.offline(req, key, err)
	}

	if resp.StatusCode == http.StatusOK {
		c.storeOnRead(resp, key)
	}
	return resp, false, nil
}

// offline serves whatever the generation holds for key after a network
// failure, or reports the failure.
func (c *Cache) offline(req *http.Request, key string, fetchErr error) (*http.Response, bool, error) {
	if resp, ok := c.lookup(req, key); ok {
		c.opts.Logger.Info("network unavailable, serving cached copy", map[string]interface{}{"url": key})
		return resp, true, nil
	}
	return nil, false, cacheerr.New(cacheerr.TransientNetwork, "fetch "+key, fetchErr)
}

// lookup applies no age limit. A generation is pinned to one version and is
// invalidated as a whole when a newer one activates.
func (c *Cache) lookup(req *http.Request, key string) (*http.Response, bool) {
	entry, err := c.store.Get(c.opts.Generation, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			c.opts.Logger.Error("cache lookup failed", err, map[string]interface{}{"url": key})
		}
		return nil, false
	}
	return entryResponse(req, entry), true
}

// storeOnRead arranges for the body to be persisted once the consumer has
// read it completely.
func (c *Cache) storeOnRead(resp *http.Response, key string) {
	if resp.ContentLength > c.opts.MaxEntryBytes {
		c.logOversize(key, resp.ContentLength)
		return
	}

	status := resp.StatusCode
	contentType := resp.Header.Get("Content-Type")
	header := storableHeader(resp.Header)

	resp.Body = capture.Wrap(resp.Body, c.opts.MaxEntryBytes,
		func(data []byte) {
			c.writes.Go(func() {
				c.persist(&cache.CacheEntry{
					URL:         key,
					Status:      status,
					ContentType: contentType,
					Header:      header,
					Content:     data,
				})
			})
		},
		func(n int64) { c.logOversize(key, n) })
}

func (c *Cache) persist(entry *cache.CacheEntry) {
	if c.State() != Active {
		return
	}
	if err := c.store.Put(c.opts.Generation, entry); err != nil {
		c.opts.Logger.Error("failed to cache response", cacheerr.New(cacheerr.StorageQuota, "write "+entry.URL, err), nil)
		return
	}
	c.opts.Logger.Debug("cached response", map[string]interface{}{"url": entry.URL, "size": len(entry.Content)})
}

func (c *Cache) logOversize(key string, size int64) {
	c.opts.Logger.Info("response too large, not cached", map[string]interface{}{
		"url": key, "size": size, "limit": c.opts.MaxEntryBytes,
	})
}

// Stats returns the active generation's statistics.
func (c *Cache) Stats() (cache.GenerationStats, error) {
	return c.store.Stats(c.opts.Generation, c.opts.StatsLimit)
}

// Has reports whether the generation holds an entry for rawURL once pending
// writes have settled.
func (c *Cache) Has(rawURL string) bool {
	c.Wait()
	ok, err := c.store.Has(c.opts.Generation, rawURL)
	if err != nil {
		c.opts.Logger.Error("cache lookup failed", err, map[string]interface{}{"url": rawURL})
		return false
	}
	return ok
}

// Clear deletes the generation's stored entries. The cache stays active and
// repopulates on later requests.
func (c *Cache) Clear() error {
	c.Wait()
	n, err := c.store.Truncate(c.opts.Generation)
	if err != nil {
		return fmt.Errorf("clear generation %s: %w", c.opts.Generation, err)
	}
	c.opts.Logger.Info("cleared cache generation", map[string]interface{}{
		"generation": c.opts.Generation, "count": n,
	})
	return nil
}

// Wait blocks until pending cache writes have finished.
func (c *Cache) Wait() {
	c.writes.Wait()
}

func cacheKey(req *http.Request) string {
	u := *req.URL
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

var unstoredHeaders = []string{
	"Connection", "Content-Length", "Keep-Alive", "Set-Cookie",
	"Trailer", "Transfer-Encoding", "Upgrade", CacheHeader,
}

func storableHeader(h http.Header) http.Header {
	out := h.Clone()
	for _, k := range unstoredHeaders {
		out.Del(k)
	}
	return out
}

func entryResponse(req *http.Request, entry *cache.CacheEntry) *http.Response {
	header := entry.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if entry.ContentType != "" {
		header.Set("Content-Type", entry.ContentType)
	}
	header.Set("Content-Length", strconv.Itoa(len(entry.Content)))
	header.Set(CacheHeader, "HIT")

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", entry.Status, http.StatusText(entry.Status)),
		StatusCode:    entry.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(entry.Content)),
		ContentLength: int64(len(entry.Content)),
		Request:       req,
	}
}
