package intercept

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline-cache/src/cache"
	"offline-cache/src/cacheerr"
	"offline-cache/src/policy"
)

var errOffline = errors.New("network is unreachable")

// switchTransport fails every request while offline is set.
type switchTransport struct {
	offline atomic.Bool
	calls   atomic.Int32
	next    http.RoundTripper
}

func (s *switchTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	s.calls.Add(1)
	if s.offline.Load() {
		return nil, errOffline
	}
	return s.next.RoundTrip(req)
}

type fixture struct {
	server    *httptest.Server
	store     *cache.CacheManager
	engine    *policy.Engine
	transport *switchTransport

	mu     sync.Mutex
	bodies map[string][]byte
}

func (f *fixture) setBody(path string, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bodies[path] = body
}

func (f *fixture) body(path string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bodies[path]
	return b, ok
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{bodies: map[string][]byte{
		"/":               []byte("<html>entry</html>"),
		"/index.html":     []byte("<html>mount</html>"),
		"/assets/app.css": bytes.Repeat([]byte("c"), 512),
		"/api/status":     []byte(`{"ok":true}`),
	}}

	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := f.body(r.URL.Path)
		if !ok {
			http.NotFound(w, r)
			return
		}
		switch {
		case strings.HasSuffix(r.URL.Path, ".css"):
			w.Header().Set("Content-Type", "text/css")
		case strings.HasPrefix(r.URL.Path, "/api/"):
			w.Header().Set("Content-Type", "application/json")
		default:
			w.Header().Set("Content-Type", "text/html")
		}
		w.Write(body)
	}))
	t.Cleanup(f.server.Close)

	f.store = cache.NewCacheManager(cache.CacheConfig{Driver: "sqlite3"})
	require.NoError(t, f.store.Init(t.TempDir(), 0, 0.8))
	t.Cleanup(func() { f.store.Close() })

	var err error
	f.engine, err = policy.New(policy.DefaultConfig(f.server.URL))
	require.NoError(t, err)

	f.transport = &switchTransport{next: http.DefaultTransport}
	return f
}

func (f *fixture) install(t *testing.T, opts Options) *Cache {
	t.Helper()
	c := New(f.store, f.engine, f.transport, opts)
	require.NoError(t, c.Install(t.Context()))
	require.Equal(t, Active, c.State())
	return c
}

func get(t *testing.T, rt http.RoundTripper, url string) (*http.Response, []byte, error) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := rt.RoundTrip(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body, nil
}

func TestInstallStoresBootstrapSet(t *testing.T) {
	f := newFixture(t)
	c := f.install(t, Options{Generation: "v1"})

	st, err := c.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, st.Count)

	f.transport.offline.Store(true)
	resp, body, err := get(t, c, f.server.URL+"/index.html")
	require.NoError(t, err)
	assert.Equal(t, "HIT", resp.Header.Get(CacheHeader))
	assert.Equal(t, []byte("<html>mount</html>"), body)
}

func TestInstallFailureLeavesPassThrough(t *testing.T) {
	f := newFixture(t)
	f.transport.offline.Store(true)

	c := New(f.store, f.engine, f.transport, Options{Generation: "v1"})
	require.Error(t, c.Install(t.Context()))
	assert.Equal(t, Installing, c.State())
	assert.False(t, f.store.Exists("v1"), "a partial generation is discarded")

	f.transport.offline.Store(false)
	resp, _, err := get(t, c, f.server.URL+"/assets/app.css")
	require.NoError(t, err)
	assert.Empty(t, resp.Header.Get(CacheHeader))

	c.Wait()
	st, err := c.Stats()
	require.NoError(t, err)
	assert.Equal(t, 0, st.Count)
}

func TestInstallReusesInstalledGeneration(t *testing.T) {
	f := newFixture(t)
	first := f.install(t, Options{Generation: "v1"})
	_, _, err := get(t, first, f.server.URL+"/assets/app.css")
	require.NoError(t, err)
	first.Wait()

	f.transport.offline.Store(true)
	calls := f.transport.calls.Load()

	again := New(f.store, f.engine, f.transport, Options{Generation: "v1"})
	require.NoError(t, again.Install(t.Context()))
	assert.Equal(t, Active, again.State())
	assert.Equal(t, calls, f.transport.calls.Load(), "an installed generation is not prefetched again")

	resp, body, err := get(t, again, f.server.URL+"/assets/app.css")
	require.NoError(t, err)
	assert.Equal(t, "HIT", resp.Header.Get(CacheHeader))
	assert.Len(t, body, 512)
}

func TestHas(t *testing.T) {
	f := newFixture(t)
	c := f.install(t, Options{Generation: "v1"})

	assert.True(t, c.Has(f.server.URL+"/index.html"))
	assert.False(t, c.Has(f.server.URL+"/assets/app.css"))

	_, _, err := get(t, c, f.server.URL+"/assets/app.css")
	require.NoError(t, err)
	assert.True(t, c.Has(f.server.URL+"/assets/app.css"))
}

func TestClearDuringConcurrentFetches(t *testing.T) {
	f := newFixture(t)
	c := f.install(t, Options{Generation: "v1"})

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			_, _, err := get(t, c, f.server.URL+"/assets/app.css")
			assert.NoError(t, err)
		})
		wg.Go(func() { assert.NoError(t, c.Clear()) })
	}
	wg.Wait()
	c.Wait()
	assert.Equal(t, Active, c.State())
}

func TestCacheFirstServesOfflineAfterFirstFetch(t *testing.T) {
	f := newFixture(t)
	c := f.install(t, Options{Generation: "v1"})

	resp, body, err := get(t, c, f.server.URL+"/assets/app.css")
	require.NoError(t, err)
	assert.Empty(t, resp.Header.Get(CacheHeader))
	assert.Len(t, body, 512)
	c.Wait()

	f.transport.offline.Store(true)
	calls := f.transport.calls.Load()

	resp, body, err = get(t, c, f.server.URL+"/assets/app.css")
	require.NoError(t, err)
	assert.Equal(t, "HIT", resp.Header.Get(CacheHeader))
	assert.Equal(t, "text/css", resp.Header.Get("Content-Type"))
	assert.Equal(t, bytes.Repeat([]byte("c"), 512), body)
	assert.Equal(t, calls, f.transport.calls.Load(), "cache hit must not touch the network")
}

func TestCachedEntriesDoNotExpireByAge(t *testing.T) {
	f := newFixture(t)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var clock atomic.Int64
	clock.Store(start.UnixMilli())

	f.store = cache.NewCacheManager(cache.CacheConfig{
		Driver: "sqlite3",
		Now:    func() time.Time { return time.UnixMilli(clock.Load()) },
	})
	require.NoError(t, f.store.Init(t.TempDir(), 0, 0.8))
	t.Cleanup(func() { f.store.Close() })

	c := f.install(t, Options{Generation: "v1"})
	_, _, err := get(t, c, f.server.URL+"/assets/app.css")
	require.NoError(t, err)
	c.Wait()

	clock.Store(start.Add(365 * 24 * time.Hour).UnixMilli())
	f.transport.offline.Store(true)

	resp, body, err := get(t, c, f.server.URL+"/assets/app.css")
	require.NoError(t, err)
	assert.Equal(t, "HIT", resp.Header.Get(CacheHeader))
	assert.Len(t, body, 512)
}

func TestNetworkFirst(t *testing.T) {
	f := newFixture(t)
	c := f.install(t, Options{Generation: "v1"})

	resp, body, err := get(t, c, f.server.URL+"/api/status")
	require.NoError(t, err)
	assert.Empty(t, resp.Header.Get(CacheHeader))
	assert.JSONEq(t, `{"ok":true}`, string(body))
	c.Wait()

	f.setBody("/api/status", []byte(`{"ok":false}`))
	_, body, err = get(t, c, f.server.URL+"/api/status")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":false}`, string(body), "online requests always go to the network")
	c.Wait()

	f.transport.offline.Store(true)
	resp, body, err = get(t, c, f.server.URL+"/api/status")
	require.NoError(t, err)
	assert.Equal(t, "HIT", resp.Header.Get(CacheHeader))
	assert.JSONEq(t, `{"ok":false}`, string(body))

	_, _, err = get(t, c, f.server.URL+"/api/never-fetched")
	require.Error(t, err)
	assert.True(t, cacheerr.IsKind(err, cacheerr.TransientNetwork))
	assert.ErrorIs(t, err, errOffline)
}

func TestSizeCap(t *testing.T) {
	f := newFixture(t)
	f.setBody("/assets/exact.bin", bytes.Repeat([]byte("e"), 1024))
	f.setBody("/assets/over.bin", bytes.Repeat([]byte("o"), 1025))
	c := f.install(t, Options{Generation: "v1", MaxEntryBytes: 1024})

	_, body, err := get(t, c, f.server.URL+"/assets/exact.bin")
	require.NoError(t, err)
	assert.Len(t, body, 1024)

	_, body, err = get(t, c, f.server.URL+"/assets/over.bin")
	require.NoError(t, err)
	assert.Len(t, body, 1025, "oversize responses are still served")
	c.Wait()

	f.transport.offline.Store(true)
	_, _, err = get(t, c, f.server.URL+"/assets/exact.bin")
	require.NoError(t, err)
	_, _, err = get(t, c, f.server.URL+"/assets/over.bin")
	require.Error(t, err)
}

func TestUntrustedCrossOriginPassesThrough(t *testing.T) {
	f := newFixture(t)
	c := f.install(t, Options{Generation: "v1"})

	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tracker"))
	}))
	t.Cleanup(other.Close)

	_, body, err := get(t, c, other.URL+"/pixel.js")
	require.NoError(t, err)
	assert.Equal(t, "tracker", string(body))
	c.Wait()

	st, err := c.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, st.Count, "only the bootstrap set is stored")
}

func TestNonGetPassesThrough(t *testing.T) {
	f := newFixture(t)
	c := f.install(t, Options{Generation: "v1"})

	req, err := http.NewRequest(http.MethodPost, f.server.URL+"/assets/app.css", strings.NewReader("x"))
	require.NoError(t, err)
	resp, err := c.RoundTrip(req)
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	c.Wait()

	st, err := c.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, st.Count)
}

func TestAbandonedBodyIsNotStored(t *testing.T) {
	f := newFixture(t)
	c := f.install(t, Options{Generation: "v1"})

	req, err := http.NewRequest(http.MethodGet, f.server.URL+"/assets/app.css", nil)
	require.NoError(t, err)
	resp, err := c.RoundTrip(req)
	require.NoError(t, err)
	buf := make([]byte, 16)
	_, err = resp.Body.Read(buf)
	require.NoError(t, err)
	resp.Body.Close()
	c.Wait()

	st, err := c.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, st.Count)
}

func TestActivationDeletesSupersededGeneration(t *testing.T) {
	f := newFixture(t)
	v1 := f.install(t, Options{Generation: "v1"})
	_, _, err := get(t, v1, f.server.URL+"/assets/app.css")
	require.NoError(t, err)
	v1.Wait()

	f.setBody("/assets/app.css", []byte("v2 styles"))
	v1.Supersede()
	v2 := f.install(t, Options{Generation: "v2"})

	assert.Equal(t, Deleted, v1.State())
	assert.False(t, f.store.Exists("v1"))
	names, err := f.store.Generations()
	require.NoError(t, err)
	assert.Equal(t, []string{"v2"}, names)

	_, body, err := get(t, v2, f.server.URL+"/assets/app.css")
	require.NoError(t, err)
	assert.Equal(t, "v2 styles", string(body))
	v2.Wait()

	f.transport.offline.Store(true)
	_, body, err = get(t, v2, f.server.URL+"/assets/app.css")
	require.NoError(t, err)
	assert.Equal(t, "v2 styles", string(body))
}

func TestClear(t *testing.T) {
	f := newFixture(t)
	c := f.install(t, Options{Generation: "v1"})

	require.NoError(t, c.Clear())
	st, err := c.Stats()
	require.NoError(t, err)
	assert.Equal(t, 0, st.Count)
	assert.Equal(t, Active, c.State())
	assert.True(t, f.store.Installed("v1"))

	_, _, err = get(t, c, f.server.URL+"/assets/app.css")
	require.NoError(t, err)
	c.Wait()
	st, err = c.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, st.Count)
}
