package fallback

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline-cache/src/bytestore"
	"offline-cache/src/cacheerr"
	"offline-cache/src/medium"
	"offline-cache/src/policy"
)

type fixture struct {
	server *httptest.Server
	hits   atomic.Int32
	store  *bytestore.Store
	disp   *Dispatcher
}

func newFixture(t *testing.T, maxEntry int64) *fixture {
	t.Helper()
	f := &fixture{}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		switch r.URL.Path {
		case "/assets/app.js":
			w.Header().Set("Content-Type", "text/javascript")
			w.Write(bytes.Repeat([]byte("j"), 1024))
		case "/assets/big.bin":
			w.Write(bytes.Repeat([]byte("b"), 2049))
		case "/missing":
			http.NotFound(w, r)
		default:
			w.Write([]byte("ok"))
		}
	}))
	t.Cleanup(f.server.Close)

	engine, err := policy.New(policy.DefaultConfig(f.server.URL))
	require.NoError(t, err)

	f.store = bytestore.New(medium.NewMemory(0), bytestore.Options{MaxEntryBytes: maxEntry})
	f.disp = New(f.store, engine, nil, Options{MaxEntryBytes: maxEntry})
	return f
}

func readAll(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return b
}

func TestMissThenHit(t *testing.T) {
	f := newFixture(t, 0)

	resp, err := f.disp.Fetch(t.Context(), "/assets/app.js", nil)
	require.NoError(t, err)
	assert.Empty(t, resp.Header.Get(CacheHeader))
	assert.Len(t, readAll(t, resp), 1024)
	f.disp.Wait()

	assert.True(t, f.store.Has(f.server.URL+"/assets/app.js"))

	resp, err = f.disp.Fetch(t.Context(), "/assets/app.js", nil)
	require.NoError(t, err)
	assert.Equal(t, "HIT", resp.Header.Get(CacheHeader))
	assert.Equal(t, "text/javascript", resp.Header.Get("Content-Type"))
	assert.Equal(t, "1024", resp.Header.Get("Content-Length"))
	assert.Equal(t, bytes.Repeat([]byte("j"), 1024), readAll(t, resp))
	assert.Equal(t, int32(1), f.hits.Load())
}

func TestNonGetBypassesCache(t *testing.T) {
	f := newFixture(t, 0)

	resp, err := f.disp.Fetch(t.Context(), "/assets/app.js", &FetchOptions{
		Method: http.MethodPost,
		Body:   strings.NewReader("payload"),
	})
	require.NoError(t, err)
	readAll(t, resp)
	f.disp.Wait()

	assert.Equal(t, 0, f.store.Stats().Count)
}

func TestCrossOriginBypassesCache(t *testing.T) {
	f := newFixture(t, 0)
	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("cdn"))
	}))
	t.Cleanup(other.Close)

	resp, err := f.disp.Fetch(t.Context(), other.URL+"/lib.js", nil)
	require.NoError(t, err)
	assert.Equal(t, "cdn", string(readAll(t, resp)))
	f.disp.Wait()

	assert.Equal(t, 0, f.store.Stats().Count)
}

func TestNon200IsNotStored(t *testing.T) {
	f := newFixture(t, 0)

	resp, err := f.disp.Fetch(t.Context(), "/missing", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	readAll(t, resp)
	f.disp.Wait()

	assert.Equal(t, 0, f.store.Stats().Count)
}

func TestOversizeServedNotStored(t *testing.T) {
	f := newFixture(t, 2048)

	resp, err := f.disp.Fetch(t.Context(), "/assets/big.bin", nil)
	require.NoError(t, err)
	assert.Len(t, readAll(t, resp), 2049)
	f.disp.Wait()

	assert.False(t, f.store.Has(f.server.URL+"/assets/big.bin"))
}

type failingTransport struct{}

func (failingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, errors.New("dial tcp: connection refused")
}

func TestNetworkFailurePropagates(t *testing.T) {
	engine, err := policy.New(policy.DefaultConfig("http://game.local"))
	require.NoError(t, err)
	store := bytestore.New(medium.NewMemory(0), bytestore.Options{})
	d := New(store, engine, failingTransport{}, Options{})

	_, err = d.Fetch(t.Context(), "/assets/app.js", nil)
	require.Error(t, err)
	assert.True(t, cacheerr.IsKind(err, cacheerr.TransientNetwork))

	require.NoError(t, store.Put("http://game.local/assets/app.js", []byte("cached"), "text/javascript"))
	resp, err := d.Fetch(t.Context(), "/assets/app.js", nil)
	require.NoError(t, err)
	assert.Equal(t, "cached", string(readAll(t, resp)))
}
