package lifecycle

import (
	"net/http"

	"offline-cache/src/bytestore"
	"offline-cache/src/cache"
	"offline-cache/src/fallback"
	"offline-cache/src/intercept"
)

type interceptBackend struct {
	c     *intercept.Cache
	store *cache.CacheManager
}

var _ OfflineCache = (*interceptBackend)(nil)

func (b *interceptBackend) RoundTrip(req *http.Request) (*http.Response, error) {
	return b.c.RoundTrip(req)
}

func (b *interceptBackend) Backend() Backend { return BackendIntercept }

func (b *interceptBackend) Has(url string) bool {
	return b.c.Has(url)
}

func (b *interceptBackend) Stats() (Stats, error) {
	gs, err := b.c.Stats()
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Count: gs.Count, TotalSize: gs.TotalSize}
	for _, it := range gs.Items {
		st.Items = append(st.Items, Item{URL: it.URL, SizeBytes: it.Size, StoredAt: it.StoredAt})
	}
	return st, nil
}

func (b *interceptBackend) ClearAll() error {
	return b.c.Clear()
}

// Sweep removes generations left behind by earlier versions.
func (b *interceptBackend) Sweep() error {
	if b.c.State() != intercept.Active {
		return nil
	}
	_, err := b.store.DeleteOtherGenerations(b.c.Generation())
	return err
}

func (b *interceptBackend) Close() error {
	b.c.Wait()
	return b.store.Close()
}

type fallbackBackend struct {
	d      *fallback.Dispatcher
	store  *bytestore.Store
	closer func() error
}

var _ OfflineCache = (*fallbackBackend)(nil)

func (b *fallbackBackend) RoundTrip(req *http.Request) (*http.Response, error) {
	return b.d.RoundTrip(req)
}

func (b *fallbackBackend) Backend() Backend { return BackendFallback }

func (b *fallbackBackend) Has(url string) bool {
	b.d.Wait()
	return b.store.Has(url)
}

func (b *fallbackBackend) Stats() (Stats, error) {
	bs := b.store.Stats()
	st := Stats{Count: bs.Count, TotalSize: bs.TotalSize}
	for _, it := range bs.Items {
		st.Items = append(st.Items, Item{URL: it.URL, SizeBytes: it.Size, StoredAt: it.StoredAt})
	}
	return st, nil
}

func (b *fallbackBackend) ClearAll() error {
	b.d.Wait()
	_, err := b.store.Clear()
	return err
}

func (b *fallbackBackend) Sweep() error {
	b.store.Sweep()
	return nil
}

func (b *fallbackBackend) Close() error {
	b.d.Wait()
	if b.closer != nil {
		return b.closer()
	}
	return nil
}
