// Package fallback routes same-origin GET requests through the byte store
// when the interception cache cannot be installed.
package fallback

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"offline-cache/src/bytestore"
	"offline-cache/src/cacheerr"
	"offline-cache/src/capture"
	"offline-cache/src/logging"
	"offline-cache/src/policy"
)

// CacheHeader marks responses synthesized from the byte store.
const CacheHeader = "X-Cache"

// Options configures a Dispatcher.
type Options struct {
	// MaxEntryBytes bounds how much of a response is buffered for storage.
	MaxEntryBytes int64
	Logger        logging.Logger
	Tracer        trace.Tracer
}

// FetchOptions mirrors the request options a caller may pass to Fetch.
type FetchOptions struct {
	Method string
	Header http.Header
	Body   io.Reader
}

// Dispatcher is a fetch wrapper backed by a bytestore.Store.
type Dispatcher struct {
	store  *bytestore.Store
	policy *policy.Engine
	next   http.RoundTripper
	opts   Options

	writes capture.Writes
}

var _ http.RoundTripper = (*Dispatcher)(nil)

// New returns a Dispatcher. next performs network fetches; nil means
// http.DefaultTransport.
func New(store *bytestore.Store, engine *policy.Engine, next http.RoundTripper, opts Options) *Dispatcher {
	if next == nil {
		next = http.DefaultTransport
	}
	if opts.MaxEntryBytes <= 0 {
		opts.MaxEntryBytes = bytestore.DefaultMaxEntryBytes
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("offline-cache/fallback")
	}
	return &Dispatcher{store: store, policy: engine, next: next, opts: opts}
}

// Fetch resolves rawURL against the origin and performs the request.
func (d *Dispatcher) Fetch(ctx context.Context, rawURL string, opts *FetchOptions) (*http.Response, error) {
	u, err := d.policy.Resolve(rawURL)
	if err != nil {
		return nil, err
	}

	method := http.MethodGet
	var body io.Reader
	var header http.Header
	if opts != nil {
		if opts.Method != "" {
			method = opts.Method
		}
		body = opts.Body
		header = opts.Header
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	for k, vs := range header {
		req.Header[k] = append([]string(nil), vs...)
	}
	return d.RoundTrip(req)
}

// RoundTrip implements http.RoundTripper.
func (d *Dispatcher) RoundTrip(req *http.Request) (*http.Response, error) {
	if !d.intercepts(req) {
		return d.next.RoundTrip(req)
	}

	key := cacheKey(req)
	ctx, span := d.opts.Tracer.Start(req.Context(), "fallback.RoundTrip",
		trace.WithAttributes(attribute.String("cache.key", key)))
	defer span.End()
	req = req.WithContext(ctx)

	if entry, ok := d.store.Get(key); ok {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		d.opts.Logger.Debug("served from cache", map[string]interface{}{"url": key})
		return entryResponse(req, entry), nil
	}
	span.SetAttributes(attribute.Bool("cache.hit", false))

	resp, err := d.next.RoundTrip(req)
	if err != nil {
		d.opts.Logger.Error("network request failed", err, map[string]interface{}{"url": key})
		span.RecordError(err)
		return nil, cacheerr.New(cacheerr.TransientNetwork, "fetch "+key, err)
	}

	if resp.StatusCode == http.StatusOK {
		d.storeOnRead(resp, key)
	}
	return resp, nil
}

func (d *Dispatcher) intercepts(req *http.Request) bool {
	if req.Method != http.MethodGet {
		return false
	}
	if req.Body != nil && req.Body != http.NoBody {
		return false
	}
	return d.policy.SameOrigin(req.URL)
}

func (d *Dispatcher) storeOnRead(resp *http.Response, key string) {
	if resp.ContentLength > d.opts.MaxEntryBytes {
		d.logOversize(key, resp.ContentLength)
		return
	}

	contentType := resp.Header.Get("Content-Type")
	resp.Body = capture.Wrap(resp.Body, d.opts.MaxEntryBytes,
		func(data []byte) {
			d.writes.Go(func() {
				// Put logs its own failures.
				_ = d.store.Put(key, data, contentType)
			})
		},
		func(n int64) { d.logOversize(key, n) })
}

func (d *Dispatcher) logOversize(key string, size int64) {
	d.opts.Logger.Info("payload too large, skipping cache", map[string]interface{}{
		"url": key, "size": size, "limit": d.opts.MaxEntryBytes,
	})
}

// Wait blocks until pending cache writes have finished.
func (d *Dispatcher) Wait() {
	d.writes.Wait()
}

func cacheKey(req *http.Request) string {
	u := *req.URL
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

func entryResponse(req *http.Request, entry bytestore.Entry) *http.Response {
	header := http.Header{}
	if entry.ContentType != "" {
		header.Set("Content-Type", entry.ContentType)
	}
	header.Set("Content-Length", strconv.FormatInt(entry.Size, 10))
	header.Set(CacheHeader, "HIT")

	return &http.Response{
		Status:        "200 OK (Cached)",
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(entry.Data)),
		ContentLength: entry.Size,
		Request:       req,
	}
}
