// Package bytestore is the fallback persisted cache: a size- and age-bounded
// mapping from resource URL to bytes, stored as JSON text records in a
// text-keyed medium.
//
// Keys are the store prefix followed by a base-36 rolling hash of the URL.
// Two URLs hashing to the same key overwrite each other; reads compare the
// stored URL so a collision surfaces as a miss, never as the wrong bytes.
package bytestore

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf16"

	"offline-cache/src/cacheerr"
	"offline-cache/src/logging"
	"offline-cache/src/medium"
)

const (
	DefaultPrefix        = "offline_cache_"
	DefaultMaxAge        = 7 * 24 * time.Hour
	DefaultMaxEntryBytes = 50 << 20
	DefaultStatsLimit    = 10
)

// Options configures a Store. Zero values take the defaults.
type Options struct {
	Prefix        string
	Version       string
	MaxAge        time.Duration
	MaxEntryBytes int64
	StatsLimit    int
	Now           func() time.Time
	Logger        logging.Logger
}

// Entry is a validated cache entry.
type Entry struct {
	URL         string
	Data        []byte
	ContentType string
	Size        int64
	StoredAt    time.Time
	Version     string
}

// Item is one row of Stats.
type Item struct {
	URL      string
	Size     int64
	StoredAt time.Time
}

// Stats summarizes the live entries.
type Stats struct {
	Count     int
	TotalSize int64
	Items     []Item
}

// record is the persisted JSON form of an entry.
type record struct {
	URL       string `json:"url"`
	Data      string `json:"data"`
	Type      string `json:"type"`
	Size      int64  `json:"size"`
	Timestamp int64  `json:"timestamp"`
	Version   string `json:"version"`
}

// Store is the byte store.
type Store struct {
	m    medium.Medium
	opts Options

	mu        sync.Mutex
	lastStamp int64
}

// New creates a Store over m.
func New(m medium.Medium, opts Options) *Store {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.Version == "" {
		opts.Version = "v1"
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.MaxEntryBytes <= 0 {
		opts.MaxEntryBytes = DefaultMaxEntryBytes
	}
	if opts.StatsLimit <= 0 {
		opts.StatsLimit = DefaultStatsLimit
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &Store{m: m, opts: opts}
}

// MaxEntryBytes returns the per-entry size cap.
func (s *Store) MaxEntryBytes() int64 {
	return s.opts.MaxEntryBytes
}

// Version returns the schema version entries are tagged with.
func (s *Store) Version() string {
	return s.opts.Version
}

// Put stores data under url. Oversize payloads and medium write failures are
// logged and returned; nothing is stored in either case.
func (s *Store) Put(url string, data []byte, contentType string) error {
	size := int64(len(data))
	if size > s.opts.MaxEntryBytes {
		s.opts.Logger.Info("payload too large, skipping cache", map[string]interface{}{
			"url": url, "size": size, "limit": s.opts.MaxEntryBytes,
		})
		return cacheerr.New(cacheerr.Oversize,
			fmt.Sprintf("%s is %d bytes, limit %d", url, size, s.opts.MaxEntryBytes), nil)
	}

	rec := record{
		URL:       url,
		Data:      base64.StdEncoding.EncodeToString(data),
		Type:      contentType,
		Size:      size,
		Timestamp: s.stamp(),
		Version:   s.opts.Version,
	}
	encoded, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	if err := s.m.SetItem(s.Key(url), string(encoded)); err != nil {
		s.opts.Logger.Error("failed to persist cache entry", err, map[string]interface{}{"url": url})
		return cacheerr.New(cacheerr.StorageQuota, "write "+url, err)
	}

	s.opts.Logger.Debug("cached resource", map[string]interface{}{"url": url, "size": size})
	s.Sweep()
	return nil
}

// Get returns the entry for url if it is present and valid. Invalid or
// corrupt records are deleted.
func (s *Store) Get(url string) (Entry, bool) {
	key := s.Key(url)
	raw, ok, err := s.m.GetItem(key)
	if err != nil {
		s.opts.Logger.Error("failed to read cache entry", err, map[string]interface{}{"url": url})
		return Entry{}, false
	}
	if !ok {
		return Entry{}, false
	}

	entry, err := s.decode(raw)
	if err != nil {
		s.opts.Logger.Error("dropping unreadable cache entry", err, map[string]interface{}{"url": url})
		s.remove(key)
		return Entry{}, false
	}
	if !s.valid(entry) {
		s.remove(key)
		return Entry{}, false
	}
	if entry.URL != url {
		return Entry{}, false
	}
	return entry, true
}

// Has reports whether a valid entry exists for url.
func (s *Store) Has(url string) bool {
	_, ok := s.Get(url)
	return ok
}

// Stats aggregates the live entries. Items are most recent first and capped
// to the configured limit; Count and TotalSize cover all live entries.
func (s *Store) Stats() Stats {
	var st Stats
	var items []Item

	for _, key := range s.keys() {
		raw, ok, err := s.m.GetItem(key)
		if err != nil || !ok {
			continue
		}
		entry, err := s.decode(raw)
		if err != nil || !s.valid(entry) {
			s.remove(key)
			continue
		}
		st.Count++
		st.TotalSize += entry.Size
		items = append(items, Item{URL: entry.URL, Size: entry.Size, StoredAt: entry.StoredAt})
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].StoredAt.After(items[j].StoredAt)
	})
	if len(items) > s.opts.StatsLimit {
		items = items[:s.opts.StatsLimit]
	}
	st.Items = items
	return st
}

// Sweep deletes every expired, stale-version or corrupt record and returns
// how many were removed.
func (s *Store) Sweep() int {
	removed := 0
	for _, key := range s.keys() {
		raw, ok, err := s.m.GetItem(key)
		if err != nil || !ok {
			continue
		}
		entry, err := s.decode(raw)
		if err == nil && s.valid(entry) {
			continue
		}
		if s.remove(key) {
			removed++
		}
	}
	if removed > 0 {
		s.opts.Logger.Info("swept expired cache entries", map[string]interface{}{"count": removed})
	}
	return removed
}

// Clear deletes every key under the store prefix.
func (s *Store) Clear() (int, error) {
	keys, err := s.m.Keys()
	if err != nil {
		return 0, fmt.Errorf("list keys: %w", err)
	}

	cleared := 0
	for _, key := range keys {
		if !strings.HasPrefix(key, s.opts.Prefix) {
			continue
		}
		if err := s.m.RemoveItem(key); err != nil {
			return cleared, fmt.Errorf("remove %s: %w", key, err)
		}
		cleared++
	}
	s.opts.Logger.Info("cleared cache", map[string]interface{}{"count": cleared})
	return cleared, nil
}

// Key returns the medium key for url.
func (s *Store) Key(url string) string {
	return s.opts.Prefix + hashString(url)
}

func (s *Store) keys() []string {
	keys, err := s.m.Keys()
	if err != nil {
		s.opts.Logger.Error("failed to list cache keys", err, nil)
		return nil
	}
	out := keys[:0]
	for _, k := range keys {
		if strings.HasPrefix(k, s.opts.Prefix) {
			out = append(out, k)
		}
	}
	return out
}

func (s *Store) remove(key string) bool {
	if err := s.m.RemoveItem(key); err != nil {
		s.opts.Logger.Error("failed to delete cache entry", err, map[string]interface{}{"key": key})
		return false
	}
	return true
}

func (s *Store) decode(raw string) (Entry, error) {
	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Entry{}, cacheerr.New(cacheerr.CorruptEntry, "parse record", err)
	}
	data, err := base64.StdEncoding.DecodeString(rec.Data)
	if err != nil {
		return Entry{}, cacheerr.New(cacheerr.CorruptEntry, "decode payload", err)
	}
	if int64(len(data)) != rec.Size {
		return Entry{}, cacheerr.New(cacheerr.CorruptEntry,
			fmt.Sprintf("size mismatch: recorded %d, payload %d", rec.Size, len(data)), nil)
	}
	return Entry{
		URL:         rec.URL,
		Data:        data,
		ContentType: rec.Type,
		Size:        rec.Size,
		StoredAt:    time.UnixMilli(rec.Timestamp),
		Version:     rec.Version,
	}, nil
}

func (s *Store) valid(e Entry) bool {
	return e.Version == s.opts.Version && s.opts.Now().Sub(e.StoredAt) < s.opts.MaxAge
}

// stamp returns a millisecond timestamp strictly greater than the previous one.
func (s *Store) stamp() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.opts.Now().UnixMilli()
	if now <= s.lastStamp {
		now = s.lastStamp + 1
	}
	s.lastStamp = now
	return now
}

// hashString is a 32-bit rolling hash (h*31 + c over UTF-16 code units)
// rendered as the base-36 form of its absolute value.
func hashString(str string) string {
	var h int32
	for _, c := range utf16.Encode([]rune(str)) {
		h = (h << 5) - h + int32(c)
	}
	abs := int64(h)
	if abs < 0 {
		abs = -abs
	}
	return strconv.FormatInt(abs, 36)
}
