package cache

import (
	"database/sql"
	"net/http"
	"sync"
	"time"
)

type CacheConfig struct {
	BaseDir string
	Driver  string  // sqlitedb driver name
	MaxSize int64   // bytes per generation, 0 = unbounded
	Cap     float64 // fraction of entries kept by LRU cleanup (0~0.95)
	Now     func() time.Time
}

type CacheManager struct {
	config CacheConfig
	mutex  sync.RWMutex
	dbs    map[string]*sql.DB
	now    func() time.Time
}

// CacheEntry is a stored response.
type CacheEntry struct {
	URL         string
	Status      int
	ContentType string
	Header      http.Header
	Content     []byte
	Size        int64
	StoredAt    time.Time
}

type Item struct {
	URL      string
	Size     int64
	StoredAt time.Time
}

type GenerationStats struct {
	Count     int
	TotalSize int64
	Items     []Item
}
