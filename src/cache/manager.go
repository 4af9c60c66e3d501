// Package cache stores response generations, one SQLite database file per
// generation under <BaseDir>/generations.
package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"offline-cache/src/sqlitedb"
)

var (
	ErrNotFound          = errors.New("cache entry not found")
	errInvalidGeneration = errors.New("invalid generation name")

	generationName = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
)

const dbExt = ".db"

func NewCacheManager(config CacheConfig) *CacheManager {
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &CacheManager{
		config: config,
		dbs:    make(map[string]*sql.DB),
		now:    now,
	}
}

func (cm *CacheManager) Init(baseDir string, maxSize int64, cap float64) error {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	if cap < 0 || cap > 0.95 {
		return fmt.Errorf("cap must be between 0 and 0.95, got %f", cap)
	}

	cm.config.BaseDir = baseDir
	cm.config.MaxSize = maxSize
	cm.config.Cap = cap

	if err := os.MkdirAll(cm.generationsDir(), 0755); err != nil {
		return fmt.Errorf("failed to create base directory: %w", err)
	}

	return nil
}

func (cm *CacheManager) generationsDir() string {
	return filepath.Join(cm.config.BaseDir, "generations")
}

func (cm *CacheManager) getDBPath(generation string) string {
	return filepath.Join(cm.generationsDir(), generation+dbExt)
}

func validGeneration(generation string) error {
	if !generationName.MatchString(generation) {
		return fmt.Errorf("%w: %q", errInvalidGeneration, generation)
	}
	return nil
}

func (cm *CacheManager) openDB(generation string) (*sql.DB, error) {
	if db, exists := cm.dbs[generation]; exists {
		return db, nil
	}

	db, err := sqlitedb.Open(cm.config.Driver, cm.getDBPath(generation), schema)
	if err != nil {
		return nil, err
	}

	cm.dbs[generation] = db
	return db, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	url TEXT PRIMARY KEY,
	status INTEGER NOT NULL,
	content_type TEXT NOT NULL DEFAULT '',
	headers TEXT NOT NULL DEFAULT '{}',
	content BLOB NOT NULL,
	size INTEGER NOT NULL,
	stored_at INTEGER NOT NULL,
	last_accessed INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_stored_at ON entries (stored_at);
CREATE INDEX IF NOT EXISTS idx_last_accessed ON entries (last_accessed);
CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

const installedKey = "installed_at"

// Create opens the generation, creating its database if needed.
func (cm *CacheManager) Create(generation string) error {
	if err := validGeneration(generation); err != nil {
		return err
	}

	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	_, err := cm.openDB(generation)
	return err
}

// Exists reports whether the generation has a database file.
func (cm *CacheManager) Exists(generation string) bool {
	if validGeneration(generation) != nil {
		return false
	}
	_, err := os.Stat(cm.getDBPath(generation))
	return err == nil
}

// MarkInstalled records that generation finished installing.
func (cm *CacheManager) MarkInstalled(generation string) error {
	if err := validGeneration(generation); err != nil {
		return err
	}

	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	db, err := cm.openDB(generation)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	_, err = db.Exec("INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)",
		installedKey, strconv.FormatInt(cm.now().UnixMilli(), 10))
	return err
}

// Installed reports whether generation is on disk and finished installing.
func (cm *CacheManager) Installed(generation string) bool {
	if !cm.Exists(generation) {
		return false
	}

	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	_, ok := cm.installedAt(generation)
	return ok
}

// LatestInstalled returns the most recently installed generation other than
// exclude.
func (cm *CacheManager) LatestInstalled(exclude string) (string, bool) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	names, err := cm.listGenerations()
	if err != nil {
		return "", false
	}

	var (
		latest string
		at     int64 = -1
	)
	for _, name := range names {
		if name == exclude || validGeneration(name) != nil {
			continue
		}
		if ts, ok := cm.installedAt(name); ok && ts > at {
			latest, at = name, ts
		}
	}
	return latest, at >= 0
}

func (cm *CacheManager) installedAt(generation string) (int64, bool) {
	db, err := cm.openDB(generation)
	if err != nil {
		return 0, false
	}
	var value string
	if err := db.QueryRow("SELECT value FROM meta WHERE key = ?", installedKey).Scan(&value); err != nil {
		return 0, false
	}
	ts, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, false
	}
	return ts, true
}

// Generations lists the generations present on disk, sorted by name.
func (cm *CacheManager) Generations() ([]string, error) {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	return cm.listGenerations()
}

func (cm *CacheManager) listGenerations() ([]string, error) {
	entries, err := os.ReadDir(cm.generationsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), dbExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(entry.Name(), dbExt))
	}
	sort.Strings(names)
	return names, nil
}

// DeleteOtherGenerations removes every generation except current and returns
// the names removed.
func (cm *CacheManager) DeleteOtherGenerations(current string) ([]string, error) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	names, err := cm.listGenerations()
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, name := range names {
		if name == current {
			continue
		}
		if err := cm.deleteLocked(name); err != nil {
			return removed, fmt.Errorf("failed to delete generation %s: %w", name, err)
		}
		removed = append(removed, name)
	}

	return removed, nil
}

// DeleteGeneration closes and removes one generation.
func (cm *CacheManager) DeleteGeneration(generation string) error {
	if err := validGeneration(generation); err != nil {
		return err
	}

	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	return cm.deleteLocked(generation)
}

func (cm *CacheManager) deleteLocked(generation string) error {
	if db, exists := cm.dbs[generation]; exists {
		db.Close()
		delete(cm.dbs, generation)
	}
	return sqlitedb.RemoveFiles(cm.getDBPath(generation))
}

func (cm *CacheManager) Close() error {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	var firstErr error
	for _, db := range cm.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	cm.dbs = make(map[string]*sql.DB)
	return firstErr
}
