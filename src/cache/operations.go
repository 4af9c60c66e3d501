package cache

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Get returns the entry stored for url in generation and refreshes its
// access time. A generation that does not exist yields ErrNotFound.
func (cm *CacheManager) Get(generation, url string) (*CacheEntry, error) {
	if err := validGeneration(generation); err != nil {
		return nil, err
	}

	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	if _, open := cm.dbs[generation]; !open && !cm.Exists(generation) {
		return nil, ErrNotFound
	}

	db, err := cm.openDB(generation)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// UPDATE...RETURNING touches last_accessed and reads the row in one statement
	query := `UPDATE entries SET last_accessed = ? WHERE url = ?
	RETURNING status, content_type, headers, content, size, stored_at`

	var (
		entry    = CacheEntry{URL: url}
		headers  string
		storedAt int64
	)
	err = db.QueryRow(query, cm.now().UnixMilli(), url).
		Scan(&entry.Status, &entry.ContentType, &headers, &entry.Content, &entry.Size, &storedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to update and query cache: %w", err)
	}

	if err := json.Unmarshal([]byte(headers), &entry.Header); err != nil {
		entry.Header = http.Header{}
	}
	entry.StoredAt = time.UnixMilli(storedAt)
	return &entry, nil
}

// Put stores entry in generation, replacing any row for the same URL.
func (cm *CacheManager) Put(generation string, entry *CacheEntry) error {
	if err := validGeneration(generation); err != nil {
		return err
	}

	headers, err := json.Marshal(entry.Header)
	if err != nil {
		return fmt.Errorf("failed to encode headers: %w", err)
	}

	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	db, err := cm.openDB(generation)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	if err := cm.enforceSize(db); err != nil {
		return fmt.Errorf("failed to enforce size limits before insert: %w", err)
	}

	now := cm.now().UnixMilli()
	query := `
	INSERT OR REPLACE INTO entries (url, status, content_type, headers, content, size, stored_at, last_accessed)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	content := entry.Content
	if content == nil {
		content = []byte{}
	}
	_, err = db.Exec(query, entry.URL, entry.Status, entry.ContentType, string(headers),
		content, int64(len(content)), now, now)
	if err != nil {
		return fmt.Errorf("failed to insert cache entry: %w", err)
	}

	return nil
}

// Has reports whether generation holds an entry for url. Unlike Get it
// leaves the access time alone.
func (cm *CacheManager) Has(generation, url string) (bool, error) {
	if err := validGeneration(generation); err != nil {
		return false, err
	}

	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	if _, open := cm.dbs[generation]; !open && !cm.Exists(generation) {
		return false, nil
	}
	db, err := cm.openDB(generation)
	if err != nil {
		return false, fmt.Errorf("failed to open database: %w", err)
	}

	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM entries WHERE url = ?", url).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to query cache: %w", err)
	}
	return n > 0, nil
}

// Truncate deletes every entry of generation. The generation itself and its
// install record stay.
func (cm *CacheManager) Truncate(generation string) (int64, error) {
	if err := validGeneration(generation); err != nil {
		return 0, err
	}

	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	if _, open := cm.dbs[generation]; !open && !cm.Exists(generation) {
		return 0, nil
	}
	db, err := cm.openDB(generation)
	if err != nil {
		return 0, fmt.Errorf("failed to open database: %w", err)
	}

	res, err := db.Exec("DELETE FROM entries")
	if err != nil {
		return 0, fmt.Errorf("failed to delete entries: %w", err)
	}
	n, _ := res.RowsAffected()

	_, err = db.Exec("VACUUM")
	return n, err
}

// Delete removes url from generation.
func (cm *CacheManager) Delete(generation, url string) error {
	if err := validGeneration(generation); err != nil {
		return err
	}

	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	if _, open := cm.dbs[generation]; !open && !cm.Exists(generation) {
		return nil
	}
	db, err := cm.openDB(generation)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	_, err = db.Exec("DELETE FROM entries WHERE url = ?", url)
	return err
}

// Stats counts the entries of generation and lists the most recent ones.
func (cm *CacheManager) Stats(generation string, limit int) (GenerationStats, error) {
	var st GenerationStats
	if err := validGeneration(generation); err != nil {
		return st, err
	}

	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	if _, open := cm.dbs[generation]; !open && !cm.Exists(generation) {
		return st, nil
	}
	db, err := cm.openDB(generation)
	if err != nil {
		return st, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.QueryRow("SELECT COUNT(*), COALESCE(SUM(size), 0) FROM entries").
		Scan(&st.Count, &st.TotalSize); err != nil {
		return st, fmt.Errorf("failed to aggregate entries: %w", err)
	}

	rows, err := db.Query("SELECT url, size, stored_at FROM entries ORDER BY stored_at DESC, url LIMIT ?", limit)
	if err != nil {
		return st, fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var it Item
		var storedAt int64
		if err := rows.Scan(&it.URL, &it.Size, &storedAt); err != nil {
			return st, err
		}
		it.StoredAt = time.UnixMilli(storedAt)
		st.Items = append(st.Items, it)
	}
	return st, rows.Err()
}

func (cm *CacheManager) enforceSize(db *sql.DB) error {
	if cm.config.MaxSize <= 0 {
		return nil
	}

	var total int64
	if err := db.QueryRow("SELECT COALESCE(SUM(size), 0) FROM entries").Scan(&total); err != nil {
		return err
	}
	if total > cm.config.MaxSize {
		return cm.lruCleanup(db)
	}
	return nil
}

func (cm *CacheManager) lruCleanup(db *sql.DB) error {
	var totalCount int
	if err := db.QueryRow("SELECT COUNT(*) FROM entries").Scan(&totalCount); err != nil {
		return err
	}

	keepCount := int(float64(totalCount) * cm.config.Cap)
	deleteCount := totalCount - keepCount
	if deleteCount <= 0 {
		return nil
	}

	query := `
	DELETE FROM entries
	WHERE url IN (
		SELECT url FROM entries
		ORDER BY last_accessed ASC
		LIMIT ?
	)
	`
	if _, err := db.Exec(query, deleteCount); err != nil {
		return fmt.Errorf("failed to delete old entries: %w", err)
	}

	_, err := db.Exec("VACUUM")
	return err
}
