package cache

import (
	"database/sql"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// BucketProvider is an interface for a bucket-partitioned cache.
// It stores and retrieves []byte values, which represent HTTP responses,
// keyed by request URI within a named bucket. Bucket names carry a version
// suffix; removing a whole bucket is the only eviction mechanism.
//
// Implementations must be thread-safe!
type BucketProvider interface {
	// Open ensures the named bucket exists, creating it if needed.
	Open(bucket string) error
	// Get returns the cached response for the given key in the bucket,
	// if it exists. It also returns a boolean indicating whether
	// retrieval was successful.
	Get(bucket, key string) ([]byte, bool, error)
	// Put stores the given response under the key in the bucket,
	// creating the bucket if needed. An existing entry is overwritten.
	Put(bucket, key string, bytes []byte) error
	// Buckets returns the names of all existing buckets.
	Buckets() ([]string, error)
	// DropBucket deletes the named bucket and every entry in it.
	DropBucket(bucket string) error
	// Purge removes a single cache entry.
	Purge(bucket, key string)
}

type MemCache struct {
	mutex *sync.RWMutex
	db    map[string]map[string][]byte
}

func NewMemCache() MemCache {
	return MemCache{
		mutex: &sync.RWMutex{},
		db:    make(map[string]map[string][]byte),
	}
}

func (m MemCache) Open(bucket string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.db[bucket]; !ok {
		m.db[bucket] = make(map[string][]byte)
	}
	return nil
}

func (m MemCache) Get(bucket, key string) ([]byte, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	entries, ok := m.db[bucket]
	if !ok {
		return nil, false, nil
	}
	bytes, ok := entries[key]
	return bytes, ok, nil
}

func (m MemCache) Put(bucket, key string, bytes []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	entries, ok := m.db[bucket]
	if !ok {
		entries = make(map[string][]byte)
		m.db[bucket] = entries
	}
	entries[key] = bytes
	return nil
}

func (m MemCache) Buckets() ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, 0, len(m.db))
	for name := range m.db {
		names = append(names, name)
	}
	return names, nil
}

func (m MemCache) DropBucket(bucket string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.db, bucket)
	return nil
}

func (m MemCache) Purge(bucket, key string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if entries, ok := m.db[bucket]; ok {
		delete(entries, key)
	}
}

type SQLiteCache struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

func NewSQLiteCache(filename string) (SQLiteCache, error) {
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteCache{}, err
	}
	if _, err := db.Exec("CREATE TABLE IF NOT EXISTS buckets (name TEXT PRIMARY KEY)"); err != nil {
		return SQLiteCache{}, err
	}
	if _, err := db.Exec("CREATE TABLE IF NOT EXISTS cache (bucket TEXT NOT NULL, key TEXT NOT NULL, stored INTEGER, bytes BLOB, PRIMARY KEY (bucket, key))"); err != nil {
		return SQLiteCache{}, err
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return SQLiteCache{}, err
	}
	return SQLiteCache{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteCache) Open(bucket string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("INSERT OR IGNORE INTO buckets (name) VALUES (?)", bucket)
	return err
}

func (s SQLiteCache) Get(bucket, key string) ([]byte, bool, error) {
	var bytes []byte
	err := s.db.QueryRow("SELECT bytes FROM cache WHERE bucket = ? AND key = ?", bucket, key).Scan(&bytes)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return bytes, true, nil
}

func (s SQLiteCache) Put(bucket, key string, bytes []byte) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if _, err := s.db.Exec("INSERT OR IGNORE INTO buckets (name) VALUES (?)", bucket); err != nil {
		return err
	}
	_, err := s.db.Exec("INSERT OR REPLACE INTO cache (bucket, key, stored, bytes) VALUES (?, ?, ?, ?)",
		bucket, key, time.Now().Unix(), bytes)
	return err
}

func (s SQLiteCache) Buckets() ([]string, error) {
	rows, err := s.db.Query("SELECT name FROM buckets")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s SQLiteCache) DropBucket(bucket string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if _, err := s.db.Exec("DELETE FROM cache WHERE bucket = ?", bucket); err != nil {
		return err
	}
	_, err := s.db.Exec("DELETE FROM buckets WHERE name = ?", bucket)
	return err
}

func (s SQLiteCache) Purge(bucket, key string) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	s.db.Exec("DELETE FROM cache WHERE bucket = ? AND key = ?", bucket, key)
}
