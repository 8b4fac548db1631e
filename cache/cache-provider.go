package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// CacheProvider is an interface for a cache provider.
// It stores and retrieves []byte values, which represent serialized responses.
// Expiry is relative: an entry set with a TTL is absent from Get once the TTL has elapsed.
// A TTL of zero or less stores an entry that is already expired.
//
// Implementations must be thread-safe!
type CacheProvider interface {
	// Get returns the cached value for the given key, if it exists.
	// It also returns a boolean indicating whether retrieval was successful.
	// If the cache entry has expired, the boolean should be false.
	Get(key string) ([]byte, bool, error)
	// Set stores the given value in the cache under the given key.
	// The entry expires after ttl.
	Set(key string, value []byte, ttl time.Duration) error
	// Close releases any resources held by the provider.
	Close() error
}

// Provider names accepted by New.
const (
	ProviderMemory    = "memory"
	ProviderSQLite    = "sqlite"
	ProviderMemcached = "memcached"
)

var ErrUnknownProvider = errors.New("unknown cache provider")

// Options configures the provider created by New.
// Only the fields relevant to the selected provider are used.
type Options struct {
	// Host and Port of the memcached server.
	Host string
	Port int
	// Path of the sqlite database file. Empty means in-memory.
	Path string
}

// New creates the named cache provider.
func New(provider string, opts Options) (CacheProvider, error) {
	switch provider {
	case ProviderMemory:
		return NewMemCache(), nil
	case ProviderSQLite:
		return NewSQLiteCache(opts.Path)
	case ProviderMemcached:
		return NewMemcachedCache(opts.Host, opts.Port), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
}

type memCacheEntry struct {
	expires time.Time
	bytes   []byte
}

// MemCache is an in-process provider.
// Expired entries are purged lazily when read.
type MemCache struct {
	mutex *sync.RWMutex
	db    map[string]memCacheEntry
	now   func() time.Time
}

type MemCacheOption func(*MemCache)

// WithClock replaces the clock used to compute and check expiry.
func WithClock(now func() time.Time) MemCacheOption {
	return func(m *MemCache) {
		m.now = now
	}
}

func NewMemCache(opts ...MemCacheOption) MemCache {
	m := MemCache{
		mutex: &sync.RWMutex{},
		db:    make(map[string]memCacheEntry),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

func (m MemCache) Get(key string) ([]byte, bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	entry, ok := m.db[key]
	if !ok {
		return nil, false, nil
	}
	if !m.now().Before(entry.expires) {
		delete(m.db, key)
		return nil, false, nil
	}
	return entry.bytes, true, nil
}

func (m MemCache) Set(key string, value []byte, ttl time.Duration) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.db[key] = memCacheEntry{m.now().Add(ttl), value}
	return nil
}

func (m MemCache) Close() error {
	return nil
}

// Len returns the number of stored entries, expired or not.
func (m MemCache) Len() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.db)
}

type SQLiteCache struct {
	db         *sql.DB
	writeMutex *sync.Mutex
	now        func() time.Time
}

// NewSQLiteCache creates a new cache with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteCache(filename string) (SQLiteCache, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteCache{}, fmt.Errorf("open sqlite cache: %w", err)
	}
	statements := []string{
		"CREATE TABLE IF NOT EXISTS cache (key TEXT PRIMARY KEY, expires INTEGER, bytes BLOB)",
		"CREATE INDEX IF NOT EXISTS expires_idx ON cache (expires)",
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteCache{}, fmt.Errorf("init sqlite cache: %w", err)
		}
	}
	return SQLiteCache{
		db:         db,
		writeMutex: &sync.Mutex{},
		now:        time.Now,
	}, nil
}

func (s SQLiteCache) Get(key string) ([]byte, bool, error) {
	var expires int64
	var bytes []byte
	err := s.db.QueryRow("SELECT expires, bytes FROM cache WHERE key = ?", key).Scan(&expires, &bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	now := s.now()
	if !now.Before(time.UnixMilli(expires)) {
		if err := s.purgeExpired(now); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
	return bytes, true, nil
}

// purgeExpired deletes every row that has expired at now.
func (s SQLiteCache) purgeExpired(now time.Time) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM cache WHERE expires <= ?", now.UnixMilli())
	return err
}

func (s SQLiteCache) Set(key string, value []byte, ttl time.Duration) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	expires := s.now().Add(ttl).UnixMilli()
	_, err := s.db.Exec("INSERT OR REPLACE INTO cache (key, expires, bytes) VALUES (?, ?, ?)", key, expires, value)
	return err
}

func (s SQLiteCache) Close() error {
	return s.db.Close()
}
