package cache

import (
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	cachekey "github.com/always-cache/cache-proxy/pkg/cache-key"
)

// Expiration values above this many seconds are read by memcached as a Unix timestamp.
const memcachedRelativeLimit = 60 * 60 * 24 * 30

// MemcachedMaxBodyBytes is the largest response body that fits a default memcached item (1 MiB),
// leaving room for the key, the item header and the stored status line.
const MemcachedMaxBodyBytes int64 = 1<<20 - 4<<10

// MemcachedCache stores entries in a memcached server.
// Keys that memcached cannot accept are hashed, see cachekey.Memcached.
type MemcachedCache struct {
	client *memcache.Client
	now    func() time.Time
}

func NewMemcachedCache(host string, port int) MemcachedCache {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	return MemcachedCache{
		client: memcache.New(addr),
		now:    time.Now,
	}
}

func (m MemcachedCache) Get(key string) ([]byte, bool, error) {
	item, err := m.client.Get(cachekey.Memcached(key))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return item.Value, true, nil
}

// Set stores the value with the TTL converted to memcached expiration.
// memcached reads an expiration of zero as "never", so non-positive TTLs delete the key.
func (m MemcachedCache) Set(key string, value []byte, ttl time.Duration) error {
	mkey := cachekey.Memcached(key)
	if ttl <= 0 {
		err := m.client.Delete(mkey)
		if errors.Is(err, memcache.ErrCacheMiss) {
			return nil
		}
		return err
	}
	return m.client.Set(&memcache.Item{
		Key:        mkey,
		Value:      value,
		Expiration: memcachedExpiration(ttl, m.now()),
	})
}

// Close is a no-op; idle connections are owned by the memcache client pool.
func (m MemcachedCache) Close() error {
	return nil
}

// memcachedExpiration converts a positive TTL to the memcached expiration field.
// Partial seconds round up so an entry never expires early.
func memcachedExpiration(ttl time.Duration, now time.Time) int32 {
	seconds := int64(ttl / time.Second)
	if ttl%time.Second != 0 {
		seconds++
	}
	if seconds > memcachedRelativeLimit {
		return int32(now.Unix() + seconds)
	}
	return int32(seconds)
}
