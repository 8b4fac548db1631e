package cachekey

import (
	"crypto/sha256"
	"fmt"
	"net/http"
	"strings"
)

// memcached rejects keys longer than this.
const memcachedMaxKeyLength = 250

const hashedPrefix = "sha256:"

// FromRequest returns the cache key for a request.
// The key is the request target as sent by the client (path and query).
// Host and port are not part of the key: all requests go to the same origin.
func FromRequest(r *http.Request) string {
	return FromPath(r.URL.RequestURI())
}

// FromPath normalizes a request path into a cache key.
// Paths without a leading slash get one, so the key can be appended to the origin URL.
func FromPath(path string) string {
	if !strings.HasPrefix(path, "/") {
		return "/" + path
	}
	return path
}

// Memcached returns a key that memcached will accept for the given cache key.
// Keys that are too long or contain whitespace or control characters are hashed.
func Memcached(key string) string {
	if len(key) <= memcachedMaxKeyLength && legalMemcachedKey(key) {
		return key
	}
	return fmt.Sprintf("%s%x", hashedPrefix, sha256.Sum256([]byte(key)))
}

func legalMemcachedKey(key string) bool {
	if key == "" {
		return false
	}
	for i := 0; i < len(key); i++ {
		if key[i] <= ' ' || key[i] == 0x7f {
			return false
		}
	}
	return true
}
