package cache

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	cachekey "github.com/always-cache/cache-proxy/pkg/cache-key"
)

type memcachedItem struct {
	value      []byte
	expiration int
}

// memcachedServer speaks enough of the memcached text protocol for the client:
// get, gets, set and delete. Expiration is recorded, not enforced.
type memcachedServer struct {
	mu    sync.Mutex
	items map[string]memcachedItem
	addr  *net.TCPAddr
}

func startMemcachedServer(t *testing.T) *memcachedServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Could not listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	srv := &memcachedServer{
		items: make(map[string]memcachedItem),
		addr:  ln.Addr().(*net.TCPAddr),
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.serve(conn)
		}
	}()
	return srv
}

func (srv *memcachedServer) serve(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "get", "gets":
			var reply strings.Builder
			srv.mu.Lock()
			for _, key := range fields[1:] {
				if item, ok := srv.items[key]; ok {
					fmt.Fprintf(&reply, "VALUE %s 0 %d\r\n%s\r\n", key, len(item.value), item.value)
				}
			}
			srv.mu.Unlock()
			reply.WriteString("END\r\n")
			io.WriteString(conn, reply.String())
		case "set":
			// set <key> <flags> <exptime> <bytes>
			if len(fields) < 5 {
				io.WriteString(conn, "ERROR\r\n")
				return
			}
			expiration, _ := strconv.Atoi(fields[3])
			size, _ := strconv.Atoi(fields[4])
			data := make([]byte, size+2)
			if _, err := io.ReadFull(r, data); err != nil {
				return
			}
			srv.mu.Lock()
			srv.items[fields[1]] = memcachedItem{value: data[:size], expiration: expiration}
			srv.mu.Unlock()
			io.WriteString(conn, "STORED\r\n")
		case "delete":
			srv.mu.Lock()
			_, ok := srv.items[fields[1]]
			delete(srv.items, fields[1])
			srv.mu.Unlock()
			if ok {
				io.WriteString(conn, "DELETED\r\n")
			} else {
				io.WriteString(conn, "NOT_FOUND\r\n")
			}
		default:
			io.WriteString(conn, "ERROR\r\n")
		}
	}
}

func (srv *memcachedServer) item(key string) (memcachedItem, bool) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	item, ok := srv.items[key]
	return item, ok
}

func newMemcachedTestCache(t *testing.T) (MemcachedCache, *memcachedServer) {
	srv := startMemcachedServer(t)
	return NewMemcachedCache(srv.addr.IP.String(), srv.addr.Port), srv
}

func TestMemcachedGetMissing(t *testing.T) {
	m, _ := newMemcachedTestCache(t)
	b, ok, err := m.Get("/nothing")
	if err != nil || ok || b != nil {
		t.Fatalf("Got %q %v %v", b, ok, err)
	}
}

func TestMemcachedSetGet(t *testing.T) {
	m, srv := newMemcachedTestCache(t)
	if err := m.Set("/test?q=1", []byte("hello"), 1500*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	b, ok, err := m.Get("/test?q=1")
	if err != nil || !ok || string(b) != "hello" {
		t.Fatalf("Got %q %v %v", b, ok, err)
	}
	item, ok := srv.item("/test?q=1")
	if !ok || item.expiration != 2 {
		t.Fatalf("Stored item %+v %v", item, ok)
	}
}

func TestMemcachedZeroTTLDeletes(t *testing.T) {
	m, srv := newMemcachedTestCache(t)
	m.Set("/test", []byte("hello"), time.Minute)
	if err := m.Set("/test", []byte("again"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok := srv.item("/test"); ok {
		t.Fatal("Item still stored after zero TTL")
	}
	if _, ok, _ := m.Get("/test"); ok {
		t.Fatal("Entry with zero TTL is present")
	}
}

func TestMemcachedZeroTTLOnMissingKey(t *testing.T) {
	m, _ := newMemcachedTestCache(t)
	if err := m.Set("/never-stored", []byte("x"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := m.Set("/never-stored", []byte("x"), -time.Second); err != nil {
		t.Fatalf("Set with negative TTL: %v", err)
	}
}

func TestMemcachedHashedKey(t *testing.T) {
	m, srv := newMemcachedTestCache(t)
	key := "/" + strings.Repeat("long", 100) + "?with space"
	if err := m.Set(key, []byte("hashed"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok := srv.item(cachekey.Memcached(key)); !ok {
		t.Fatal("Item not stored under hashed key")
	}
	b, ok, err := m.Get(key)
	if err != nil || !ok || string(b) != "hashed" {
		t.Fatalf("Got %q %v %v", b, ok, err)
	}
}

func TestMemcachedServerDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	m := NewMemcachedCache("127.0.0.1", port)
	if _, _, err := m.Get("/test"); err == nil {
		t.Fatal("Expected error from unreachable server")
	}
	if err := m.Set("/test", []byte("x"), time.Minute); err == nil {
		t.Fatal("Expected error from unreachable server")
	}
}
