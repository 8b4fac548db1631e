package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startOrigin(t *testing.T) *httptest.Server {
	r := chi.NewRouter()
	r.Get("/created", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("made"))
	})
	r.Get("/missing", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	})
	r.Get("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
		w.Write([]byte("too late"))
	})
	r.Get("/big", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello world"))
	})
	r.Get("/redirect", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/created", http.StatusFound)
	})
	r.Get("/drop", func(w http.ResponseWriter, r *http.Request) {
		conn, _, err := w.(http.Hijacker).Hijack()
		if err == nil {
			conn.Close()
		}
	})
	r.Get("/garbage", func(w http.ResponseWriter, r *http.Request) {
		conn, buf, err := w.(http.Hijacker).Hijack()
		if err != nil {
			return
		}
		buf.WriteString("this is not http\r\n\r\n")
		buf.Flush()
		conn.Close()
	})
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return server
}

func TestFetchReturnsUpstreamStatus(t *testing.T) {
	origin := startOrigin(t)
	f := NewHTTPFetcher(Config{})

	status, body, err := f.Fetch(context.Background(), origin.URL+"/created")
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "made", string(body))

	status, _, err = f.Fetch(context.Background(), origin.URL+"/missing")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestFetchFollowsRedirects(t *testing.T) {
	origin := startOrigin(t)
	status, body, err := NewHTTPFetcher(Config{}).Fetch(context.Background(), origin.URL+"/redirect")
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "made", string(body))
}

func TestFetchConnectionRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	_, _, err = NewHTTPFetcher(Config{}).Fetch(context.Background(), fmt.Sprintf("http://%s/test", addr))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnection), "error: %v", err)
	assert.Equal(t, OutcomeConnection, Classify(err))
}

func TestFetchDroppedConnection(t *testing.T) {
	origin := startOrigin(t)
	_, _, err := NewHTTPFetcher(Config{}).Fetch(context.Background(), origin.URL+"/drop")
	require.Error(t, err)
	assert.Equal(t, OutcomeConnection, Classify(err), "error: %v", err)
}

func TestFetchTimeout(t *testing.T) {
	origin := startOrigin(t)
	f := NewHTTPFetcher(Config{Timeout: 100 * time.Millisecond})

	start := time.Now()
	_, _, err := f.Fetch(context.Background(), origin.URL+"/slow")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout), "error: %v", err)
	assert.Equal(t, OutcomeTimeout, Classify(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestFetchBodyTooLarge(t *testing.T) {
	origin := startOrigin(t)
	f := NewHTTPFetcher(Config{MaxBodyBytes: 4})

	_, _, err := f.Fetch(context.Background(), origin.URL+"/big")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBodyTooLarge))
	assert.Equal(t, OutcomeOther, Classify(err))
}

func TestFetchMalformedResponse(t *testing.T) {
	origin := startOrigin(t)
	_, _, err := NewHTTPFetcher(Config{}).Fetch(context.Background(), origin.URL+"/garbage")
	require.Error(t, err)
	assert.Equal(t, OutcomeOther, Classify(err), "error: %v", err)
}

func TestDefaults(t *testing.T) {
	f := NewHTTPFetcher(Config{})
	assert.Equal(t, DefaultTimeout, f.Timeout())
	assert.Equal(t, DefaultMaxBodyBytes, f.maxBodyBytes)
}

func TestClassifyTimeoutBeforeConnect(t *testing.T) {
	err := classify(context.DeadlineExceeded, false)
	assert.True(t, errors.Is(err, ErrConnection))
	err = classify(context.DeadlineExceeded, true)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Equal(t, OutcomeOK, Classify(nil))
}
