package cacheproxy

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// NewRouter returns the server's root handler.
// GET on any path goes to the proxy; other methods are answered with 405 by the proxy itself.
func NewRouter(p *CachingProxy) http.Handler {
	r := chi.NewRouter()
	r.Get("/*", p.ServeHTTP)
	r.MethodNotAllowed(p.ServeHTTP)
	r.NotFound(p.ServeHTTP)
	return r
}
