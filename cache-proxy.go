package cacheproxy

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/always-cache/cache-proxy/cache"
	cachekey "github.com/always-cache/cache-proxy/pkg/cache-key"
	"github.com/always-cache/cache-proxy/pkg/metrics"
	"github.com/always-cache/cache-proxy/pkg/upstream"
)

type Config struct {
	// Storage for cache entries.
	Cache cache.CacheProvider
	// Host and port of the upstream server.
	// Requests are forwarded to http://UpstreamHost:UpstreamPort{path}.
	UpstreamHost string
	UpstreamPort int
	// Time to live of every stored response, successful or not.
	// Zero means entries expire immediately.
	TTL time.Duration
	// Bound on a single upstream fetch. upstream.DefaultTimeout if zero.
	UpstreamTimeout time.Duration
	// Largest accepted upstream body. upstream.DefaultMaxBodyBytes if zero.
	MaxBodyBytes int64
	// Optional fetcher replacing the HTTP fetcher built from the fields above.
	Fetcher upstream.Fetcher
	// Collapse concurrent misses for the same path into a single upstream fetch.
	// Off by default: concurrent misses fetch independently and the last write wins.
	Coalesce bool
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Optional metrics sink.
	Metrics *metrics.Metrics
}

type CachingProxy struct {
	cache     cache.CacheProvider
	fetcher   upstream.Fetcher
	originURL string
	ttl       time.Duration
	log       zerolog.Logger
	metrics   *metrics.Metrics
	flights   *singleflight.Group
}

// CreateProxy initializes the caching proxy from its configuration.
// The configuration is not consulted again after this call.
func CreateProxy(config Config) *CachingProxy {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	originURL := "http://" + net.JoinHostPort(config.UpstreamHost, strconv.Itoa(config.UpstreamPort))

	// create a child logger and add defaults
	logger = logger.With().
		Str("origin", originURL).
		Logger()

	p := &CachingProxy{
		cache:     config.Cache,
		fetcher:   config.Fetcher,
		originURL: originURL,
		ttl:       config.TTL,
		log:       logger,
		metrics:   config.Metrics,
	}
	if p.fetcher == nil {
		p.fetcher = upstream.NewHTTPFetcher(upstream.Config{
			Timeout:      config.UpstreamTimeout,
			MaxBodyBytes: config.MaxBodyBytes,
		})
	}
	if config.Coalesce {
		p.flights = &singleflight.Group{}
	}
	return p
}

// ServeHTTP implements the http.Handler interface.
// Only GET is served; other methods get 405 and are neither fetched nor cached.
func (p *CachingProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := p.log.With().
		Str("request", uuid.New().String()).
		Str("method", r.Method).
		Str("path", r.URL.RequestURI()).
		Logger()
	// set once the status line may have reached the client
	var responding bool
	defer p.recover(w, &responding, log)

	var res Response
	var cs CacheStatus
	if r.Method != http.MethodGet {
		cs.Forward(CacheStatusFwdMethod)
		w.Header().Set("Allow", http.MethodGet)
		res = Response{StatusCode: http.StatusMethodNotAllowed}
	} else {
		res, cs = p.handle(cachekey.FromRequest(r), log)
	}

	responding = true
	if err := res.Write(w); err != nil {
		log.Error().Err(err).Msg("Could not write response body to client")
	}
	p.logRequest(log, r, res, cs)
}

// Handle produces the response for a request path.
// It serves a live cache entry verbatim, otherwise fetches from the upstream
// and caches the outcome, including synthesized error responses. It never fails.
func (p *CachingProxy) Handle(path string) Response {
	res, _ := p.handle(cachekey.FromPath(path), p.log)
	return res
}

type fetchResult struct {
	response Response
	stored   bool
}

func (p *CachingProxy) handle(key string, log zerolog.Logger) (Response, CacheStatus) {
	var cs CacheStatus
	if res, ok := p.lookup(key, log); ok {
		cs.Hit()
		return res, cs
	}
	cs.Forward(CacheStatusFwdUriMiss)

	if p.flights == nil {
		res, stored := p.fetchAndStore(key, log)
		cs.Stored = stored
		return res, cs
	}
	v, _, shared := p.flights.Do(key, func() (interface{}, error) {
		res, stored := p.fetchAndStore(key, log)
		return fetchResult{res, stored}, nil
	})
	result := v.(fetchResult)
	cs.Stored = result.stored
	cs.Shared = shared
	return result.response, cs
}

// lookup returns the live cached response for key.
// Backend errors and undecodable entries count as misses.
func (p *CachingProxy) lookup(key string, log zerolog.Logger) (Response, bool) {
	b, ok, err := p.cache.Get(key)
	if err != nil {
		p.metrics.RecordCacheError("get")
		log.Error().Err(err).Str("key", key).Msg("Could not retrieve from cache")
		return Response{}, false
	}
	if !ok {
		log.Trace().Str("key", key).Msg("Cache miss")
		return Response{}, false
	}
	res, err := responseFromBytes(b)
	if err != nil {
		p.metrics.RecordCacheError("decode")
		log.Warn().Err(err).Str("key", key).Msg("Could not read cached response")
		return Response{}, false
	}
	log.Trace().Str("key", key).Msg("Cache hit")
	return res, true
}

// fetchAndStore fetches key from the upstream and caches whatever comes back.
// The fetch is not tied to the client request: it runs until it completes or times out.
func (p *CachingProxy) fetchAndStore(key string, log zerolog.Logger) (Response, bool) {
	url := p.originURL + key
	log.Trace().Str("url", url).Msg("Forwarding to origin")

	start := time.Now()
	status, body, err := p.fetcher.Fetch(context.Background(), url)
	outcome := upstream.Classify(err)
	p.metrics.ObserveFetch(string(outcome), time.Since(start))

	res := responseFor(status, body, err)
	if err != nil {
		log.Info().Err(err).
			Str("url", url).
			Str("outcome", string(outcome)).
			Int("status", res.StatusCode).
			Msg("Could not fetch response from origin")
	}
	return res, p.store(key, res, log)
}

// responseFor maps a fetch result to the response returned to the client.
func responseFor(status int, body []byte, err error) Response {
	switch upstream.Classify(err) {
	case upstream.OutcomeOK:
		return Response{StatusCode: status, Body: body}
	case upstream.OutcomeConnection:
		return Response{StatusCode: http.StatusServiceUnavailable}
	case upstream.OutcomeTimeout:
		return Response{StatusCode: http.StatusRequestTimeout}
	default:
		return Response{StatusCode: http.StatusBadGateway}
	}
}

func (p *CachingProxy) store(key string, res Response, log zerolog.Logger) bool {
	b, err := res.bytes()
	if err != nil {
		p.metrics.RecordCacheError("encode")
		log.Error().Err(err).Str("key", key).Msg("Could not serialize response")
		return false
	}
	if err := p.cache.Set(key, b, p.ttl); err != nil {
		p.metrics.RecordCacheError("set")
		log.Error().Err(err).Str("key", key).Msg("Could not write to cache")
		return false
	}
	log.Trace().Str("key", key).Dur("ttl", p.ttl).Msg("Cache write")
	return true
}

// recover recovers from panics and answers with a plain 500,
// unless a response was already being written.
func (p *CachingProxy) recover(w http.ResponseWriter, responding *bool, log zerolog.Logger) {
	if err := recover(); err != nil {
		log.WithLevel(zerolog.PanicLevel).Interface("error", err).Msg("Panic in cache handler")
		if *responding {
			return
		}
		if err := (Response{StatusCode: http.StatusInternalServerError}).Write(w); err != nil {
			log.Error().Err(err).Msg("Could not write response body to client")
		}
	}
}

func (p *CachingProxy) logRequest(log zerolog.Logger, r *http.Request, res Response, cs CacheStatus) {
	isHit := 0
	if cs.Status == CacheStatusHit {
		isHit = 1
	}
	log.Debug().
		Str("sourceIp", getRequestSourceIp(r)).
		Int("code", res.StatusCode).
		Stringer("cacheStatus", cs).
		Int("hit", isHit).
		Int("bytes", len(res.Body)).
		Msg("Sending response to client")
	p.metrics.ObserveRequest(string(cs.Status), res.StatusCode)
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}
