package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"sync/atomic"
	"syscall"
	"time"
)

const (
	// DefaultTimeout bounds a whole fetch, from dialing to the end of the body.
	DefaultTimeout = 20 * time.Second
	// DefaultMaxBodyBytes is the largest upstream body that is accepted.
	DefaultMaxBodyBytes int64 = 10 << 20
)

var (
	// ErrConnection means no response could be obtained because the connection
	// could not be established or was dropped by the upstream.
	ErrConnection = errors.New("upstream connection failed")
	// ErrTimeout means the connection was established but the response did not
	// complete within the timeout.
	ErrTimeout = errors.New("upstream timed out")
	// ErrBodyTooLarge means the upstream body exceeded the configured maximum.
	ErrBodyTooLarge = errors.New("upstream body too large")
)

// Fetcher performs a GET against an upstream URL.
// Errors are classified with ErrConnection and ErrTimeout where possible.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (status int, body []byte, err error)
}

type Config struct {
	// Timeout for a single fetch. DefaultTimeout if zero.
	Timeout time.Duration
	// MaxBodyBytes is the body size limit. DefaultMaxBodyBytes if zero.
	MaxBodyBytes int64
	// Transport to use. http.DefaultTransport if nil.
	Transport http.RoundTripper
}

type HTTPFetcher struct {
	client       http.Client
	timeout      time.Duration
	maxBodyBytes int64
}

func NewHTTPFetcher(config Config) *HTTPFetcher {
	f := &HTTPFetcher{
		client:       http.Client{Transport: config.Transport},
		timeout:      config.Timeout,
		maxBodyBytes: config.MaxBodyBytes,
	}
	if f.timeout <= 0 {
		f.timeout = DefaultTimeout
	}
	if f.maxBodyBytes <= 0 {
		f.maxBodyBytes = DefaultMaxBodyBytes
	}
	return f
}

// Timeout returns the bound applied to each fetch.
func (f *HTTPFetcher) Timeout() time.Duration {
	return f.timeout
}

// Fetch GETs the url and reads the full body.
// Redirects are followed; the final status is returned.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	var connected atomic.Bool
	ctx = httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		GotConn: func(httptrace.GotConnInfo) {
			connected.Store(true)
		},
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("create upstream request: %w", err)
	}
	res, err := f.client.Do(req)
	if err != nil {
		return 0, nil, classify(err, connected.Load())
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, f.maxBodyBytes+1))
	if err != nil {
		return 0, nil, classify(err, connected.Load())
	}
	if int64(len(body)) > f.maxBodyBytes {
		return 0, nil, fmt.Errorf("%w: more than %d bytes", ErrBodyTooLarge, f.maxBodyBytes)
	}
	return res.StatusCode, body, nil
}

// classify wraps err with ErrConnection or ErrTimeout when it matches one of them.
// A timeout before any connection was obtained counts as a connection failure.
func classify(err error, connected bool) error {
	switch {
	case isTimeout(err) && !connected:
		return fmt.Errorf("%w: %w", ErrConnection, err)
	case isTimeout(err):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	case isConnectionError(err):
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}
	return err
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isConnectionError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

// Outcome is the coarse result of a fetch, used for logging and metrics.
type Outcome string

const (
	OutcomeOK         Outcome = "ok"
	OutcomeConnection Outcome = "connection"
	OutcomeTimeout    Outcome = "timeout"
	OutcomeOther      Outcome = "other"
)

func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrConnection):
		return OutcomeConnection
	case errors.Is(err, ErrTimeout):
		return OutcomeTimeout
	default:
		return OutcomeOther
	}
}
