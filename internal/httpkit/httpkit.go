// Package httpkit builds the outbound HTTP clients used for model,
// embedding and speech providers. Every client shares one pooled
// transport configuration with explicit dial and header timeouts and
// identifies itself with the evchat User-Agent.
package httpkit

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/nugget/evchat/internal/buildinfo"
)

const (
	dialTimeout           = 10 * time.Second
	keepAlive             = 30 * time.Second
	tlsHandshakeTimeout   = 10 * time.Second
	idleConnTimeout       = 90 * time.Second
	maxIdleConns          = 20
	maxIdleConnsPerHost   = 5
	defaultRequestTimeout = 60 * time.Second
)

// Option configures a client built by NewClient.
type Option func(*options)

type options struct {
	timeout        time.Duration
	headerTimeout  time.Duration
	userAgent      string
	dialRetries    int
	dialRetryDelay time.Duration
	logger         *slog.Logger
}

// WithTimeout sets the overall request timeout. Zero disables it, which
// long model generations and audio uploads sometimes need.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithResponseHeaderTimeout bounds the wait for response headers after the
// request has been written. Local model servers can take a while to load a
// model before the first byte.
func WithResponseHeaderTimeout(d time.Duration) Option {
	return func(o *options) { o.headerTimeout = d }
}

// WithUserAgent overrides the default User-Agent.
func WithUserAgent(ua string) Option {
	return func(o *options) { o.userAgent = ua }
}

// WithDialRetry retries requests that failed before any byte reached the
// server (connection refused, host or network unreachable). Requests with
// a body are only retried when the body can be rewound.
func WithDialRetry(count int, delay time.Duration) Option {
	return func(o *options) {
		o.dialRetries = count
		o.dialRetryDelay = delay
	}
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// NewTransport returns a pooled transport with bounded dial, TLS and
// header timeouts.
func NewTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: keepAlive,
		}).DialContext,
		TLSHandshakeTimeout: tlsHandshakeTimeout,
		IdleConnTimeout:     idleConnTimeout,
		MaxIdleConns:        maxIdleConns,
		MaxIdleConnsPerHost: maxIdleConnsPerHost,
		ForceAttemptHTTP2:   true,
	}
}

// NewClient builds an *http.Client on a fresh shared-default transport.
func NewClient(opts ...Option) *http.Client {
	o := &options{
		timeout:   defaultRequestTimeout,
		userAgent: buildinfo.UserAgent(),
		logger:    slog.Default(),
	}
	for _, fn := range opts {
		fn(o)
	}

	t := NewTransport()
	t.ResponseHeaderTimeout = o.headerTimeout

	var rt http.RoundTripper = &uaTransport{next: t, ua: o.userAgent}
	if o.dialRetries > 0 {
		rt = &dialRetryTransport{
			next:   rt,
			count:  o.dialRetries,
			delay:  o.dialRetryDelay,
			logger: o.logger,
		}
	}

	return &http.Client{Timeout: o.timeout, Transport: rt}
}

type uaTransport struct {
	next http.RoundTripper
	ua   string
}

func (t *uaTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.next.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.ua)
	return t.next.RoundTrip(req)
}

type dialRetryTransport struct {
	next   http.RoundTripper
	count  int
	delay  time.Duration
	logger *slog.Logger
}

func (t *dialRetryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)
	rewindable := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil

	for attempt := 1; attempt <= t.count && IsDialError(err) && rewindable; attempt++ {
		t.logger.Debug("retrying request after dial failure",
			"method", req.Method,
			"host", req.URL.Host,
			"attempt", attempt,
			"error", err,
		)

		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(t.delay):
		}

		retry := req.Clone(req.Context())
		if req.GetBody != nil {
			body, bodyErr := req.GetBody()
			if bodyErr != nil {
				return nil, fmt.Errorf("rewind request body: %w", bodyErr)
			}
			retry.Body = body
		}
		resp, err = t.next.RoundTrip(retry)
	}

	return resp, err
}

// IsDialError reports whether err is a connection-level failure that
// happened before the request reached the server.
func IsDialError(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case syscall.ECONNREFUSED, syscall.EHOSTUNREACH, syscall.ENETUNREACH:
		return true
	}
	return false
}

// DrainAndClose discards up to limit bytes from rc and closes it so the
// connection returns to the pool.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	_ = rc.Close()
}

// ReadErrorBody returns up to limit bytes of an error response body and
// releases the connection.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	DrainAndClose(rc, 4096)
	if err != nil {
		return fmt.Sprintf("(unreadable error body: %v)", err)
	}
	return string(body)
}
