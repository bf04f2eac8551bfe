// Package http forwards requests to backend servers.
package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/jhofer-cloud/devproxy/pkg/config"
)

// ErrForwarding wraps every failure to obtain a response from a backend.
var ErrForwarding = errors.New("forwarding failed")

// Forwarder relays requests verbatim to a single backend. Only the Host
// header is rewritten.
type Forwarder struct {
	target  *url.URL
	host    string
	proxy   *httputil.ReverseProxy
	limiter *rate.Limiter
	logger  *slog.Logger
}

var forwardedHeaders = []string{"Forwarded", "X-Forwarded-For", "X-Forwarded-Host", "X-Forwarded-Proto"}

type errorSlotKey struct{}

// errorSlot carries the proxy error out of ReverseProxy.ErrorHandler, which
// has no return path of its own.
type errorSlot struct {
	err error
}

// NewForwarder creates a forwarder for backend
func NewForwarder(backend config.Backend, logger *slog.Logger) (*Forwarder, error) {
	target, err := config.ParseBackendAddr(backend.Addr)
	if err != nil {
		return nil, err
	}

	bytesPerSecond, err := config.ParseRateLimit(backend.Throttle)
	if err != nil {
		return nil, err
	}

	f := &Forwarder{
		target: target,
		host:   backend.GetHostHeader(),
		logger: logger,
	}

	// Throttle e.g. "500k" -> 500KB/s on response bodies
	if bytesPerSecond > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), int(bytesPerSecond))
	}

	f.proxy = &httputil.ReverseProxy{
		Rewrite:        f.rewrite,
		Transport:      newTransport(backend.GetTimeout()),
		FlushInterval:  -1,
		ErrorLog:       slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		ErrorHandler:   f.handleError,
		ModifyResponse: f.modifyResponse,
	}

	return f, nil
}

// Target returns the backend URL
func (f *Forwarder) Target() *url.URL {
	return f.target
}

// HostHeader returns the Host header sent to the backend
func (f *Forwarder) HostHeader() string {
	return f.host
}

// Forward relays r to the backend and streams the response to w. If no
// response could be obtained, nothing is written and an error wrapping
// ErrForwarding is returned so the caller can answer.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request) error {
	slot := &errorSlot{}
	ctx := context.WithValue(r.Context(), errorSlotKey{}, slot)

	f.proxy.ServeHTTP(w, r.WithContext(ctx))

	if slot.err != nil {
		return fmt.Errorf("%w: %s: %w", ErrForwarding, f.target.Host, slot.err)
	}
	return nil
}

func (f *Forwarder) rewrite(pr *httputil.ProxyRequest) {
	pr.SetURL(f.target)
	pr.Out.Host = f.host

	// ReverseProxy strips client-sent Forwarded and X-Forwarded-* before
	// Rewrite; put them back untouched.
	for _, key := range forwardedHeaders {
		if values, ok := pr.In.Header[key]; ok {
			pr.Out.Header[key] = values
		}
	}
}

func (f *Forwarder) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if slot, ok := r.Context().Value(errorSlotKey{}).(*errorSlot); ok {
		slot.err = err
		return
	}
	f.logger.Warn("Forwarding failed", "backend", f.target.Host, "error", err)
	w.WriteHeader(http.StatusBadGateway)
}

func (f *Forwarder) modifyResponse(resp *http.Response) error {
	if f.limiter != nil && resp.Body != nil {
		resp.Body = &rateLimitedReader{
			reader:  resp.Body,
			limiter: f.limiter,
			ctx:     resp.Request.Context(),
		}
	}
	return nil
}

func newTransport(timeout time.Duration) http.RoundTripper {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	if timeout > 0 {
		transport.DialContext = (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext
		transport.ResponseHeaderTimeout = timeout
	}
	return transport
}

// rateLimitedReader implements rate limiting for io.Reader
type rateLimitedReader struct {
	reader  io.ReadCloser
	limiter *rate.Limiter
	ctx     context.Context
}

func (r *rateLimitedReader) Read(p []byte) (n int, err error) {
	// WaitN rejects requests above the burst size
	if burst := r.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}

	if err := r.limiter.WaitN(r.ctx, len(p)); err != nil {
		return 0, err
	}

	return r.reader.Read(p)
}

func (r *rateLimitedReader) Close() error {
	return r.reader.Close()
}
