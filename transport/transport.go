// Package transport implements the connection pool and retry policy
// (C2): a configured http.Transport with DNS shuffling, and a
// RoundTripper that retries idempotent methods on transient failures,
// re-signing each retried request since the Date header changes.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/guided-traffic/mantaclient/internal/telemetry"
)

// PoolConfig configures the underlying connection pool.
type PoolConfig struct {
	MaxConnections      int           // max total connections; per-route cap equals this
	ConnectTimeout      time.Duration // dial timeout
	SocketTimeout       time.Duration // read/write deadline per request; NewHTTPClient does not apply it
	TLSInsecureSkipVerify bool
}

// DefaultPoolConfig mirrors the reference client's defaults: modest
// pool size, no-delay sockets, 8KiB socket buffers, stale-connection
// checking disabled in favor of the retry policy catching the rare
// stale hit.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxConnections: 24,
		ConnectTimeout: 10 * time.Second,
		SocketTimeout:  0, // no per-request deadline beyond the pool's
	}
}

const socketBufferSize = 8 * 1024

// NewHTTPClient builds an *http.Client whose Transport shuffles
// resolved DNS addresses (to spread load across endpoints) and is
// tuned per PoolConfig. It does not include retry behavior; wrap its
// Transport with NewRetryRoundTripper for that.
func NewHTTPClient(cfg PoolConfig) *http.Client {
	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: 30 * time.Second,
		Resolver:  &net.Resolver{},
	}

	dialContext := func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := shufflingDial(ctx, dialer, network, addr)
		if err != nil {
			return nil, err
		}
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			_ = tcpConn.SetNoDelay(true)
			_ = tcpConn.SetReadBuffer(socketBufferSize)
			_ = tcpConn.SetWriteBuffer(socketBufferSize)
		}
		return conn, nil
	}

	rt := &http.Transport{
		DialContext:           dialContext,
		MaxConnsPerHost:       cfg.MaxConnections,
		MaxIdleConnsPerHost:   cfg.MaxConnections,
		MaxIdleConns:          cfg.MaxConnections,
		IdleConnTimeout:       90 * time.Second,
		DisableCompression:    false,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: cfg.TLSInsecureSkipVerify}, //nolint:gosec // opt-in only
		ExpectContinueTimeout: time.Second,
	}

	return &http.Client{
		Transport: rt,
		Timeout:   0, // per-request deadlines are carried on the request context
	}
}

// shufflingDial resolves addr and dials the resolved IPs in a
// shuffled order, so repeated connections spread load across the
// store's endpoints instead of hammering whichever address the
// resolver returned first.
func shufflingDial(ctx context.Context, dialer *net.Dialer, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return dialer.DialContext(ctx, network, addr)
	}
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil || len(ips) == 0 {
		// Fall back to the standard dialer, which performs its own
		// resolution; a lookup failure here is not necessarily fatal.
		return dialer.DialContext(ctx, network, addr)
	}

	shuffled := make([]net.IPAddr, len(ips))
	copy(shuffled, ips)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	var lastErr error
	for _, ip := range shuffled {
		conn, dialErr := dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
		if dialErr == nil {
			return conn, nil
		}
		lastErr = dialErr
	}
	return nil, lastErr
}

// RetryPolicy bounds how many times an idempotent request is retried
// on transient failure, and re-signs each retry attempt.
type RetryPolicy struct {
	MaxRetries int
	Resign     func(*http.Request) error
	logger     *logrus.Entry
}

// NewRetryRoundTripper wraps inner with retry-on-transient-failure
// behavior. maxRetries defaults to 3 if zero. resign is invoked
// before every attempt after the first, since the signed Date header
// must change on each retry.
func NewRetryRoundTripper(inner http.RoundTripper, maxRetries int, resign func(*http.Request) error) http.RoundTripper {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &retryRoundTripper{
		inner:      inner,
		maxRetries: maxRetries,
		resign:     resign,
		logger:     logrus.WithField("component", "retry_transport"),
	}
}

type retryRoundTripper struct {
	inner      http.RoundTripper
	maxRetries int
	resign     func(*http.Request) error
	logger     *logrus.Entry
}

func (rt *retryRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	// req.GetBody is nil for non-repeatable bodies; such a request is
	// retried only when req.Body is itself nil or http.NoBody
	// (GET/HEAD/DELETE-style calls), so the clone carries no body.
	var lastErr error
	attempts := 0
	for {
		attempts++
		attemptReq := req
		if attempts > 1 {
			attemptReq = req.Clone(req.Context())
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, err
				}
				attemptReq.Body = body
			}
			if rt.resign != nil {
				if err := rt.resign(attemptReq); err != nil {
					return nil, err
				}
			}
			rt.logger.WithFields(logrus.Fields{
				"attempt": attempts,
				"method":  req.Method,
				"url":     req.URL.String(),
			}).Warn("retrying request")
		}

		resp, err := rt.inner.RoundTrip(attemptReq)
		if err == nil {
			telemetry.RequestsTotal.WithLabelValues(req.Method, statusClass(resp.StatusCode)).Inc()
			return resp, nil
		}
		lastErr = err
		telemetry.RequestsTotal.WithLabelValues(req.Method, "error").Inc()

		nonRepeatableBody := req.GetBody == nil && req.Body != nil && req.Body != http.NoBody
		if !isIdempotent(req.Method) || !isRetriable(err) || attempts > rt.maxRetries || nonRepeatableBody {
			return nil, lastErr
		}
		telemetry.RetriesTotal.WithLabelValues(req.Method).Inc()
	}
}

// isIdempotent restricts retries to methods the store contract treats
// as safe to resend unchanged. POST (MPU initiate/commit/abort) is
// never retried here: a commit is irreversible, and re-sending an
// already-accepted abort or initiate against a finalized upload is not
// safe to paper over with a transport-level retry.
func isIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete:
		return true
	default:
		return false
	}
}

// statusClass buckets an HTTP status code into the "Nxx" label the
// requests-total metric is broken out by.
func statusClass(code int) string {
	return fmt.Sprintf("%dxx", code/100)
}

// isRetriable classifies transport failures per the spec's retry
// policy. InterruptedIO (context cancellation), unknown-host
// resolution failures, connection refusals, and TLS errors are never
// retried; all other I/O-class failures are.
func isRetriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if strings.Contains(opErr.Err.Error(), "connection refused") {
			return false
		}
	}
	var tlsErr *tls.RecordHeaderError
	if errors.As(err, &tlsErr) {
		return false
	}
	if strings.Contains(err.Error(), "tls:") || strings.Contains(err.Error(), "x509:") {
		return false
	}
	return true
}
