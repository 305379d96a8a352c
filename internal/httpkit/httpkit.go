// Package httpkit builds the HTTP client used for every outbound call the
// bridge makes: the brain API, its health probe and the operator CLI's
// requests to the control plane.
//
// Retries here cover only dial-level failures (connection refused while
// the brain restarts, no route to host). Those happen before any bytes
// reach the server, so a POST can be replayed without duplicating work.
// Anything longer-lived is connwatch's concern.
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

	"github.com/google/uuid"

	"github.com/nugget/wacli/internal/buildinfo"
)

// RequestIDHeader carries a per-request correlation id so the brain's
// logs can be matched to the bridge's.
const RequestIDHeader = "X-Request-ID"

// Option configures a client built by NewClient.
type Option func(*options)

type options struct {
	timeout    time.Duration
	requestID  bool
	retries    int
	retryDelay time.Duration
	logger     *slog.Logger
}

// WithTimeout sets the overall request timeout. Zero disables it, for
// callers that bound each call with a context instead.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithRequestID stamps a fresh UUID in [RequestIDHeader] on every
// request that does not already carry one.
func WithRequestID() Option {
	return func(o *options) { o.requestID = true }
}

// WithRetry replays a request up to count more times after a dial-level
// error, waiting delay between attempts.
func WithRetry(count int, delay time.Duration) Option {
	return func(o *options) {
		o.retries = count
		o.retryDelay = delay
	}
}

// WithLogger sets a logger for retry diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// NewClient builds an *http.Client with a 30s default timeout and the
// bridge's User-Agent.
func NewClient(opts ...Option) *http.Client {
	o := options{timeout: 30 * time.Second}
	for _, fn := range opts {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}

	return &http.Client{
		Timeout: o.timeout,
		Transport: &transport{
			base: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
				IdleConnTimeout:     90 * time.Second,
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 4,
				ForceAttemptHTTP2:   true,
			},
			userAgent: buildinfo.UserAgent(),
			opts:      o,
		},
	}
}

// transport stamps headers and retries dial failures.
type transport struct {
	base      http.RoundTripper
	userAgent string
	opts      options
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = t.stamp(req)

	resp, err := t.base.RoundTrip(req)
	for attempt := 1; attempt <= t.opts.retries && err != nil && dialFailure(err); attempt++ {
		// A body that cannot be rewound cannot be replayed.
		if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
			break
		}
		t.opts.logger.Debug("retrying request after dial error",
			"method", req.Method,
			"url", req.URL.Redacted(),
			"attempt", attempt,
			"error", err,
		)
		if err := pause(req, t.opts.retryDelay); err != nil {
			return nil, err
		}

		retry := req.Clone(req.Context())
		if req.GetBody != nil {
			body, bodyErr := req.GetBody()
			if bodyErr != nil {
				return nil, fmt.Errorf("retry: rewind body: %w", bodyErr)
			}
			retry.Body = body
		}
		resp, err = t.base.RoundTrip(retry)
		if err == nil {
			t.opts.logger.Info("request succeeded after retry",
				"method", req.Method,
				"url", req.URL.Redacted(),
				"attempts", attempt+1,
			)
		}
	}
	return resp, err
}

// stamp returns req, or a clone of it with the User-Agent and request
// id filled in. Headers the caller set are kept.
func (t *transport) stamp(req *http.Request) *http.Request {
	needUA := req.Header.Get("User-Agent") == ""
	needID := t.opts.requestID && req.Header.Get(RequestIDHeader) == ""
	if !needUA && !needID {
		return req
	}
	req = req.Clone(req.Context())
	if needUA {
		req.Header.Set("User-Agent", t.userAgent)
	}
	if needID {
		req.Header.Set(RequestIDHeader, uuid.NewString())
	}
	return req
}

func pause(req *http.Request, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-req.Context().Done():
		return req.Context().Err()
	case <-timer.C:
		return nil
	}
}

// dialFailure reports errors raised before the server saw any bytes.
// ECONNRESET is not one: the request may already have been processed.
func dialFailure(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	return errno == syscall.ECONNREFUSED || errno == syscall.EHOSTUNREACH || errno == syscall.ENETUNREACH
}

// DrainAndClose reads up to limit bytes from rc and closes it so the
// connection returns to the pool.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// ReadErrorBody returns up to limit bytes of rc for an error message
// and closes it. Returns "" if rc is nil.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	DrainAndClose(rc, 1024)
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}
