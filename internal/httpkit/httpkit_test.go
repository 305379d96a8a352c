package httpkit

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/wacli/internal/buildinfo"
)

// scriptedRT fails its first failures calls with err, then answers 200.
type scriptedRT struct {
	failures int
	err      error
	calls    int
	bodies   []string
}

func (s *scriptedRT) RoundTrip(req *http.Request) (*http.Response, error) {
	s.calls++
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		s.bodies = append(s.bodies, string(b))
	}
	if s.calls <= s.failures {
		return nil, s.err
	}
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(`{"response":"ok"}`))}, nil
}

func dialErr(errno syscall.Errno) error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: &net.OpError{Op: "connect", Err: errno}}
}

// newTransport returns the client transport with base swapped in.
func newTransport(base http.RoundTripper, opts ...Option) *transport {
	c := NewClient(opts...)
	tr := c.Transport.(*transport)
	tr.base = base
	return tr
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient()
	if c.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", c.Timeout)
	}
	tr, ok := c.Transport.(*transport)
	if !ok {
		t.Fatalf("Transport = %T, want *transport", c.Transport)
	}
	base := tr.base.(*http.Transport)
	if base.TLSHandshakeTimeout == 0 || base.IdleConnTimeout == 0 {
		t.Error("base transport should carry explicit timeouts")
	}
}

func TestNewClient_ZeroTimeoutForContextBoundCallers(t *testing.T) {
	if c := NewClient(WithTimeout(0)); c.Timeout != 0 {
		t.Errorf("Timeout = %v, want 0", c.Timeout)
	}
}

func TestHeaders(t *testing.T) {
	var gotUA, gotID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotID = r.Header.Get(RequestIDHeader)
	}))
	defer srv.Close()

	resp, err := NewClient(WithRequestID()).Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	DrainAndClose(resp.Body, 1024)

	if gotUA != buildinfo.UserAgent() {
		t.Errorf("User-Agent = %q, want %q", gotUA, buildinfo.UserAgent())
	}
	if _, err := uuid.Parse(gotID); err != nil {
		t.Errorf("%s = %q, want a UUID", RequestIDHeader, gotID)
	}
}

func TestHeaders_CallerValuesKept(t *testing.T) {
	var gotUA, gotID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotID = r.Header.Get(RequestIDHeader)
	}))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("User-Agent", "wactl-test")
	req.Header.Set(RequestIDHeader, "trace-42")
	resp, err := NewClient(WithRequestID()).Do(req)
	if err != nil {
		t.Fatal(err)
	}
	DrainAndClose(resp.Body, 1024)

	if gotUA != "wactl-test" || gotID != "trace-42" {
		t.Errorf("headers = %q, %q; want caller values", gotUA, gotID)
	}
}

func TestHeaders_NoRequestIDByDefault(t *testing.T) {
	var gotID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = r.Header.Get(RequestIDHeader)
	}))
	defer srv.Close()

	resp, err := NewClient().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	DrainAndClose(resp.Body, 1024)
	if gotID != "" {
		t.Errorf("%s = %q, want unset", RequestIDHeader, gotID)
	}
}

func TestRetry(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		err       error
		retries   int
		wantCalls int
		wantErr   bool
	}{
		{"connection refused then ok", 1, dialErr(syscall.ECONNREFUSED), 2, 2, false},
		{"host unreachable then ok", 2, dialErr(syscall.EHOSTUNREACH), 2, 3, false},
		{"network unreachable exhausts", 5, dialErr(syscall.ENETUNREACH), 2, 3, true},
		{"reset is not retried", 1, dialErr(syscall.ECONNRESET), 2, 1, true},
		{"plain error is not retried", 1, errors.New("tls: bad certificate"), 2, 1, true},
		{"retry disabled", 1, dialErr(syscall.ECONNREFUSED), 0, 1, true},
		{"success needs one call", 0, nil, 2, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := &scriptedRT{failures: tt.failures, err: tt.err}
			tr := newTransport(rt, WithRetry(tt.retries, time.Millisecond))

			req, _ := http.NewRequest(http.MethodGet, "http://brain.local/health", nil)
			resp, err := tr.RoundTrip(req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if resp != nil {
				resp.Body.Close()
			}
			if rt.calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", rt.calls, tt.wantCalls)
			}
		})
	}
}

func TestRetry_ReplaysBody(t *testing.T) {
	rt := &scriptedRT{failures: 1, err: dialErr(syscall.ECONNREFUSED)}
	tr := newTransport(rt, WithRetry(1, time.Millisecond))

	// NewRequest sets GetBody for strings.Reader bodies.
	req, _ := http.NewRequest(http.MethodPost, "http://brain.local/api/chat", strings.NewReader(`{"message":"hi"}`))
	resp, err := tr.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip() error: %v", err)
	}
	resp.Body.Close()

	if len(rt.bodies) != 2 || rt.bodies[0] != rt.bodies[1] {
		t.Errorf("bodies = %q, want the same body twice", rt.bodies)
	}
}

func TestRetry_UnrewindableBodyNotReplayed(t *testing.T) {
	rt := &scriptedRT{failures: 1, err: dialErr(syscall.ECONNREFUSED)}
	tr := newTransport(rt, WithRetry(3, time.Millisecond))

	req, _ := http.NewRequest(http.MethodPost, "http://brain.local/api/chat", io.NopCloser(strings.NewReader("x")))
	req.GetBody = nil
	if _, err := tr.RoundTrip(req); err == nil {
		t.Fatal("expected the dial error")
	}
	if rt.calls != 1 {
		t.Errorf("calls = %d, want 1", rt.calls)
	}
}

func TestRetry_ContextCancelledDuringPause(t *testing.T) {
	rt := &scriptedRT{failures: 10, err: dialErr(syscall.ECONNREFUSED)}
	tr := newTransport(rt, WithRetry(5, time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://brain.local/health", nil)

	start := time.Now()
	_, err := tr.RoundTrip(req)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > time.Second {
		t.Error("retry pause ignored the context")
	}
}

func TestReadErrorBody(t *testing.T) {
	got := ReadErrorBody(io.NopCloser(strings.NewReader("model overloaded, try later")), 14)
	if got != "model overload" {
		t.Errorf("ReadErrorBody() = %q", got)
	}
	if ReadErrorBody(nil, 10) != "" {
		t.Error("nil body should read as empty")
	}
}

type closeTracker struct {
	io.Reader
	closed bool
}

func (c *closeTracker) Close() error {
	c.closed = true
	return nil
}

func TestDrainAndClose(t *testing.T) {
	DrainAndClose(nil, 10)

	body := &closeTracker{Reader: strings.NewReader("leftover")}
	DrainAndClose(body, 1024)
	if !body.closed {
		t.Error("body not closed")
	}
}
