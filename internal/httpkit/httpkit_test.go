package httpkit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestNewClient_Timeouts(t *testing.T) {
	if c := NewClient(); c.Timeout != defaultRequestTimeout {
		t.Errorf("default timeout = %v, want %v", c.Timeout, defaultRequestTimeout)
	}
	if c := NewClient(WithTimeout(0)); c.Timeout != 0 {
		t.Errorf("zero timeout = %v, want 0", c.Timeout)
	}
}

func TestNewClient_UserAgent(t *testing.T) {
	tests := []struct {
		name   string
		opts   []Option
		preset string
		want   string
	}{
		{name: "default", want: "evchat/dev"},
		{name: "override", opts: []Option{WithUserAgent("probe/1")}, want: "probe/1"},
		{name: "caller header wins", preset: "custom/2", want: "custom/2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = r.Header.Get("User-Agent")
			}))
			defer srv.Close()

			req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
			if tt.preset != "" {
				req.Header.Set("User-Agent", tt.preset)
			}
			resp, err := NewClient(tt.opts...).Do(req)
			if err != nil {
				t.Fatalf("Do: %v", err)
			}
			DrainAndClose(resp.Body, 1024)

			if got != tt.want {
				t.Errorf("User-Agent = %q, want %q", got, tt.want)
			}
		})
	}
}

type scriptedTransport struct {
	errs  []error
	calls int
}

func (s *scriptedTransport) RoundTrip(*http.Request) (*http.Response, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(""))}, nil
}

func dialErr(errno syscall.Errno) error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", errno)}
}

func TestDialRetryTransport(t *testing.T) {
	tests := []struct {
		name      string
		errs      []error
		count     int
		wantCalls int
		wantErr   bool
	}{
		{name: "success first try", errs: nil, count: 2, wantCalls: 1},
		{name: "recovers after refused", errs: []error{dialErr(syscall.ECONNREFUSED)}, count: 2, wantCalls: 2},
		{
			name:      "exhausts retries",
			errs:      []error{dialErr(syscall.EHOSTUNREACH), dialErr(syscall.EHOSTUNREACH), dialErr(syscall.EHOSTUNREACH)},
			count:     2,
			wantCalls: 3,
			wantErr:   true,
		},
		{name: "non-dial error not retried", errs: []error{errors.New("tls: bad certificate")}, count: 3, wantCalls: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := &scriptedTransport{errs: tt.errs}
			rt := &dialRetryTransport{next: st, count: tt.count, delay: time.Millisecond, logger: discardLogger()}

			req, _ := http.NewRequest(http.MethodGet, "http://example.invalid", nil)
			resp, err := rt.RoundTrip(req)
			if resp != nil {
				resp.Body.Close()
			}
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if st.calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", st.calls, tt.wantCalls)
			}
		})
	}
}

func TestDialRetryTransport_BodyWithoutGetBody(t *testing.T) {
	st := &scriptedTransport{errs: []error{dialErr(syscall.ECONNREFUSED)}}
	rt := &dialRetryTransport{next: st, count: 3, delay: time.Millisecond, logger: discardLogger()}

	req, _ := http.NewRequest(http.MethodPost, "http://example.invalid", io.NopCloser(strings.NewReader("x")))
	req.GetBody = nil
	if _, err := rt.RoundTrip(req); err == nil {
		t.Fatal("expected error when body cannot be rewound")
	}
	if st.calls != 1 {
		t.Errorf("calls = %d, want 1", st.calls)
	}
}

func TestDialRetryTransport_ContextCancelled(t *testing.T) {
	st := &scriptedTransport{errs: []error{dialErr(syscall.ECONNREFUSED), dialErr(syscall.ECONNREFUSED)}}
	rt := &dialRetryTransport{next: st, count: 5, delay: time.Hour, logger: discardLogger()}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://example.invalid", nil)

	if _, err := rt.RoundTrip(req); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestIsDialError(t *testing.T) {
	if IsDialError(nil) {
		t.Error("nil should not be a dial error")
	}
	if !IsDialError(dialErr(syscall.ENETUNREACH)) {
		t.Error("ENETUNREACH should be a dial error")
	}
	if IsDialError(dialErr(syscall.ECONNRESET)) {
		t.Error("ECONNRESET must not be retried")
	}
}

func TestReadErrorBody(t *testing.T) {
	if got := ReadErrorBody(nil, 10); got != "" {
		t.Errorf("nil body = %q", got)
	}
	got := ReadErrorBody(io.NopCloser(strings.NewReader("model not found: llama9")), 9)
	if got != "model not" {
		t.Errorf("truncated body = %q, want %q", got, "model not")
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
