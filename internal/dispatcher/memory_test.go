package dispatcher

import (
	"context"
	"cronrun/internal/testutil"
	"cronrun/pkg/cloudevent"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newEvent(url string) *Event {
	return &Event{
		Payload:     cloudevent.New("cronrun.run.created", "cronrun/jobs", "run-1", nil),
		Destination: url,
	}
}

func closeDispatcher(t *testing.T, d *MemoryDispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestMemoryDispatcher_Dispatch(t *testing.T) {
	t.Parallel()

	var received atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
	}))
	defer server.Close()

	d := NewMemory(MemoryConfig{BufferSize: 10}, nil)
	if err := d.Dispatch(newEvent(server.URL)); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	testutil.MustWaitForCount(t, &received, 1)
	testutil.MustWaitFor(t, func() bool { return d.Stats().Delivered == 1 })
	closeDispatcher(t, d)
}

func TestMemoryDispatcher_SingleAttempt(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	d := NewMemory(MemoryConfig{BufferSize: 10}, nil)
	_ = d.Dispatch(newEvent(server.URL))

	testutil.MustWaitFor(t, func() bool { return d.Stats().Failed == 1 })
	closeDispatcher(t, d)

	if got := attempts.Load(); got != 1 {
		t.Errorf("attempts = %d, want exactly 1", got)
	}
}

func TestMemoryDispatcher_MutesAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	d := NewMemory(MemoryConfig{BufferSize: 10, MaxFailures: 2}, nil)
	_ = d.Dispatch(newEvent(server.URL))
	_ = d.Dispatch(newEvent(server.URL))
	testutil.MustWaitFor(t, func() bool { return d.Stats().Muted })

	if err := d.Dispatch(newEvent(server.URL)); err != nil {
		t.Errorf("Dispatch() while muted error = %v, want nil", err)
	}
	closeDispatcher(t, d)

	stats := d.Stats()
	if attempts.Load() != 2 {
		t.Errorf("attempts = %d, want 2", attempts.Load())
	}
	if stats.Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", stats.Dropped)
	}
}

func TestMemoryDispatcher_SuccessResetsFailures(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// fail, succeed, fail, succeed...
		if calls.Add(1)%2 == 1 {
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer server.Close()

	d := NewMemory(MemoryConfig{BufferSize: 10, MaxFailures: 2}, nil)
	for range 4 {
		_ = d.Dispatch(newEvent(server.URL))
	}
	closeDispatcher(t, d)

	stats := d.Stats()
	if stats.Muted {
		t.Error("dispatcher muted although failures were never consecutive")
	}
	if stats.Delivered != 2 || stats.Failed != 2 {
		t.Errorf("stats = %+v, want 2 delivered and 2 failed", stats)
	}
}

func TestMemoryDispatcher_BufferFull(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()

	d := NewMemory(MemoryConfig{BufferSize: 1}, nil)

	var full bool
	for range 5 {
		if errors.Is(d.Dispatch(newEvent(server.URL)), ErrBufferFull) {
			full = true
		}
	}
	close(release)
	closeDispatcher(t, d)

	if !full {
		t.Error("expected ErrBufferFull")
	}
	if d.Stats().Dropped == 0 {
		t.Error("expected dropped events")
	}
}

func TestMemoryDispatcher_Signed(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var verified bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		verified = cloudevent.Verify(body, r.Header.Get(cloudevent.SignatureHeader), "key")
		mu.Unlock()
	}))
	defer server.Close()

	d := NewMemory(MemoryConfig{}, nil)
	event := newEvent(server.URL)
	event.SigningKey = "key"
	_ = d.Dispatch(event)
	closeDispatcher(t, d)

	mu.Lock()
	defer mu.Unlock()
	if !verified {
		t.Error("signature did not verify")
	}
}

func TestMemoryDispatcher_Closed(t *testing.T) {
	t.Parallel()

	d := NewMemory(MemoryConfig{}, nil)
	closeDispatcher(t, d)

	if err := d.Dispatch(newEvent("http://127.0.0.1:1")); !errors.Is(err, ErrClosed) {
		t.Errorf("Dispatch() after Close error = %v, want ErrClosed", err)
	}
	// Second close is a no-op.
	closeDispatcher(t, d)
}

func TestExtractHost(t *testing.T) {
	t.Parallel()

	tests := []struct {
		rawURL string
		want   string
	}{
		{"http://localhost:8080/webhook?token=abc", "localhost:8080"},
		{"https://example.com/callback", "example.com"},
		{"://invalid", "://invalid"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := extractHost(tt.rawURL); got != tt.want {
			t.Errorf("extractHost(%q) = %q, want %q", tt.rawURL, got, tt.want)
		}
	}
}
