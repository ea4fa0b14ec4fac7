package cloudevent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	t.Parallel()

	a := New("cronrun.run.created", "cronrun/jobs", "nightly-manual-1a2b3", map[string]any{"run": "x"})
	b := New("cronrun.run.created", "cronrun/jobs", "nightly-manual-1a2b3", nil)

	if a.SpecVersion != "1.0" || a.DataContentType != "application/json" {
		t.Errorf("unexpected envelope: %+v", a)
	}
	if a.ID == "" || a.ID == b.ID {
		t.Errorf("IDs must be unique and non-empty: %q, %q", a.ID, b.ID)
	}
	if a.Time.IsZero() || a.Time.Location() != time.UTC {
		t.Errorf("Time = %v, want UTC timestamp", a.Time)
	}
}

func TestSender_Send(t *testing.T) {
	t.Parallel()

	type received struct {
		header http.Header
		body   []byte
	}
	got := make(chan received, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- received{header: r.Header.Clone(), body: body}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	event := New("cronrun.run.succeeded", "cronrun/jobs", "run-1", map[string]any{"attempts": 3})
	sender := NewSender(time.Second)
	if err := sender.Send(context.Background(), server.URL, event, "secret"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	r := <-got
	if ct := r.header.Get("Content-Type"); ct != "application/cloudevents+json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if r.header.Get("Ce-Type") != event.Type || r.header.Get("Ce-Id") != event.ID || r.header.Get("Ce-Subject") != "run-1" {
		t.Errorf("CloudEvent headers = %v", r.header)
	}
	if !Verify(r.body, r.header.Get(SignatureHeader), "secret") {
		t.Errorf("signature %q does not verify", r.header.Get(SignatureHeader))
	}

	var decoded CloudEvent
	if err := json.Unmarshal(r.body, &decoded); err != nil {
		t.Fatalf("body is not a CloudEvent: %v", err)
	}
	if decoded.ID != event.ID || decoded.Data["attempts"] != float64(3) {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestSender_Unsigned(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(SignatureHeader) != "" {
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer server.Close()

	err := NewSender(time.Second).Send(context.Background(), server.URL, New("t", "s", "", nil), "")
	if err != nil {
		t.Errorf("Send() error = %v", err)
	}
}

func TestSender_HTTPError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	err := NewSender(time.Second).Send(context.Background(), server.URL, New("t", "s", "", nil), "")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("Send() error = %v, want HTTP 503", err)
	}
	if httpErr.Error() != "HTTP 503" {
		t.Errorf("Error() = %q", httpErr.Error())
	}
}

func TestVerify(t *testing.T) {
	t.Parallel()

	body := []byte(`{"id":"1"}`)
	sig := Signature(body, "k")

	tests := []struct {
		name string
		body []byte
		sig  string
		key  string
		want bool
	}{
		{"valid", body, sig, "k", true},
		{"wrong key", body, sig, "other", false},
		{"tampered body", []byte(`{"id":"2"}`), sig, "k", false},
		{"missing", body, "", "k", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Verify(tt.body, tt.sig, tt.key); got != tt.want {
				t.Errorf("Verify() = %v, want %v", got, tt.want)
			}
		})
	}
}
