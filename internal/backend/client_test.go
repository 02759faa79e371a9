package backend_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/backend"
	"github.com/MrWong99/parley/internal/resilience"
)

func newClient(t *testing.T, urls ...string) *backend.Client {
	t.Helper()
	c, err := backend.New(backend.Config{
		BaseURLs:    urls,
		InterviewID: "iv-7",
		Token:       "secret",
		Timeout:     2 * time.Second,
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  2,
			ResetTimeout: time.Hour,
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  backend.Config
	}{
		{"no urls", backend.Config{InterviewID: "x"}},
		{"no interview", backend.Config{BaseURLs: []string{"http://a.test"}}},
		{"bad scheme", backend.Config{BaseURLs: []string{"ftp://a.test"}, InterviewID: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := backend.New(tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestTranscribe(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/interviews/iv-7/transcribe" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q", got)
		}
		if r.Header.Get("X-Request-ID") == "" {
			t.Error("missing X-Request-ID")
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm: %v", err)
			return
		}
		if got := r.FormValue("sequence"); got != "3" {
			t.Errorf("sequence = %q, want 3", got)
		}
		f, hdr, err := r.FormFile("audio")
		if err != nil {
			t.Errorf("FormFile: %v", err)
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		if string(data) != "RIFFdata" {
			t.Errorf("audio = %q", data)
		}
		if hdr.Filename != "turn-3.wav" {
			t.Errorf("filename = %q", hdr.Filename)
		}
		if ct := hdr.Header.Get("Content-Type"); ct != "audio/wav" {
			t.Errorf("part content type = %q", ct)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"transcription":"I led a team of five.","ai_response":"Tell me more."}`))
	}))
	t.Cleanup(srv.Close)

	res, err := newClient(t, srv.URL).Transcribe(t.Context(), []byte("RIFFdata"), "audio/wav", 3)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Transcription != "I led a team of five." || res.AIResponse != "Tell me more." {
		t.Errorf("result = %+v", res)
	}
}

func TestTranscribe_EmptyBlob(t *testing.T) {
	t.Parallel()
	c := newClient(t, "http://unused.test")
	if _, err := c.Transcribe(t.Context(), nil, "audio/wav", 1); err == nil {
		t.Error("expected error for empty recording")
	}
}

func TestSendMessage(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/interviews/iv-7/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var body struct {
			Content string `json:"content"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"reply": "echo: " + body.Content})
	}))
	t.Cleanup(srv.Close)

	reply, err := newClient(t, srv.URL).SendMessage(t.Context(), "hello")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if reply != "echo: hello" {
		t.Errorf("reply = %q", reply)
	}
}

func TestComplete_EmptyBody(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/interviews/iv-7/complete" {
			t.Errorf("path = %s", r.URL.Path)
		}
		hits.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	if err := newClient(t, srv.URL).Complete(t.Context()); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("hits = %d, want 1", hits.Load())
	}
}

func TestFailoverOnServerError(t *testing.T) {
	t.Parallel()
	var primaryHits atomic.Int32
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		primaryHits.Add(1)
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	t.Cleanup(primary.Close)
	secondary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"reply":"from secondary"}`))
	}))
	t.Cleanup(secondary.Close)

	c := newClient(t, primary.URL, secondary.URL)
	for range 3 {
		reply, err := c.SendMessage(t.Context(), "hi")
		if err != nil {
			t.Fatalf("SendMessage: %v", err)
		}
		if reply != "from secondary" {
			t.Errorf("reply = %q", reply)
		}
	}
	// MaxFailures is 2; the third call skips the open primary.
	if got := primaryHits.Load(); got != 2 {
		t.Errorf("primary hits = %d, want 2", got)
	}
	if !c.Healthy() {
		t.Error("client with a healthy secondary must report healthy")
	}
}

func TestClientErrorIsNotRetried(t *testing.T) {
	t.Parallel()
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"detail":"interview already completed"}`))
	}))
	t.Cleanup(primary.Close)
	var secondaryHits atomic.Int32
	secondary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secondaryHits.Add(1)
	}))
	t.Cleanup(secondary.Close)

	err := newClient(t, primary.URL, secondary.URL).Complete(t.Context())
	var apiErr *backend.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusUnprocessableEntity || apiErr.Message != "interview already completed" {
		t.Errorf("apiErr = %+v", apiErr)
	}
	if apiErr.Retryable() {
		t.Error("422 must not be retryable")
	}
	if secondaryHits.Load() != 0 {
		t.Error("a rejected request must not fail over")
	}
}

func TestAllEndpointsDown(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	c := newClient(t, srv.URL)
	err := c.Complete(t.Context())
	if !errors.Is(err, resilience.ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	var apiErr *backend.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadGateway {
		t.Errorf("err = %v, want wrapped 502 APIError", err)
	}
}

func TestCanceledContext(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(block) })

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	err := newClient(t, srv.URL).Complete(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
}

func TestAPIError_Retryable(t *testing.T) {
	t.Parallel()
	tests := []struct {
		status int
		want   bool
	}{
		{400, false},
		{401, false},
		{404, false},
		{408, true},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tt := range tests {
		e := &backend.APIError{Endpoint: "complete", StatusCode: tt.status}
		if got := e.Retryable(); got != tt.want {
			t.Errorf("Retryable(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}
