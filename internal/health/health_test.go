package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func serve(t *testing.T, h *Handler, path string) (*httptest.ResponseRecorder, result) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return rec, body
}

func ok(context.Context) error { return nil }

func TestHealthz_AlwaysReturns200(t *testing.T) {
	t.Parallel()
	h := New([]Checker{{Name: "backend", Check: func(context.Context) error { return errors.New("down") }}})

	rec, body := serve(t, h, "/healthz")
	if rec.Code != http.StatusOK || body.Status != "ok" {
		t.Errorf("code=%d status=%q", rec.Code, body.Status)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestReadyz_AllCheckersPass(t *testing.T) {
	t.Parallel()
	h := New([]Checker{{Name: "backend", Check: ok}, {Name: "prefs", Check: ok}})

	rec, body := serve(t, h, "/readyz")
	if rec.Code != http.StatusOK || body.Status != "ok" {
		t.Fatalf("code=%d status=%q", rec.Code, body.Status)
	}
	if body.Checks["backend"] != "ok" || body.Checks["prefs"] != "ok" {
		t.Errorf("checks = %v", body.Checks)
	}
}

func TestReadyz_CriticalFailure(t *testing.T) {
	t.Parallel()
	h := New([]Checker{
		{Name: "backend", Check: func(context.Context) error { return errors.New("all endpoints open") }},
		{Name: "prefs", Check: ok},
	})

	rec, body := serve(t, h, "/readyz")
	if rec.Code != http.StatusServiceUnavailable || body.Status != "fail" {
		t.Fatalf("code=%d status=%q", rec.Code, body.Status)
	}
	if body.Checks["backend"] != "fail: all endpoints open" {
		t.Errorf("backend = %q", body.Checks["backend"])
	}
	if body.Checks["prefs"] != "ok" {
		t.Errorf("prefs = %q", body.Checks["prefs"])
	}
}

func TestReadyz_OptionalFailureIsDegraded(t *testing.T) {
	t.Parallel()
	h := New([]Checker{
		{Name: "backend", Check: ok},
		{Name: "prefs", Optional: true, Check: func(context.Context) error { return errors.New("no route to host") }},
	})

	rec, body := serve(t, h, "/readyz")
	if rec.Code != http.StatusOK || body.Status != "ok" {
		t.Fatalf("code=%d status=%q", rec.Code, body.Status)
	}
	if !strings.HasPrefix(body.Checks["prefs"], "degraded:") {
		t.Errorf("prefs = %q", body.Checks["prefs"])
	}
}

func TestReadyz_CheckTimeout(t *testing.T) {
	t.Parallel()
	h := New([]Checker{{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}}, WithCheckTimeout(20*time.Millisecond))

	start := time.Now()
	rec, body := serve(t, h, "/readyz")
	if time.Since(start) > 2*time.Second {
		t.Fatal("check deadline was not applied")
	}
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("code = %d", rec.Code)
	}
	if !strings.Contains(body.Checks["slow"], "deadline exceeded") {
		t.Errorf("slow = %q", body.Checks["slow"])
	}
}

func TestReadyz_NoCheckers(t *testing.T) {
	t.Parallel()
	rec, body := serve(t, New(nil), "/readyz")
	if rec.Code != http.StatusOK || body.Status != "ok" {
		t.Errorf("code=%d status=%q", rec.Code, body.Status)
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()
	type snapshot struct {
		Turn string `json:"turn"`
	}
	h := New(nil, WithStatus(func() any { return snapshot{Turn: "ai_speaking"} }))

	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var got snapshot
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Turn != "ai_speaking" {
		t.Errorf("turn = %q", got.Turn)
	}
}

func TestStatus_NotRegisteredWithoutFunc(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	New(nil).Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/status", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("code = %d, want 404", rec.Code)
	}
}
