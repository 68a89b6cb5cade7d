package mw

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestTimeout_FastHandler(t *testing.T) {
	cfg := TimeoutConfig{
		Default:      50 * time.Millisecond,
		SkipPatterns: []string{"/content", "/results"},
	}

	handler := Timeout(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/batches", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestTimeout_SlowHandlerTimesOut(t *testing.T) {
	cfg := TimeoutConfig{
		Default:      10 * time.Millisecond,
		SkipPatterns: []string{"/content"},
	}

	handler := Timeout(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/batches", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusGatewayTimeout)
	}
}

func TestTimeout_SkipPatternsBypassTimeout(t *testing.T) {
	cfg := TimeoutConfig{
		Default:      10 * time.Millisecond,
		SkipPatterns: []string{"/content", "/results", "/errors"},
	}

	tests := []struct {
		path     string
		shouldOK bool
	}{
		{"/v1/files/file-abc/content", true},
		{"/v1/batches/batch-abc/results", true},
		{"/v1/batches/batch-abc/errors", true},
		{"/v1/batches", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			handler := Timeout(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				time.Sleep(50 * time.Millisecond)
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			want := http.StatusGatewayTimeout
			if tt.shouldOK {
				want = http.StatusOK
			}
			if rec.Code != want {
				t.Errorf("status = %d, want %d", rec.Code, want)
			}
		})
	}
}
