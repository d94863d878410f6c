package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestBearerAuth(t *testing.T) {
	h := BearerAuth([]string{"key-a", "key-b"}, zap.NewNop().Sugar())(okHandler)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"lowercase scheme", "bearer key-a", http.StatusOK},
		{"titlecase scheme", "Bearer key-b", http.StatusOK},
		{"wrong key", "bearer nope", http.StatusUnauthorized},
		{"missing header", "", http.StatusUnauthorized},
		{"basic scheme", "Basic key-a", http.StatusUnauthorized},
		{"empty token", "bearer ", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/export/abc", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestBearerAuthWithoutKeys(t *testing.T) {
	h := BearerAuth(nil, zap.NewNop().Sugar())(okHandler)
	req := httptest.NewRequest(http.MethodGet, "/export/abc", nil)
	req.Header.Set("Authorization", "bearer anything")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestCORSMiddleware(t *testing.T) {
	h := CORSMiddleware([]string{"https://nels.example.org"})(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/exports/", nil)
	req.Header.Set("Origin", "https://nels.example.org")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://nels.example.org" {
		t.Errorf("allow origin = %q", got)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/exports/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("unexpected allow origin %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/export/abc", nil)
	req.Header.Set("Origin", "https://nels.example.org")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", rec.Code)
	}
}
