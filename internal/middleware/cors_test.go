package middleware

import (
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"bili-downloader/internal/testutil"
)

func TestCORS_AllowedOrigin(t *testing.T) {
	tests := []struct {
		name           string
		allowedOrigins []string
		requestOrigin  string
		shouldAllow    bool
	}{
		{
			name:           "allowed origin",
			allowedOrigins: []string{"http://localhost:3000", "http://example.com"},
			requestOrigin:  "http://localhost:3000",
			shouldAllow:    true,
		},
		{
			name:           "allowed second origin",
			allowedOrigins: []string{"http://localhost:3000", "http://example.com"},
			requestOrigin:  "http://example.com",
			shouldAllow:    true,
		},
		{
			name:           "wildcard",
			allowedOrigins: []string{"*"},
			requestOrigin:  "http://anywhere.example",
			shouldAllow:    true,
		},
		{
			name:           "disallowed origin",
			allowedOrigins: []string{"http://localhost:3000"},
			requestOrigin:  "http://malicious.com",
			shouldAllow:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := CORS(tt.allowedOrigins)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodGet, "/api/video/info", nil)
			req.Header.Set("Origin", tt.requestOrigin)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if tt.shouldAllow {
				testutil.AssertHeader(t, w, "Access-Control-Allow-Origin", tt.requestOrigin)
				testutil.AssertHeader(t, w, "Access-Control-Allow-Credentials", "true")
			} else {
				testutil.AssertHeader(t, w, "Access-Control-Allow-Origin", "")
			}
		})
	}
}

func TestCORS_RangeHeaderAllowed(t *testing.T) {
	handler := CORS([]string{"http://localhost:3000"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/proxy/stream", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	testutil.AssertHeader(t, w, "Access-Control-Allow-Headers", "Content-Type, Range")
	testutil.AssertHeader(t, w, "Access-Control-Expose-Headers", "Content-Range, Accept-Ranges, Content-Length")
}

func TestCORS_Preflight(t *testing.T) {
	called := false
	handler := CORS([]string{"http://localhost:3000"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/download", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	testutil.AssertStatusCode(t, w, http.StatusOK)
	if called {
		t.Error("preflight request should not reach the handler")
	}
}

func TestParseOrigins(t *testing.T) {
	got := ParseOrigins("http://localhost:3000, http://example.com ,http://a.test")
	want := []string{"http://localhost:3000", "http://example.com", "http://a.test"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}
