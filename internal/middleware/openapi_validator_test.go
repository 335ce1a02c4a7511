package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestShouldSkipPath(t *testing.T) {
	skipPaths := []string{
		"/health",
		"/metrics",
		"/api/download/progress/",
		"/api/download/file/",
		"/",
	}

	tests := []struct {
		path string
		skip bool
	}{
		{"/health", true},
		{"/health/ready", true},
		{"/metrics", true},
		{"/api/download/progress/abc-123", true},
		{"/api/download/file/video.mp4", true},
		{"/", true},
		{"/api/download", false},
		{"/api/video/info", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := shouldSkipPath(tt.path, skipPaths); got != tt.skip {
				t.Errorf("shouldSkipPath(%q) = %v, want %v", tt.path, got, tt.skip)
			}
		})
	}
}

func TestOpenAPIValidator_Disabled(t *testing.T) {
	mw := OpenAPIValidator(&OpenAPIValidatorConfig{Enabled: false})

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/anything", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusTeapot {
		t.Errorf("expected pass-through when disabled, got %d", w.Code)
	}
}

func TestOpenAPIValidator_MissingSpecFallsThrough(t *testing.T) {
	mw := OpenAPIValidator(&OpenAPIValidatorConfig{
		Enabled:          true,
		SpecPath:         "does/not/exist.yaml",
		ValidateRequests: true,
	})

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/video/info", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected pass-through on unreadable spec, got %d", w.Code)
	}
}
