package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/retrovue/retrovue/internal/observability"
)

func TestRequestIDGeneratesAndPropagates(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = observability.RequestIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	header := rec.Header().Get(RequestIDHeader)
	if header == "" {
		t.Fatal("no X-Request-ID on the response")
	}
	if _, err := uuid.Parse(header); err != nil {
		t.Errorf("generated id %q is not a UUID: %v", header, err)
	}
	if seen != header {
		t.Errorf("context id %q != response header %q", seen, header)
	}
}

func TestRequestIDKeepsClientValue(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = observability.RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "set-top-box-7")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if seen != "set-top-box-7" {
		t.Errorf("context id = %q, want the client's value", seen)
	}
	if got := rec.Header().Get(RequestIDHeader); got != "set-top-box-7" {
		t.Errorf("response header = %q, want the client's value", got)
	}
}
