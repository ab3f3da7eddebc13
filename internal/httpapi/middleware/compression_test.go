package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSkipCompressionForStreams(t *testing.T) {
	// Marker stand-in for the real compressor: tags every response it
	// wraps so the test can see which paths went through it.
	marker := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Compressed", "yes")
			next.ServeHTTP(w, r)
		})
	}

	handler := SkipCompressionForStreams(marker)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	cases := []struct {
		path       string
		compressed bool
	}{
		{"/channels", true},
		{"/api/epg", true},
		{"/health", true},
		{"/hls/retro-one/live.m3u8", false},
		{"/hls/retro-one/seg_00042.ts", false},
		{"/channel/retro-one.ts", false},
	}

	for _, tc := range cases {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tc.path, nil))

		got := rec.Header().Get("X-Compressed") == "yes"
		if got != tc.compressed {
			t.Errorf("%s: compressed = %v, want %v", tc.path, got, tc.compressed)
		}
	}
}
