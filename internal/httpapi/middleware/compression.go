package middleware

import (
	"net/http"
	"strings"
)

// SkipCompressionForStreams wraps a compression middleware so transport
// stream and HLS responses bypass it. Compressing MPEG-TS wastes CPU on
// already-muxed bytes, and buffering in the gzip writer defeats the
// per-chunk flushing live playback depends on.
func SkipCompressionForStreams(compressionHandler func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		compressedHandler := compressionHandler(next)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isStreamPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			compressedHandler.ServeHTTP(w, r)
		})
	}
}

func isStreamPath(path string) bool {
	if strings.HasPrefix(path, "/hls/") {
		return true
	}
	return strings.HasPrefix(path, "/channel/") && strings.HasSuffix(path, ".ts")
}
