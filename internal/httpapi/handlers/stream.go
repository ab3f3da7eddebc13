package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/retrovue/retrovue/internal/observability"
	"github.com/retrovue/retrovue/internal/runtime"
)

// StreamHandler serves the raw transport stream and the HLS surface.
// These routes stay outside huma: they stream bytes, not JSON.
type StreamHandler struct {
	dir          Directory
	playlistWait time.Duration
	logger       *slog.Logger
}

// NewStreamHandler builds the streaming handler. playlistWait bounds how
// long a playlist request blocks for the first segment.
func NewStreamHandler(dir Directory, playlistWait time.Duration, logger *slog.Logger) *StreamHandler {
	if playlistWait <= 0 {
		playlistWait = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamHandler{
		dir:          dir,
		playlistWait: playlistWait,
		logger:       observability.WithComponent(logger, "httpapi"),
	}
}

// Routes registers the streaming endpoints on the router.
func (h *StreamHandler) Routes(r chi.Router) {
	r.Get("/channel/{id}.ts", h.ServeTS)
	r.Get("/hls/{id}/live.m3u8", h.ServePlaylist)
	r.Get("/hls/{id}/{segment}", h.ServeSegment)
}

// ServeTS joins the caller to a channel's live transport stream and
// relays chunks until the viewer disconnects or the stream ends. The
// response is unbounded, so no Content-Length is ever set.
func (h *StreamHandler) ServeTS(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ch, ok := h.dir.Lookup(id)
	if !ok {
		http.Error(w, "unknown channel", http.StatusNotFound)
		return
	}

	viewer, err := ch.Attach(r.RemoteAddr, r.UserAgent())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer ch.Detach(viewer.ID)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	// Identity keeps intermediaries from recoding the live TS bytes.
	w.Header().Set("Content-Encoding", "identity")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.logger.Info("viewer attached",
		slog.String("channel_id", id),
		slog.String("viewer_id", viewer.ID.String()),
		slog.String("remote_addr", r.RemoteAddr),
	)

	ctx := r.Context()
	for {
		chunk, err := viewer.Next(ctx)
		if err != nil {
			h.logger.Info("viewer detached",
				slog.String("channel_id", id),
				slog.String("viewer_id", viewer.ID.String()),
				slog.Uint64("bytes_sent", viewer.BytesSent()),
				slog.Bool("dropped", viewer.Dropped()),
			)
			return
		}
		if _, err := w.Write(chunk); err != nil {
			return
		}
		flusher.Flush()
	}
}

// ServePlaylist renders the channel's HLS media playlist, waiting up to
// the configured window for the first segment to finalize.
func (h *StreamHandler) ServePlaylist(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ch, ok := h.dir.Lookup(id)
	if !ok {
		http.Error(w, "unknown channel", http.StatusNotFound)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.playlistWait)
	defer cancel()

	playlist, err := ch.WaitPlaylist(ctx)
	if err != nil {
		if errors.Is(err, runtime.ErrChannelFailed) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		http.Error(w, "playlist not ready", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write([]byte(playlist))
}

// ServeSegment returns one finalized HLS segment.
func (h *StreamHandler) ServeSegment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	name := chi.URLParam(r, "segment")
	ch, ok := h.dir.Lookup(id)
	if !ok {
		http.Error(w, "unknown channel", http.StatusNotFound)
		return
	}

	data, ok := ch.HLSSegment(name)
	if !ok {
		http.Error(w, "unknown segment", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}
