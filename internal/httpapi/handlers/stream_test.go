package handlers

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/retrovue/retrovue/internal/fanout"
	"github.com/retrovue/retrovue/internal/runtime"
)

func streamServer(t *testing.T, dir Directory, playlistWait time.Duration) *httptest.Server {
	t.Helper()
	router := chi.NewRouter()
	NewStreamHandler(dir, playlistWait, discardLogger()).Routes(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func TestServeTS_UnknownChannel(t *testing.T) {
	srv := streamServer(t, fakeDirectory{}, time.Second)

	resp, err := http.Get(srv.URL + "/channel/retro-one.ts")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestServeTS_FailedChannelRefusesJoin(t *testing.T) {
	dir := fakeDirectory{"retro-one": {id: "retro-one", attachErr: runtime.ErrChannelFailed}}
	srv := streamServer(t, dir, time.Second)

	resp, err := http.Get(srv.URL + "/channel/retro-one.ts")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
	}
}

// TestServeTS_RelaysUntilStreamEnds drives a real fanout from an
// io.Pipe: the handler attaches a viewer, relays chunks, and finishes
// the response when the producer stream ends.
func TestServeTS_RelaysUntilStreamEnds(t *testing.T) {
	pr, pw := io.Pipe()
	t.Cleanup(func() { pw.Close() })

	fan := fanout.New("retro-one", pr, fanout.Config{ChunkBytes: 188, Logger: discardLogger()})
	fan.Start()

	dir := fakeDirectory{"retro-one": {id: "retro-one", fan: fan}}
	srv := streamServer(t, dir, time.Second)

	resp, err := http.Get(srv.URL + "/channel/retro-one.ts")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "video/mp2t" {
		t.Errorf("Content-Type = %q, want video/mp2t", ct)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "no-cache, no-store, must-revalidate" {
		t.Errorf("Cache-Control = %q, want no-cache, no-store, must-revalidate", cc)
	}
	if ce := resp.Header.Get("Content-Encoding"); ce != "identity" {
		t.Errorf("Content-Encoding = %q, want identity", ce)
	}
	if resp.ContentLength != -1 {
		t.Errorf("ContentLength = %d, want -1 for an unbounded stream", resp.ContentLength)
	}

	// The viewer is attached once the headers arrive, so nothing
	// written from here on can be missed.
	payload := bytes.Repeat([]byte{0x47}, 188*3)
	if _, err := pw.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	pw.Close()

	got, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("body = %d bytes, want %d relayed verbatim", len(got), len(payload))
	}
}

func TestServePlaylist_Ready(t *testing.T) {
	const playlist = "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:7\n#EXT-X-MEDIA-SEQUENCE:0\n"
	dir := fakeDirectory{"retro-one": {id: "retro-one", playlist: playlist}}
	srv := streamServer(t, dir, time.Second)

	resp, err := http.Get(srv.URL + "/hls/retro-one/live.m3u8")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/vnd.apple.mpegurl" {
		t.Errorf("Content-Type = %q, want application/vnd.apple.mpegurl", ct)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != playlist {
		t.Errorf("body = %q, want %q", body, playlist)
	}
}

func TestServePlaylist_NotReadyTimesOut(t *testing.T) {
	dir := fakeDirectory{"retro-one": {id: "retro-one"}}
	srv := streamServer(t, dir, 50*time.Millisecond)

	resp, err := http.Get(srv.URL + "/hls/retro-one/live.m3u8")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestServePlaylist_FailedChannel(t *testing.T) {
	dir := fakeDirectory{"retro-one": {id: "retro-one", playlistErr: runtime.ErrChannelFailed}}
	srv := streamServer(t, dir, time.Second)

	resp, err := http.Get(srv.URL + "/hls/retro-one/live.m3u8")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
	}
}

func TestServeSegment(t *testing.T) {
	seg := bytes.Repeat([]byte{0x47, 0x1f}, 188)
	dir := fakeDirectory{"retro-one": {
		id:       "retro-one",
		segments: map[string][]byte{"seg_00042.ts": seg},
	}}
	srv := streamServer(t, dir, time.Second)

	resp, err := http.Get(srv.URL + "/hls/retro-one/seg_00042.ts")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if resp.ContentLength != int64(len(seg)) {
		t.Errorf("ContentLength = %d, want %d", resp.ContentLength, len(seg))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !bytes.Equal(body, seg) {
		t.Errorf("body = %d bytes, want %d", len(body), len(seg))
	}
}

func TestServeSegment_Unknown(t *testing.T) {
	dir := fakeDirectory{"retro-one": {id: "retro-one"}}
	srv := streamServer(t, dir, time.Second)

	resp, err := http.Get(srv.URL + "/hls/retro-one/seg_99999.ts")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}
