// Package fanout distributes one producer's transport stream to many
// HTTP viewers and the HLS segmenter. A single reader goroutine pulls
// fixed-size chunks from the producer endpoint; viewers consume from
// bounded per-viewer queues so a slow client can never stall the
// reader or the other viewers.
package fanout

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/retrovue/retrovue/internal/observability"
	"github.com/retrovue/retrovue/internal/producer"
)

// ErrClosed is returned when attaching to a torn-down fanout.
var ErrClosed = errors.New("fanout closed")

const (
	// DefaultViewerQueue bounds the per-viewer chunk queue. At 1316
	// bytes per chunk this holds roughly half a second of a typical
	// 4-5 Mbit/s stream before the viewer counts as slow.
	DefaultViewerQueue = 256
)

// Sink receives every chunk the reader pulls. The HLS segmenter
// implements it.
type Sink interface {
	Feed(p []byte)
}

// Config tunes a channel fanout.
type Config struct {
	ChunkBytes  int
	ViewerQueue int
	Sink        Sink
	Logger      *slog.Logger
	Metrics     *observability.Metrics
}

// Viewer is one attached consumer. Bytes arrive on a bounded queue;
// once the queue is closed the viewer drains what is buffered and
// then sees io.EOF.
type Viewer struct {
	ID          uuid.UUID
	ConnectedAt time.Time
	RemoteAddr  string
	UserAgent   string

	ch        chan []byte
	bytesSent atomic.Uint64
	dropped   atomic.Bool
}

// Next returns the next chunk, blocking until data arrives, the
// stream ends (io.EOF) or the context is done.
func (v *Viewer) Next(ctx context.Context) ([]byte, error) {
	select {
	case chunk, ok := <-v.ch:
		if !ok {
			return nil, io.EOF
		}
		v.bytesSent.Add(uint64(len(chunk)))
		return chunk, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// BytesSent reports bytes delivered to this viewer so far.
func (v *Viewer) BytesSent() uint64 { return v.bytesSent.Load() }

// Dropped reports whether the fanout evicted this viewer for falling
// behind.
func (v *Viewer) Dropped() bool { return v.dropped.Load() }

// Fanout owns the reader goroutine for one channel stream.
type Fanout struct {
	channelID string
	src       io.ReadCloser
	cfg       Config
	logger    *slog.Logger
	metrics   *observability.Metrics

	mu      sync.RWMutex
	viewers map[uuid.UUID]*Viewer
	closed  bool

	bytesIn atomic.Uint64
	done    chan struct{}
	once    sync.Once
}

// New wires a fanout over the producer's stream endpoint. Call Start
// to begin pumping.
func New(channelID string, src io.ReadCloser, cfg Config) *Fanout {
	if cfg.ChunkBytes <= 0 {
		cfg.ChunkBytes = producer.TSChunkBytes
	}
	if cfg.ViewerQueue <= 0 {
		cfg.ViewerQueue = DefaultViewerQueue
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{
		channelID: channelID,
		src:       src,
		cfg:       cfg,
		logger:    observability.WithComponent(logger, "fanout"),
		metrics:   cfg.Metrics,
		viewers:   make(map[uuid.UUID]*Viewer),
		done:      make(chan struct{}),
	}
}

// Start launches the reader goroutine. It exits on producer EOF or
// read error, closing every viewer queue so attached clients drain
// and EOF.
func (f *Fanout) Start() {
	go f.readLoop()
}

// Done is closed once the reader has exited and viewers are sealed.
func (f *Fanout) Done() <-chan struct{} { return f.done }

// Attach registers a new viewer starting at the live edge.
func (f *Fanout) Attach(remoteAddr, userAgent string) (*Viewer, error) {
	v := &Viewer{
		ID:          uuid.New(),
		ConnectedAt: time.Now(),
		RemoteAddr:  remoteAddr,
		UserAgent:   userAgent,
		ch:          make(chan []byte, f.cfg.ViewerQueue),
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrClosed
	}
	f.viewers[v.ID] = v
	f.mu.Unlock()

	f.metrics.ViewerAttached(f.channelID)
	f.logger.Debug("viewer attached",
		slog.String("channel_id", f.channelID),
		slog.String("viewer_id", v.ID.String()),
		slog.String("remote_addr", remoteAddr))
	return v, nil
}

// Detach removes a viewer. Its queue is closed so a blocked Next
// returns io.EOF.
func (f *Fanout) Detach(id uuid.UUID) {
	f.mu.Lock()
	v, ok := f.viewers[id]
	if ok {
		delete(f.viewers, id)
		close(v.ch)
	}
	f.mu.Unlock()
	if !ok {
		return
	}
	f.metrics.ViewerDetached(f.channelID)
	f.logger.Debug("viewer detached",
		slog.String("channel_id", f.channelID),
		slog.String("viewer_id", id.String()),
		slog.Uint64("bytes_sent", v.BytesSent()))
}

// ViewerCount returns the number of attached viewers.
func (f *Fanout) ViewerCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.viewers)
}

// BytesIn reports total bytes read from the producer endpoint.
func (f *Fanout) BytesIn() uint64 { return f.bytesIn.Load() }

// Close stops the reader by closing the source. Viewer queues are
// sealed once the reader exits; queued chunks still drain.
func (f *Fanout) Close() {
	f.src.Close()
	<-f.done
}

func (f *Fanout) readLoop() {
	defer f.shutdown()

	for {
		buf := make([]byte, f.cfg.ChunkBytes)
		n, err := io.ReadFull(f.src, buf)
		if n > 0 {
			f.publish(buf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) &&
				!errors.Is(err, io.ErrClosedPipe) {
				f.logger.Warn("stream read failed",
					slog.String("channel_id", f.channelID),
					slog.String("error", err.Error()))
			}
			return
		}
	}
}

// publish delivers one chunk to every viewer queue and the sink.
// Full queues mark their viewers for eviction; eviction happens after
// the send pass so the viewer map is never mutated mid-iteration.
func (f *Fanout) publish(chunk []byte) {
	f.bytesIn.Add(uint64(len(chunk)))
	f.metrics.FanoutBytes(f.channelID, len(chunk))

	if f.cfg.Sink != nil {
		f.cfg.Sink.Feed(chunk)
	}

	var slow []*Viewer
	f.mu.RLock()
	for _, v := range f.viewers {
		select {
		case v.ch <- chunk:
		default:
			slow = append(slow, v)
		}
	}
	f.mu.RUnlock()

	for _, v := range slow {
		f.drop(v)
	}
}

// drop evicts a slow viewer. Sends only happen on the reader
// goroutine, which is executing drop, so closing the queue here
// cannot race a send.
func (f *Fanout) drop(v *Viewer) {
	f.mu.Lock()
	if _, ok := f.viewers[v.ID]; !ok {
		f.mu.Unlock()
		return
	}
	delete(f.viewers, v.ID)
	v.dropped.Store(true)
	close(v.ch)
	f.mu.Unlock()

	f.metrics.ViewerDropped(f.channelID)
	f.metrics.ViewerDetached(f.channelID)
	f.logger.Warn("slow viewer dropped",
		slog.String("channel_id", f.channelID),
		slog.String("viewer_id", v.ID.String()),
		slog.String("remote_addr", v.RemoteAddr),
		slog.Uint64("bytes_sent", v.BytesSent()))
}

// shutdown seals every viewer queue. Buffered chunks still reach the
// viewers; the closed queues then read as io.EOF.
func (f *Fanout) shutdown() {
	f.once.Do(func() {
		f.mu.Lock()
		f.closed = true
		for id, v := range f.viewers {
			delete(f.viewers, id)
			close(v.ch)
		}
		f.mu.Unlock()
		close(f.done)

		f.logger.Info("fanout stopped",
			slog.String("channel_id", f.channelID),
			slog.Uint64("bytes_in", f.bytesIn.Load()))
	})
}

// Stats snapshots the fanout for the status endpoint.
type Stats struct {
	ChannelID   string        `json:"channel_id"`
	ViewerCount int           `json:"viewer_count"`
	BytesIn     uint64        `json:"bytes_in"`
	Viewers     []ViewerStats `json:"viewers,omitempty"`
}

// ViewerStats describes one attached viewer.
type ViewerStats struct {
	ID          string    `json:"id"`
	ConnectedAt time.Time `json:"connected_at"`
	RemoteAddr  string    `json:"remote_addr,omitempty"`
	UserAgent   string    `json:"user_agent,omitempty"`
	BytesSent   uint64    `json:"bytes_sent"`
}

// Stats returns a snapshot of the fanout and its viewers.
func (f *Fanout) Stats() Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()

	s := Stats{
		ChannelID:   f.channelID,
		ViewerCount: len(f.viewers),
		BytesIn:     f.bytesIn.Load(),
		Viewers:     make([]ViewerStats, 0, len(f.viewers)),
	}
	for _, v := range f.viewers {
		s.Viewers = append(s.Viewers, ViewerStats{
			ID:          v.ID.String(),
			ConnectedAt: v.ConnectedAt,
			RemoteAddr:  v.RemoteAddr,
			UserAgent:   v.UserAgent,
			BytesSent:   v.BytesSent(),
		})
	}
	return s
}
