package asrun

import (
	"compress/gzip"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/retrovue/retrovue/internal/dsl"
	"github.com/retrovue/retrovue/internal/models"
	"github.com/retrovue/retrovue/internal/schedule"
)

// Writer appends as-run records for one channel: a text row per event in
// an append-only per-broadcast-day file, plus the structured in-memory
// log reconciliation reads. The channel manager's tick goroutine is the
// only writer; the mutex exists for the read-side snapshot.
//
// At broadcast-day rollover the finished file is gzip-compressed in place
// and a new one opened.
type Writer struct {
	channelID    string
	dir          string
	loc          *time.Location
	dayStartHour int
	compress     bool
	logger       *slog.Logger

	mu       sync.Mutex
	day      string
	dayStart time.Time
	file     *os.File
	records  []Record
}

// NewWriter creates the log directory and returns a writer for the
// channel. The first file opens lazily on the first append, named by the
// record's broadcast day.
func NewWriter(dir, channelID string, loc *time.Location, dayStartHour int, logger *slog.Logger) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating as-run directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		channelID:    channelID,
		dir:          dir,
		loc:          loc,
		dayStartHour: dayStartHour,
		compress:     true,
		logger: logger.With(
			slog.String("component", "asrun"),
			slog.String("channel_id", channelID),
		),
	}, nil
}

// WithCompression toggles gzip archival of rotated day files. On by
// default; operators shipping logs to an external collector turn it off.
func (w *Writer) WithCompression(enabled bool) *Writer {
	w.compress = enabled
	return w
}

// Append validates the record, stamps its channel and event ID, writes the
// text row and keeps the structured record. Crossing into a new broadcast
// day rotates the file first.
func (w *Writer) Append(rec Record) error {
	if rec.ChannelID == "" {
		rec.ChannelID = w.channelID
	}
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("as-run record rejected: %w", err)
	}
	instant := time.UnixMilli(rec.eventInstant())
	if rec.EventID.IsZero() {
		rec.EventID = models.NewULIDAt(instant)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	day := dsl.FormatDay(schedule.BroadcastDay(instant, w.loc, w.dayStartHour))
	if day != w.day {
		if err := w.rotateLocked(day); err != nil {
			return err
		}
	}

	if _, err := fmt.Fprintln(w.file, rec.TextRow(w.dayStart)); err != nil {
		return fmt.Errorf("appending as-run row: %w", err)
	}
	w.records = append(w.records, rec)
	return nil
}

// Log snapshots the structured records accumulated so far.
func (w *Writer) Log() *Log {
	w.mu.Lock()
	defer w.mu.Unlock()
	records := make([]Record, len(w.records))
	copy(records, w.records)
	return &Log{ChannelID: w.channelID, Records: records}
}

// DayLog snapshots the structured records belonging to one broadcast day.
func (w *Writer) DayLog(day string) *Log {
	w.mu.Lock()
	defer w.mu.Unlock()

	dayDate, err := dsl.ParseDay(day)
	if err != nil {
		return &Log{ChannelID: w.channelID}
	}
	start := schedule.BroadcastDayStart(dayDate, w.loc, w.dayStartHour)
	end := start.AddDate(0, 0, 1)

	log := &Log{ChannelID: w.channelID}
	for _, rec := range w.records {
		at := time.UnixMilli(rec.ActualStartUTCMs)
		if !at.Before(start) && at.Before(end) {
			log.Records = append(log.Records, rec)
		}
	}
	return log
}

// Path returns the active text log path, empty before the first append.
func (w *Writer) Path() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return ""
	}
	return w.file.Name()
}

// Close flushes and closes the active file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// CleanupArchives removes rotated gzip archives older than maxAge,
// returning how many were deleted. The nightly maintenance cron calls
// this.
func (w *Writer) CleanupArchives(maxAge time.Duration, now time.Time) int {
	pattern := filepath.Join(w.dir, "asrun-"+w.channelID+"-*.log.gz")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return 0
	}
	cutoff := now.Add(-maxAge)
	removed := 0
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil {
			w.logger.Warn("failed to remove as-run archive",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		removed++
	}
	if removed > 0 {
		w.logger.Info("removed as-run archives", slog.Int("count", removed))
	}
	return removed
}

func (w *Writer) filePath(day string) string {
	return filepath.Join(w.dir, fmt.Sprintf("asrun-%s-%s.log", w.channelID, day))
}

// rotateLocked closes and compresses the active file, then opens the file
// for the new broadcast day. Compression failures are logged, not fatal:
// the plain file stays behind.
func (w *Writer) rotateLocked(day string) error {
	if w.file != nil {
		finished := w.file.Name()
		if err := w.file.Close(); err != nil {
			w.logger.Warn("closing rotated as-run log",
				slog.String("path", finished),
				slog.String("error", err.Error()),
			)
		}
		w.file = nil
		if !w.compress {
			w.logger.Info("rotated as-run log",
				slog.String("broadcast_day", w.day),
				slog.String("path", finished),
			)
		} else if err := gzipFile(finished); err != nil {
			w.logger.Warn("compressing rotated as-run log",
				slog.String("path", finished),
				slog.String("error", err.Error()),
			)
		} else {
			w.logger.Info("rotated as-run log",
				slog.String("broadcast_day", w.day),
				slog.String("archive", finished+".gz"),
			)
		}
	}

	dayDate, err := dsl.ParseDay(day)
	if err != nil {
		return fmt.Errorf("rotating as-run log: %w", err)
	}

	file, err := os.OpenFile(w.filePath(day), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening as-run log: %w", err)
	}
	w.file = file
	w.day = day
	w.dayStart = schedule.BroadcastDayStart(dayDate, w.loc, w.dayStartHour)
	return nil
}

// gzipFile compresses path to path.gz and removes the original.
func gzipFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(dst)
	zw.Name = filepath.Base(path)

	if _, err := io.Copy(zw, src); err != nil {
		dst.Close()
		os.Remove(path + ".gz")
		return err
	}
	if err := zw.Close(); err != nil {
		dst.Close()
		os.Remove(path + ".gz")
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}

// ParseTextRow splits one as-run text row back into its columns. The NOTES
// column keeps its internal spaces.
func ParseTextRow(row string) (actual, dur, status, kind, eventID, notes string, err error) {
	fields := strings.SplitN(strings.TrimSpace(row), " ", 6)
	if len(fields) != 6 {
		return "", "", "", "", "", "", fmt.Errorf("as-run row has %d columns, want 6: %q", len(fields), row)
	}
	return fields[0], fields[1], fields[2], fields[3], fields[4], fields[5], nil
}
