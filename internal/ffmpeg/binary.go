package ffmpeg

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"
)

// BinaryInfo describes a detected FFmpeg installation.
type BinaryInfo struct {
	FFmpegPath  string `json:"ffmpeg_path"`
	FFprobePath string `json:"ffprobe_path"`
	Version     string `json:"version"`
	DetectedAt  time.Time
}

// BinaryDetector locates FFmpeg binaries and caches the result.
type BinaryDetector struct {
	mu       sync.Mutex
	cached   *BinaryInfo
	cacheTTL time.Duration
}

// NewBinaryDetector creates a detector with a 5 minute cache.
func NewBinaryDetector() *BinaryDetector {
	return &BinaryDetector{cacheTTL: 5 * time.Minute}
}

// WithCacheTTL overrides the cache lifetime.
func (d *BinaryDetector) WithCacheTTL(ttl time.Duration) *BinaryDetector {
	d.cacheTTL = ttl
	return d
}

var versionRe = regexp.MustCompile(`ffmpeg version (\S+)`)

// Detect finds ffmpeg and ffprobe on PATH and reads the version banner.
func (d *BinaryDetector) Detect(ctx context.Context) (*BinaryInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cached != nil && time.Since(d.cached.DetectedAt) < d.cacheTTL {
		return d.cached, nil
	}

	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("ffmpeg binary not found on PATH: %w", err)
	}
	ffprobePath, err := exec.LookPath("ffprobe")
	if err != nil {
		ffprobePath = ""
	}

	info := &BinaryInfo{
		FFmpegPath:  ffmpegPath,
		FFprobePath: ffprobePath,
		DetectedAt:  time.Now(),
	}

	out, err := exec.CommandContext(ctx, ffmpegPath, "-version").Output()
	if err != nil {
		return nil, fmt.Errorf("querying ffmpeg version: %w", err)
	}
	if m := versionRe.FindStringSubmatch(strings.SplitN(string(out), "\n", 2)[0]); len(m) == 2 {
		info.Version = m[1]
	}

	d.cached = info
	return info, nil
}

// Clear drops the cached detection.
func (d *BinaryDetector) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cached = nil
}
