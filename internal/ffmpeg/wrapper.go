// Package ffmpeg builds and supervises the FFmpeg processes behind the
// playout producer: binary discovery and a fluent argument builder with
// process lifecycle control.
package ffmpeg

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Command is a built FFmpeg invocation with process control.
type Command struct {
	Binary string
	Args   []string

	cmd     *exec.Cmd
	started time.Time
	mu      sync.RWMutex
}

// CommandBuilder assembles FFmpeg arguments with a fluent API.
type CommandBuilder struct {
	binary     string
	globalArgs []string
	inputArgs  []string
	input      string
	filterArgs []string
	outputArgs []string
	output     string
	logLevel   string
	overwrite  bool
}

// NewCommandBuilder creates a builder for the given FFmpeg binary.
func NewCommandBuilder(ffmpegPath string) *CommandBuilder {
	return &CommandBuilder{
		binary:   ffmpegPath,
		logLevel: "error",
	}
}

// LogLevel sets the FFmpeg log level.
func (b *CommandBuilder) LogLevel(level string) *CommandBuilder {
	b.logLevel = level
	return b
}

// HideBanner hides the FFmpeg banner.
func (b *CommandBuilder) HideBanner() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-hide_banner")
	return b
}

// Overwrite enables output file overwriting.
func (b *CommandBuilder) Overwrite() *CommandBuilder {
	b.overwrite = true
	return b
}

// RealTime paces input reads at native frame rate. Required when piping a
// playout concat to live consumers.
func (b *CommandBuilder) RealTime() *CommandBuilder {
	b.inputArgs = append(b.inputArgs, "-re")
	return b
}

// InputArgs adds arguments before the input.
func (b *CommandBuilder) InputArgs(args ...string) *CommandBuilder {
	b.inputArgs = append(b.inputArgs, args...)
	return b
}

// Input sets the input source.
func (b *CommandBuilder) Input(input string) *CommandBuilder {
	b.input = input
	return b
}

// ConcatInput sets an ffconcat list file as the input.
func (b *CommandBuilder) ConcatInput(listPath string) *CommandBuilder {
	b.inputArgs = append(b.inputArgs, "-f", "concat", "-safe", "0")
	b.input = listPath
	return b
}

// VideoCodec sets the video codec.
func (b *CommandBuilder) VideoCodec(codec string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-c:v", codec)
	return b
}

// AudioCodec sets the audio codec.
func (b *CommandBuilder) AudioCodec(codec string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-c:a", codec)
	return b
}

// VideoPreset sets the encoder preset.
func (b *CommandBuilder) VideoPreset(preset string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-preset", preset)
	return b
}

// VideoBitrate sets the video bitrate.
func (b *CommandBuilder) VideoBitrate(bitrate string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-b:v", bitrate)
	return b
}

// AudioBitrate sets the audio bitrate.
func (b *CommandBuilder) AudioBitrate(bitrate string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-b:a", bitrate)
	return b
}

// AudioRate sets the audio sample rate.
func (b *CommandBuilder) AudioRate(hz int) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-ar", strconv.Itoa(hz))
	return b
}

// AudioChannels sets the audio channel count.
func (b *CommandBuilder) AudioChannels(channels int) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-ac", strconv.Itoa(channels))
	return b
}

// VideoFilter appends a video filter expression.
func (b *CommandBuilder) VideoFilter(filter string) *CommandBuilder {
	b.filterArgs = append(b.filterArgs, filter)
	return b
}

// OutputArgs adds arguments before the output.
func (b *CommandBuilder) OutputArgs(args ...string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, args...)
	return b
}

// MpegtsArgs adds MPEG-TS output arguments tuned for live piping.
func (b *CommandBuilder) MpegtsArgs() *CommandBuilder {
	b.outputArgs = append(b.outputArgs,
		"-f", "mpegts",
		"-mpegts_copyts", "1",
		"-avoid_negative_ts", "disabled",
		"-mpegts_start_pid", "256",
		"-mpegts_pmt_start_pid", "4096",
	)
	return b
}

// FlushPackets enables immediate packet flushing for low latency.
func (b *CommandBuilder) FlushPackets() *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-flush_packets", "1")
	return b
}

// MuxDelay sets the muxer delay for live streaming.
func (b *CommandBuilder) MuxDelay(delay string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-muxdelay", delay)
	return b
}

// Output sets the output destination.
func (b *CommandBuilder) Output(output string) *CommandBuilder {
	b.output = output
	return b
}

// Build assembles the command.
func (b *CommandBuilder) Build() *Command {
	var args []string

	args = append(args, "-loglevel", b.logLevel)
	args = append(args, b.globalArgs...)

	if b.overwrite {
		args = append(args, "-y")
	}

	args = append(args, b.inputArgs...)
	args = append(args, "-i", b.input)

	if len(b.filterArgs) > 0 {
		args = append(args, "-vf", strings.Join(b.filterArgs, ","))
	}

	args = append(args, b.outputArgs...)
	args = append(args, b.output)

	return &Command{
		Binary: b.binary,
		Args:   args,
	}
}

// String returns the command as a string.
func (c *Command) String() string {
	return c.Binary + " " + strings.Join(c.Args, " ")
}

// Run executes the command and waits for completion.
func (c *Command) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.cmd == nil {
		c.cmd = exec.CommandContext(ctx, c.Binary, c.Args...)
	}
	c.started = time.Now()
	cmd := c.cmd
	c.mu.Unlock()

	return cmd.Run()
}

// Start starts the command without waiting.
func (c *Command) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.cmd == nil {
		c.cmd = exec.CommandContext(ctx, c.Binary, c.Args...)
	}
	c.started = time.Now()
	cmd := c.cmd
	c.mu.Unlock()

	return cmd.Start()
}

// Wait waits for the command to complete.
func (c *Command) Wait() error {
	c.mu.RLock()
	cmd := c.cmd
	c.mu.RUnlock()

	if cmd == nil {
		return fmt.Errorf("command not started")
	}

	return cmd.Wait()
}

// Kill terminates the process.
func (c *Command) Kill() error {
	c.mu.RLock()
	cmd := c.cmd
	c.mu.RUnlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	return cmd.Process.Kill()
}

// Signal sends a signal to the process.
func (c *Command) Signal(sig os.Signal) error {
	c.mu.RLock()
	cmd := c.cmd
	c.mu.RUnlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	return cmd.Process.Signal(sig)
}

// IsRunning returns true while the process has not exited.
func (c *Command) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.cmd == nil || c.cmd.Process == nil {
		return false
	}

	return c.cmd.ProcessState == nil
}

// Duration returns how long the command has been running.
func (c *Command) Duration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.started.IsZero() {
		return 0
	}

	return time.Since(c.started)
}

// Stdout returns a pipe to stdout. Must be called before Start.
func (c *Command) Stdout(ctx context.Context) (io.ReadCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd == nil {
		c.cmd = exec.CommandContext(ctx, c.Binary, c.Args...)
	}
	return c.cmd.StdoutPipe()
}

// Stderr returns a pipe to stderr. Must be called before Start.
func (c *Command) Stderr(ctx context.Context) (io.ReadCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd == nil {
		c.cmd = exec.CommandContext(ctx, c.Binary, c.Args...)
	}
	return c.cmd.StderrPipe()
}
