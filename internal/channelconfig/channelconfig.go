// Package channelconfig loads the per-channel YAML files that describe a
// station lineup: one file per channel in a watched directory, each naming
// the channel's output format, grid, timezone, filler, and programming
// document.
package channelconfig

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Channel is one channel definition as read from its YAML file.
type Channel struct {
	// ID is the stable channel identifier used in URLs and as-run logs.
	ID string `yaml:"channel"`

	// Number is the tuner position shown in channel listings.
	Number int `yaml:"channel_number"`

	// Name is the display name for EPG and lineup output.
	Name string `yaml:"name"`

	// Format is the channel's output profile.
	Format Format `yaml:"format"`

	// GridMinutes is the DSL start-time alignment modulus.
	GridMinutes int `yaml:"grid_minutes"`

	// Timezone is the IANA zone the channel's programming day lives in.
	Timezone string `yaml:"timezone"`

	// Filler names the channel's ad-break pool entry. Optional; without it
	// ad breaks fall through to synthesized pad.
	Filler *Filler `yaml:"filler"`

	// DSLPath locates the channel's programming document.
	DSLPath string `yaml:"dsl_path"`

	loc *time.Location
}

// Filler is the channel's interstitial source.
type Filler struct {
	Path       string `yaml:"path"`
	DurationMs int64  `yaml:"duration_ms"`
}

// Format is the channel output profile. The YAML form is either nested
// (video/audio sub-mappings, frame_rate as "N/D") or flat with the same
// leaf keys; both decode through UnmarshalYAML.
type Format struct {
	Width      int
	Height     int
	FPSNum     int
	FPSDen     int
	SampleRate int
	Channels   int
}

// UnmarshalYAML decodes a format mapping in nested or flat form. Nested
// keys win when both are present.
func (f *Format) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: format must be a mapping", node.Line)
	}
	var doc struct {
		Video *struct {
			Width     int    `yaml:"width"`
			Height    int    `yaml:"height"`
			FrameRate string `yaml:"frame_rate"`
		} `yaml:"video"`
		Audio *struct {
			SampleRate int `yaml:"sample_rate"`
			Channels   int `yaml:"channels"`
		} `yaml:"audio"`
		Width      int    `yaml:"width"`
		Height     int    `yaml:"height"`
		FrameRate  string `yaml:"frame_rate"`
		SampleRate int    `yaml:"sample_rate"`
		Channels   int    `yaml:"channels"`
	}
	if err := node.Decode(&doc); err != nil {
		return err
	}

	width, height, rate := doc.Width, doc.Height, doc.FrameRate
	if doc.Video != nil {
		width, height, rate = doc.Video.Width, doc.Video.Height, doc.Video.FrameRate
	}
	sampleRate, channels := doc.SampleRate, doc.Channels
	if doc.Audio != nil {
		sampleRate, channels = doc.Audio.SampleRate, doc.Audio.Channels
	}

	f.Width = width
	f.Height = height
	f.SampleRate = sampleRate
	f.Channels = channels
	if rate != "" {
		num, den, err := ParseFrameRate(rate)
		if err != nil {
			return fmt.Errorf("line %d: %w", node.Line, err)
		}
		f.FPSNum, f.FPSDen = num, den
	}
	return nil
}

// ParseFrameRate parses a rational frame rate: "30000/1001" or a bare
// integer like "30" (denominator 1).
func ParseFrameRate(s string) (num, den int, err error) {
	den = 1
	numPart, denPart, ok := strings.Cut(strings.TrimSpace(s), "/")
	if num, err = strconv.Atoi(strings.TrimSpace(numPart)); err != nil {
		return 0, 0, fmt.Errorf("invalid frame_rate %q", s)
	}
	if ok {
		if den, err = strconv.Atoi(strings.TrimSpace(denPart)); err != nil {
			return 0, 0, fmt.Errorf("invalid frame_rate %q", s)
		}
	}
	if num <= 0 || den <= 0 {
		return 0, 0, fmt.Errorf("frame_rate %q must be positive", s)
	}
	return num, den, nil
}

// String renders the rational rate the way the YAML writes it.
func (f Format) String() string {
	return fmt.Sprintf("%dx%d@%d/%d %dHz/%dch", f.Width, f.Height, f.FPSNum, f.FPSDen, f.SampleRate, f.Channels)
}

// withDefaults fills unset fields with the bootstrap profile.
func (c *Channel) withDefaults() {
	if c.GridMinutes == 0 {
		c.GridMinutes = 30
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.Format.Width == 0 {
		c.Format.Width = 1280
	}
	if c.Format.Height == 0 {
		c.Format.Height = 720
	}
	if c.Format.FPSNum == 0 {
		c.Format.FPSNum, c.Format.FPSDen = 30, 1
	}
	if c.Format.FPSDen == 0 {
		c.Format.FPSDen = 1
	}
	if c.Format.SampleRate == 0 {
		c.Format.SampleRate = 48000
	}
	if c.Format.Channels == 0 {
		c.Format.Channels = 2
	}
}

// Validate checks the definition and caches the parsed timezone.
func (c *Channel) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("channel id is required")
	}
	if strings.ContainsAny(c.ID, "/\\ \t") {
		return fmt.Errorf("channel id %q must not contain separators or whitespace", c.ID)
	}
	if c.Number <= 0 {
		return fmt.Errorf("channel %s: channel_number must be positive", c.ID)
	}
	if c.Format.Width <= 0 || c.Format.Height <= 0 {
		return fmt.Errorf("channel %s: video dimensions must be positive", c.ID)
	}
	if c.Format.FPSNum <= 0 || c.Format.FPSDen <= 0 {
		return fmt.Errorf("channel %s: frame rate must be positive", c.ID)
	}
	if c.Format.SampleRate <= 0 {
		return fmt.Errorf("channel %s: sample_rate must be positive", c.ID)
	}
	if c.Format.Channels < 1 || c.Format.Channels > 8 {
		return fmt.Errorf("channel %s: channels must be between 1 and 8", c.ID)
	}
	if c.GridMinutes < 1 || c.GridMinutes > 60 {
		return fmt.Errorf("channel %s: grid_minutes must be between 1 and 60", c.ID)
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return fmt.Errorf("channel %s: timezone %q: %w", c.ID, c.Timezone, err)
	}
	c.loc = loc
	if c.Filler != nil {
		if c.Filler.Path == "" {
			return fmt.Errorf("channel %s: filler.path is required when filler is set", c.ID)
		}
		if c.Filler.DurationMs <= 0 {
			return fmt.Errorf("channel %s: filler.duration_ms must be positive", c.ID)
		}
	}
	if c.DSLPath == "" {
		return fmt.Errorf("channel %s: dsl_path is required", c.ID)
	}
	return nil
}

// Location returns the channel's parsed timezone. Valid after Validate.
func (c *Channel) Location() *time.Location {
	if c.loc == nil {
		return time.UTC
	}
	return c.loc
}

// equal reports whether two definitions describe the same channel setup.
// Used by the watcher to tell updates from touch-only writes.
func (c *Channel) equal(o *Channel) bool {
	if c.ID != o.ID || c.Number != o.Number || c.Name != o.Name {
		return false
	}
	if c.Format != o.Format || c.GridMinutes != o.GridMinutes || c.Timezone != o.Timezone {
		return false
	}
	if c.DSLPath != o.DSLPath {
		return false
	}
	if (c.Filler == nil) != (o.Filler == nil) {
		return false
	}
	if c.Filler != nil && *c.Filler != *o.Filler {
		return false
	}
	return true
}
