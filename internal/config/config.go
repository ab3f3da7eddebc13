// Package config provides configuration management for retrovue using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort      = 8080
	defaultReadTimeout     = 30 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxIdleTime = 30 * time.Minute

	defaultGridMinutes         = 30
	defaultDayStartHour        = 6
	defaultHorizonDays         = 3
	defaultRecompileHours      = 6
	defaultProactiveThreshold  = 3 * time.Hour
	defaultMinEPGDays          = 3
	defaultEvaluateInterval    = time.Second
	defaultFixedEpochDate      = "2026-01-01"
	defaultTickInterval        = 100 * time.Millisecond
	defaultConvergenceWindow   = 120 * time.Second
	defaultPrefeedLeadTime     = 5 * time.Second
	defaultMinPrefeedLeadTime  = 5 * time.Second
	defaultSwitchLeadTime      = 200 * time.Millisecond
	defaultSwapAckTimeout      = 500 * time.Millisecond
	defaultChunkBytes          = 1316 // 7 TS packets, fits one UDP-era MTU
	defaultViewerQueueBytes    = 1 * 1024 * 1024
	defaultViewerReadTimeout   = 10 * time.Second
	defaultHLSTargetDuration   = 2 * time.Second
	defaultHLSMaxSegments      = 10
	defaultWaitForPlaylist     = 5 * time.Second
	defaultProducerStopTimeout = 3 * time.Second
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Channels  ChannelsConfig  `mapstructure:"channels"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Runtime   RuntimeConfig   `mapstructure:"runtime"`
	Producer  ProducerConfig  `mapstructure:"producer"`
	Fanout    FanoutConfig    `mapstructure:"fanout"`
	HLS       HLSConfig       `mapstructure:"hls"`
	AsRun     AsRunConfig     `mapstructure:"asrun"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout applies to the whole response. It must stay zero for a
	// playout server: live TS and HLS responses are open-ended.
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// DatabaseConfig holds catalog database connection configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn" masq:"secret"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// ChannelsConfig locates per-channel YAML definitions.
type ChannelsConfig struct {
	Dir   string `mapstructure:"dir"`
	Watch bool   `mapstructure:"watch"`
}

// SchedulerConfig governs DSL compilation and the rolling horizon.
type SchedulerConfig struct {
	GridMinutes             int `mapstructure:"grid_minutes"`
	ProgrammingDayStartHour int `mapstructure:"programming_day_start_hour"`
	HorizonDays             int `mapstructure:"horizon_days"`
	// RecompileThresholdHours is the hard minimum execution horizon. When
	// the window shrinks below it the schedule service extends immediately.
	RecompileThresholdHours int `mapstructure:"recompile_threshold_hours"`
	// ProactiveExtendThreshold extends before the hard minimum is breached.
	// Values below the hard minimum are clamped up to it at load time.
	ProactiveExtendThreshold time.Duration `mapstructure:"proactive_extend_threshold"`
	MinEPGDays               int           `mapstructure:"min_epg_days"`
	EvaluateInterval         time.Duration `mapstructure:"evaluate_interval"`
	// FixedEpochDate anchors sequential-counter arithmetic so that episode
	// rotation is a pure function of the broadcast day.
	FixedEpochDate string `mapstructure:"fixed_epoch_date"`
}

// RuntimeConfig governs channel state machines and boundary timing.
type RuntimeConfig struct {
	TickInterval                time.Duration `mapstructure:"tick_interval"`
	MaxStartupConvergenceWindow time.Duration `mapstructure:"max_startup_convergence_window"`
	PrefeedLeadTime             time.Duration `mapstructure:"prefeed_lead_time"`
	MinPrefeedLeadTime          time.Duration `mapstructure:"min_prefeed_lead_time"`
	SwitchLeadTime              time.Duration `mapstructure:"switch_lead_time"`
	SwapAckTimeout              time.Duration `mapstructure:"swap_ack_timeout"`
}

// ProducerConfig selects and parameterizes the per-channel producer.
type ProducerConfig struct {
	Mode        string        `mapstructure:"mode"` // synthetic, ffmpeg
	FFmpegPath  string        `mapstructure:"ffmpeg_path"`
	StopTimeout time.Duration `mapstructure:"stop_timeout"`
}

// FanoutConfig governs TS distribution to viewers.
type FanoutConfig struct {
	ChunkBytes        int           `mapstructure:"chunk_bytes"`
	ViewerQueue       ByteSize      `mapstructure:"viewer_queue"`
	ViewerReadTimeout time.Duration `mapstructure:"viewer_read_timeout"`
}

// HLSConfig governs the segmenter and playlist.
type HLSConfig struct {
	TargetDuration         time.Duration `mapstructure:"target_duration"`
	MaxSegments            int           `mapstructure:"max_segments"`
	WaitForPlaylistTimeout time.Duration `mapstructure:"wait_for_playlist_timeout"`
}

// AsRunConfig governs as-run log persistence.
type AsRunConfig struct {
	Dir             string `mapstructure:"dir"`
	CompressRotated bool   `mapstructure:"compress_rotated"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with RETROVUE_ and use underscores for nesting.
// Example: RETROVUE_SERVER_PORT=8080.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	SetDefaults(v)

	// Config file settings
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/retrovue")
		v.AddConfigPath("$HOME/.retrovue")
	}

	// Environment variable settings
	v.SetEnvPrefix("RETROVUE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultReadTimeout)
	v.SetDefault("server.write_timeout", time.Duration(0))
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "retrovue.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Channel definition defaults
	v.SetDefault("channels.dir", "./config/channels")
	v.SetDefault("channels.watch", true)

	// Scheduler defaults
	v.SetDefault("scheduler.grid_minutes", defaultGridMinutes)
	v.SetDefault("scheduler.programming_day_start_hour", defaultDayStartHour)
	v.SetDefault("scheduler.horizon_days", defaultHorizonDays)
	v.SetDefault("scheduler.recompile_threshold_hours", defaultRecompileHours)
	v.SetDefault("scheduler.proactive_extend_threshold", defaultProactiveThreshold)
	v.SetDefault("scheduler.min_epg_days", defaultMinEPGDays)
	v.SetDefault("scheduler.evaluate_interval", defaultEvaluateInterval)
	v.SetDefault("scheduler.fixed_epoch_date", defaultFixedEpochDate)

	// Runtime defaults
	v.SetDefault("runtime.tick_interval", defaultTickInterval)
	v.SetDefault("runtime.max_startup_convergence_window", defaultConvergenceWindow)
	v.SetDefault("runtime.prefeed_lead_time", defaultPrefeedLeadTime)
	v.SetDefault("runtime.min_prefeed_lead_time", defaultMinPrefeedLeadTime)
	v.SetDefault("runtime.switch_lead_time", defaultSwitchLeadTime)
	v.SetDefault("runtime.swap_ack_timeout", defaultSwapAckTimeout)

	// Producer defaults
	v.SetDefault("producer.mode", "synthetic")
	v.SetDefault("producer.ffmpeg_path", "ffmpeg")
	v.SetDefault("producer.stop_timeout", defaultProducerStopTimeout)

	// Fanout defaults
	v.SetDefault("fanout.chunk_bytes", defaultChunkBytes)
	v.SetDefault("fanout.viewer_queue", defaultViewerQueueBytes)
	v.SetDefault("fanout.viewer_read_timeout", defaultViewerReadTimeout)

	// HLS defaults
	v.SetDefault("hls.target_duration", defaultHLSTargetDuration)
	v.SetDefault("hls.max_segments", defaultHLSMaxSegments)
	v.SetDefault("hls.wait_for_playlist_timeout", defaultWaitForPlaylist)

	// As-run defaults
	v.SetDefault("asrun.dir", "./data/asrun")
	v.SetDefault("asrun.compress_rotated", true)
}

// normalize adjusts values that are individually legal but mutually
// inconsistent. The proactive threshold may never sit below the hard
// minimum, otherwise extension would only ever fire in emergency mode.
func (c *Config) normalize() {
	hardMin := time.Duration(c.Scheduler.RecompileThresholdHours) * time.Hour
	if c.Scheduler.ProactiveExtendThreshold < hardMin {
		c.Scheduler.ProactiveExtendThreshold = hardMin
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Server validation
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	// Database validation
	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	// Channel definitions
	if c.Channels.Dir == "" {
		return fmt.Errorf("channels.dir is required")
	}

	// Scheduler validation
	if c.Scheduler.GridMinutes < 1 || 60%c.Scheduler.GridMinutes != 0 {
		return fmt.Errorf("scheduler.grid_minutes must divide 60 evenly, got %d", c.Scheduler.GridMinutes)
	}
	if c.Scheduler.ProgrammingDayStartHour < 0 || c.Scheduler.ProgrammingDayStartHour > 23 {
		return fmt.Errorf("scheduler.programming_day_start_hour must be between 0 and 23")
	}
	if c.Scheduler.HorizonDays < 1 {
		return fmt.Errorf("scheduler.horizon_days must be at least 1")
	}
	if c.Scheduler.MinEPGDays < 1 {
		return fmt.Errorf("scheduler.min_epg_days must be at least 1")
	}
	if c.Scheduler.HorizonDays < c.Scheduler.MinEPGDays {
		return fmt.Errorf("scheduler.horizon_days must cover scheduler.min_epg_days (%d < %d)",
			c.Scheduler.HorizonDays, c.Scheduler.MinEPGDays)
	}
	if c.Scheduler.RecompileThresholdHours < 1 {
		return fmt.Errorf("scheduler.recompile_threshold_hours must be at least 1")
	}
	if c.Scheduler.EvaluateInterval <= 0 {
		return fmt.Errorf("scheduler.evaluate_interval must be positive")
	}
	if _, err := time.Parse("2006-01-02", c.Scheduler.FixedEpochDate); err != nil {
		return fmt.Errorf("scheduler.fixed_epoch_date must be YYYY-MM-DD: %w", err)
	}

	// Runtime validation
	if c.Runtime.TickInterval <= 0 || c.Runtime.TickInterval > 100*time.Millisecond {
		return fmt.Errorf("runtime.tick_interval must be positive and at most 100ms")
	}
	if c.Runtime.MaxStartupConvergenceWindow <= 0 {
		return fmt.Errorf("runtime.max_startup_convergence_window must be positive")
	}
	if c.Runtime.MinPrefeedLeadTime <= 0 {
		return fmt.Errorf("runtime.min_prefeed_lead_time must be positive")
	}
	if c.Runtime.PrefeedLeadTime < c.Runtime.MinPrefeedLeadTime {
		return fmt.Errorf("runtime.prefeed_lead_time must be at least runtime.min_prefeed_lead_time")
	}
	if c.Runtime.SwitchLeadTime <= 0 || c.Runtime.SwitchLeadTime >= time.Second {
		return fmt.Errorf("runtime.switch_lead_time must be positive and sub-second")
	}

	// Producer validation
	validModes := map[string]bool{"synthetic": true, "ffmpeg": true}
	if !validModes[c.Producer.Mode] {
		return fmt.Errorf("producer.mode must be one of: synthetic, ffmpeg")
	}

	// Fanout validation
	const tsPacketSize = 188
	if c.Fanout.ChunkBytes < tsPacketSize || c.Fanout.ChunkBytes%tsPacketSize != 0 {
		return fmt.Errorf("fanout.chunk_bytes must be a positive multiple of %d", tsPacketSize)
	}
	if c.Fanout.ViewerQueue.Bytes() < int64(c.Fanout.ChunkBytes) {
		return fmt.Errorf("fanout.viewer_queue must hold at least one chunk")
	}

	// HLS validation
	if c.HLS.TargetDuration <= 0 {
		return fmt.Errorf("hls.target_duration must be positive")
	}
	if c.HLS.MaxSegments < 3 {
		return fmt.Errorf("hls.max_segments must be at least 3")
	}
	if c.HLS.WaitForPlaylistTimeout <= 0 {
		return fmt.Errorf("hls.wait_for_playlist_timeout must be positive")
	}

	// As-run validation
	if c.AsRun.Dir == "" {
		return fmt.Errorf("asrun.dir is required")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// EpochDate returns the parsed fixed epoch date. Validate guarantees the
// format, so the error path only trips on an unvalidated Config.
func (c *SchedulerConfig) EpochDate() (time.Time, error) {
	return time.Parse("2006-01-02", c.FixedEpochDate)
}

// RecompileThreshold returns the hard minimum horizon as a duration.
func (c *SchedulerConfig) RecompileThreshold() time.Duration {
	return time.Duration(c.RecompileThresholdHours) * time.Hour
}

// QueueChunks converts the viewer queue byte budget into whole chunks.
func (c *FanoutConfig) QueueChunks() int {
	n := int(c.ViewerQueue.Bytes()) / c.ChunkBytes
	if n < 1 {
		n = 1
	}
	return n
}
