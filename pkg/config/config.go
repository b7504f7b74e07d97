package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the operational pipeline configuration. It is editable at
// runtime through the config API; sessions read it when they are created.
type Config struct {
	Version     string         `yaml:"version" json:"version"`
	ConfigID    string         `yaml:"config_id" json:"config_id"`
	LastUpdated string         `yaml:"last_updated" json:"last_updated"`
	Pipeline    PipelineConfig `yaml:"pipeline" json:"pipeline"`
	Canvas      CanvasConfig   `yaml:"canvas" json:"canvas"`
	Topics      TopicConfig    `yaml:"topics" json:"topics"`
	Sessions    SessionConfig  `yaml:"sessions" json:"sessions"`
	Marker      MarkerConfig   `yaml:"marker" json:"marker"`
}

// PipelineConfig controls the change-detection and batching loop.
type PipelineConfig struct {
	TickIntervalMs  int  `yaml:"tick_interval_ms" json:"tick_interval_ms"`
	HighWaterMark   int  `yaml:"high_water_mark" json:"high_water_mark"`
	TrackTrajectory bool `yaml:"track_trajectory" json:"track_trajectory"`
	FrameLength     int  `yaml:"frame_length" json:"frame_length"`
}

// CanvasConfig describes the on-screen drawing canvas and its internal scale.
type CanvasConfig struct {
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`
	Scale  int `yaml:"scale" json:"scale"`
}

// TopicConfig holds the topic names used on the backend link.
type TopicConfig struct {
	BatchPrefix        string `yaml:"batch_prefix" json:"batch_prefix"`
	FramePrefix        string `yaml:"frame_prefix" json:"frame_prefix"`
	SessionEvents      string `yaml:"session_events" json:"session_events"`
	ConfigNotification string `yaml:"config_notification" json:"config_notification"`
}

// SessionConfig bounds operator sessions.
type SessionConfig struct {
	MaxSessions  int `yaml:"max_sessions" json:"max_sessions"`
	IdleTimeoutS int `yaml:"idle_timeout_s" json:"idle_timeout_s"`
}

// MarkerConfig controls how trajectory points are drawn on returned frames.
type MarkerConfig struct {
	Radius  int  `yaml:"radius" json:"radius"`
	MarkAll bool `yaml:"mark_all" json:"mark_all"`

	// ResizeToCanvas rescales returned frames to the canvas size before marking.
	ResizeToCanvas bool `yaml:"resize_to_canvas" json:"resize_to_canvas"`
}

// Default returns a configuration with every field at its default value.
func Default() *Config {
	cfg := &Config{Version: "1.0", ConfigID: "default"}
	cfg.ApplyDefaults()
	return cfg
}

// LoadConfig loads configuration from the specified file path and fills in defaults
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseConfig parses YAML and fills in defaults.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults replaces zero values with defaults.
func (c *Config) ApplyDefaults() {
	if c.Pipeline.TickIntervalMs == 0 {
		c.Pipeline.TickIntervalMs = 100
	}
	if c.Pipeline.HighWaterMark == 0 {
		c.Pipeline.HighWaterMark = 16
	}
	if c.Pipeline.FrameLength == 0 {
		c.Pipeline.FrameLength = 16
	}
	if c.Canvas.Width == 0 {
		c.Canvas.Width = 256
	}
	if c.Canvas.Height == 0 {
		c.Canvas.Height = 256
	}
	if c.Canvas.Scale == 0 {
		c.Canvas.Scale = 4
	}
	if c.Topics.BatchPrefix == "" {
		c.Topics.BatchPrefix = "render.batch"
	}
	if c.Topics.FramePrefix == "" {
		c.Topics.FramePrefix = "render.frame"
	}
	if c.Topics.SessionEvents == "" {
		c.Topics.SessionEvents = "session.events"
	}
	if c.Topics.ConfigNotification == "" {
		c.Topics.ConfigNotification = "configuration.notification"
	}
	if c.Sessions.MaxSessions == 0 {
		c.Sessions.MaxSessions = 32
	}
	if c.Sessions.IdleTimeoutS == 0 {
		c.Sessions.IdleTimeoutS = 600
	}
	if c.Marker.Radius == 0 {
		c.Marker.Radius = 3
	}
}

// Validate checks the fields a running pipeline depends on.
func (c *Config) Validate() error {
	if c.ConfigID == "" || c.Version == "" {
		return fmt.Errorf("validation failed: missing required fields (config_id, version)")
	}
	if c.Pipeline.TickIntervalMs < 0 {
		return fmt.Errorf("validation failed: pipeline.tick_interval_ms must be positive, got %d", c.Pipeline.TickIntervalMs)
	}
	if c.Pipeline.HighWaterMark < 2 {
		return fmt.Errorf("validation failed: pipeline.high_water_mark must be at least 2, got %d", c.Pipeline.HighWaterMark)
	}
	if c.Canvas.Width < 0 || c.Canvas.Height < 0 || c.Canvas.Scale < 0 {
		return fmt.Errorf("validation failed: canvas dimensions must be positive")
	}
	return nil
}

// TickInterval returns the sampling cadence.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Pipeline.TickIntervalMs) * time.Millisecond
}

// IdleTimeout returns how long a session may stay silent before cleanup.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Sessions.IdleTimeoutS) * time.Second
}

// InternalSize returns the trajectory resolution (canvas size times scale).
func (c *Config) InternalSize() (int, int) {
	return c.Canvas.Width * c.Canvas.Scale, c.Canvas.Height * c.Canvas.Scale
}

// BatchTopic returns the topic batches for sessionID are published on.
func (c *Config) BatchTopic(sessionID string) string {
	return c.Topics.BatchPrefix + "." + sessionID
}

// FrameTopic returns the topic rendered frames for sessionID arrive on.
func (c *Config) FrameTopic(sessionID string) string {
	return c.Topics.FramePrefix + "." + sessionID
}

// SessionFromFrameTopic extracts the session id from a frame topic.
func (c *Config) SessionFromFrameTopic(topic string) (string, bool) {
	sessionID, ok := strings.CutPrefix(topic, c.Topics.FramePrefix+".")
	if !ok || sessionID == "" {
		return "", false
	}
	return sessionID, true
}
