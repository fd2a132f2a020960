// Package config loads the fatigued configuration.
//
// Precedence, lowest first: built-in defaults, YAML file, FATIGUE_*
// environment variables (optionally read from a .env file), command-line
// flags (applied by the caller).
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/e7canasta/orion-fatigue/internal/retry"
	"github.com/e7canasta/orion-fatigue/modules/fatigue"
	"github.com/e7canasta/orion-fatigue/modules/session"
)

// Config is the complete fatigued configuration.
type Config struct {
	Participant      string                `yaml:"participant_id"`
	ReportDir        string                `yaml:"report_dir"`
	ShutdownTimeoutS int                   `yaml:"shutdown_timeout_s"`
	Camera           CameraConfig          `yaml:"camera"`
	Capture          fatigue.CaptureConfig `yaml:"capture"`
	Landmarks        LandmarksConfig       `yaml:"landmarks"`
	Report           ReportConfig          `yaml:"report"`
	MQTT             MQTTConfig            `yaml:"mqtt"`
	HTTP             HTTPConfig            `yaml:"http"`
}

// CameraConfig selects and tunes the frame source.
type CameraConfig struct {
	Source           string `yaml:"source"` // v4l2, synthetic
	Device           string `yaml:"device"`
	Width            int    `yaml:"width"`
	Height           int    `yaml:"height"`
	OpenRetries      int    `yaml:"open_retries"`
	OpenBackoffMs    int    `yaml:"open_backoff_ms"`
	OpenBackoffMaxMs int    `yaml:"open_backoff_max_ms"`
}

// LandmarksConfig configures the eye-opening extractor.
// An empty Command selects the synthetic extractor.
type LandmarksConfig struct {
	Command   string   `yaml:"command"`
	Args      []string `yaml:"args"`
	TimeoutMs int      `yaml:"timeout_ms"`
}

// ReportConfig selects the report sinks.
type ReportConfig struct {
	CSV        bool   `yaml:"csv"`
	SQLitePath string `yaml:"sqlite_path"` // empty disables
	EventLog   bool   `yaml:"event_log"`
	QueueSize  int    `yaml:"queue_size"`
}

// MQTTConfig configures the live MQTT sink. An empty Broker disables it.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// HTTPConfig configures the control API. An empty Listen disables it.
type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

const (
	SourceV4L2      = "v4l2"
	SourceSynthetic = "synthetic"
)

// ErrInvalid wraps every validation error.
var ErrInvalid = errors.New("config: invalid configuration")

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		ReportDir:        "reports",
		ShutdownTimeoutS: 5,
		Camera: CameraConfig{
			Source:           SourceV4L2,
			Device:           "/dev/video0",
			Width:            640,
			Height:           480,
			OpenRetries:      5,
			OpenBackoffMs:    1000,
			OpenBackoffMaxMs: 30000,
		},
		Capture: fatigue.DefaultCaptureConfig(),
		Landmarks: LandmarksConfig{
			TimeoutMs: 2000,
		},
		Report: ReportConfig{
			CSV:       true,
			EventLog:  true,
			QueueSize: 5,
		},
		MQTT: MQTTConfig{
			ClientID:    "fatigued",
			TopicPrefix: "fatigue",
		},
		HTTP: HTTPConfig{
			Listen: ":8080",
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration and fills zero values with defaults.
func Validate(cfg *Config) error {
	switch cfg.Camera.Source {
	case SourceV4L2, SourceSynthetic:
	case "":
		cfg.Camera.Source = SourceV4L2
	default:
		return fmt.Errorf("%w: camera.source must be %q or %q, got %q",
			ErrInvalid, SourceV4L2, SourceSynthetic, cfg.Camera.Source)
	}
	if cfg.Camera.Source == SourceV4L2 && cfg.Camera.Device == "" {
		return fmt.Errorf("%w: camera.device is required for v4l2", ErrInvalid)
	}
	if cfg.Camera.Width <= 0 {
		cfg.Camera.Width = 640
	}
	if cfg.Camera.Height <= 0 {
		cfg.Camera.Height = 480
	}
	if cfg.Camera.OpenRetries < 0 {
		return fmt.Errorf("%w: camera.open_retries must be >= 0", ErrInvalid)
	}
	if cfg.Camera.OpenBackoffMs <= 0 {
		cfg.Camera.OpenBackoffMs = 1000
	}
	if cfg.Camera.OpenBackoffMaxMs < cfg.Camera.OpenBackoffMs {
		cfg.Camera.OpenBackoffMaxMs = cfg.Camera.OpenBackoffMs
	}

	if err := cfg.Capture.Validate(); err != nil {
		return fmt.Errorf("%w: capture: %w", ErrInvalid, err)
	}

	if cfg.Landmarks.TimeoutMs <= 0 {
		cfg.Landmarks.TimeoutMs = 2000
	}
	if cfg.Report.QueueSize <= 0 {
		cfg.Report.QueueSize = 5
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}
	if cfg.MQTT.Broker != "" && cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "fatigued"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "fatigue"
	}
	return nil
}

// OpenPolicy is the camera open retry policy.
func (c *Config) OpenPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries:   c.Camera.OpenRetries,
		InitialDelay: time.Duration(c.Camera.OpenBackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(c.Camera.OpenBackoffMaxMs) * time.Millisecond,
	}
}

// Session returns the session controller configuration.
func (c *Config) Session() session.Config {
	return session.Config{
		Participant: c.Participant,
		ReportDir:   c.ReportDir,
		Capture:     c.Capture,
		QueueSize:   c.Report.QueueSize,
		OpenPolicy:  c.OpenPolicy(),
		EventLog:    c.Report.EventLog,
	}
}

// ShutdownTimeout is the grace period for a signal-triggered shutdown.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}
