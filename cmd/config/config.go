package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the daemon
type Config struct {
	// Server configuration
	Port int `envconfig:"PORT" default:"10600"`

	// Capture configuration
	DisplayNum    int `envconfig:"DISPLAY_NUM" default:"0"`
	FrameRate     int `envconfig:"FRAME_RATE" default:"60"`
	CaptureWidth  int `envconfig:"CAPTURE_WIDTH" default:"1920"`
	CaptureHeight int `envconfig:"CAPTURE_HEIGHT" default:"1080"`

	// Frame channel between the capture loop and the writer
	FrameChannelCapacity int           `envconfig:"FRAME_CHANNEL_CAPACITY" default:"16"`
	FrameSendTimeout     time.Duration `envconfig:"FRAME_SEND_TIMEOUT" default:"5s"`
	DrainWindow          time.Duration `envconfig:"DRAIN_WINDOW" default:"200ms"`
	MaxRecordingDuration time.Duration `envconfig:"MAX_RECORDING_DURATION" default:"4h"`

	// Permission negotiation
	PermissionTimeout   time.Duration `envconfig:"PERMISSION_TIMEOUT" default:"60s"`
	TokenRestoreTimeout time.Duration `envconfig:"TOKEN_RESTORE_TIMEOUT" default:"3s"`
	TokenStorePath      string        `envconfig:"TOKEN_STORE_PATH" default:"restore_tokens.json"`

	// Recording output
	OutputDir     string `envconfig:"OUTPUT_DIR" default:"."`
	CatalogDBPath string `envconfig:"CATALOG_DB_PATH" default:"recordings.db"`

	// Absolute or relative paths to the external binaries. If left at their
	// defaults the binaries are expected to be discoverable on $PATH.
	PathToFFmpeg  string `envconfig:"FFMPEG_PATH" default:"ffmpeg"`
	PathToFFprobe string `envconfig:"FFPROBE_PATH" default:"ffprobe"`
	PathToPactl   string `envconfig:"PACTL_PATH" default:"pactl"`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		return nil, err
	}
	if err := validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func validate(config *Config) error {
	if config.OutputDir == "" {
		return fmt.Errorf("OUTPUT_DIR is required")
	}
	if config.DisplayNum < 0 {
		return fmt.Errorf("DISPLAY_NUM must not be negative")
	}
	if config.FrameRate <= 0 || config.FrameRate > 1000 {
		return fmt.Errorf("FRAME_RATE must be between 1 and 1000")
	}
	if config.CaptureWidth <= 0 || config.CaptureWidth > 4096 {
		return fmt.Errorf("CAPTURE_WIDTH must be between 1 and 4096")
	}
	if config.CaptureHeight <= 0 || config.CaptureHeight > 4096 {
		return fmt.Errorf("CAPTURE_HEIGHT must be between 1 and 4096")
	}
	if config.FrameChannelCapacity <= 0 {
		return fmt.Errorf("FRAME_CHANNEL_CAPACITY must be greater than 0")
	}
	if config.FrameSendTimeout <= 0 {
		return fmt.Errorf("FRAME_SEND_TIMEOUT must be greater than 0")
	}
	if config.DrainWindow <= 0 {
		return fmt.Errorf("DRAIN_WINDOW must be greater than 0")
	}
	if config.MaxRecordingDuration <= 0 {
		return fmt.Errorf("MAX_RECORDING_DURATION must be greater than 0")
	}
	if config.PathToFFmpeg == "" {
		return fmt.Errorf("FFMPEG_PATH is required")
	}
	if config.PathToFFprobe == "" {
		return fmt.Errorf("FFPROBE_PATH is required")
	}
	if config.TokenStorePath == "" {
		return fmt.Errorf("TOKEN_STORE_PATH is required")
	}
	if config.CatalogDBPath == "" {
		return fmt.Errorf("CATALOG_DB_PATH is required")
	}

	return nil
}
