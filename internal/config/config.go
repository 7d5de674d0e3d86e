// Package config loads server configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"audio-recorder/internal/capture"

	"github.com/caarlos0/env/v11"
)

// Config holds server configuration.
type Config struct {
	Port      int    `env:"PORT"       envDefault:"8420"`
	StaticDir string `env:"STATIC_DIR" envDefault:"./frontend/dist"`
	DeviceDir string `env:"DEVICE_DIR" envDefault:"/dev/snd"`

	Capture Capture

	// CompleteHook is run through sh -c for every saved recording, with
	// the audio on stdin.
	CompleteHook string `env:"COMPLETE_HOOK"`

	LogFile      string `env:"LOG_FILE"`
	LogMaxSizeMB int    `env:"LOG_MAX_SIZE_MB" envDefault:"50"`
}

// Capture configures the capture command and the constraints every
// recording is started with.
type Capture struct {
	Command     string        `env:"CAPTURE_COMMAND"      envDefault:"arecord"`
	StopTimeout time.Duration `env:"CAPTURE_STOP_TIMEOUT" envDefault:"2s"`

	DeviceID         string `env:"CAPTURE_DEVICE"`
	ChannelCount     int    `env:"CAPTURE_CHANNELS"          envDefault:"1"`
	SampleRate       int    `env:"CAPTURE_SAMPLE_RATE"       envDefault:"44100"`
	SampleSize       int    `env:"CAPTURE_SAMPLE_SIZE"       envDefault:"16"`
	EchoCancellation *bool  `env:"CAPTURE_ECHO_CANCELLATION"`
	NoiseSuppression *bool  `env:"CAPTURE_NOISE_SUPPRESSION"`
	AutoGainControl  *bool  `env:"CAPTURE_AUTO_GAIN"`
}

// Load parses the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return Config{}, fmt.Errorf("invalid PORT %d", cfg.Port)
	}
	return cfg, nil
}

// Constraints converts the capture settings into session constraints.
func (c Capture) Constraints() capture.Constraints {
	return capture.Constraints{
		DeviceID:         c.DeviceID,
		ChannelCount:     c.ChannelCount,
		SampleRate:       c.SampleRate,
		SampleSize:       c.SampleSize,
		EchoCancellation: c.EchoCancellation,
		NoiseSuppression: c.NoiseSuppression,
		AutoGainControl:  c.AutoGainControl,
	}
}
