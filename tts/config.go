package tts

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Synthesis defaults, used when the caller omits an option.
const (
	DefaultEndpoint = "http://localhost:8080/api/v1/speech"
	DefaultVoice    = "alloy"
	DefaultModel    = "tts-1"
	DefaultSpeed    = 1.0
	DefaultFormat   = "mp3"
)

// Config holds environment-backed defaults for the engine.
type Config struct {
	Endpoint string  `env:"SPEECH_ENDPOINT" envDefault:"http://localhost:8080/api/v1/speech"`
	Voice    string  `env:"SPEECH_VOICE" envDefault:"alloy"`
	Model    string  `env:"SPEECH_MODEL" envDefault:"tts-1"`
	Speed    float64 `env:"SPEECH_SPEED" envDefault:"1.0"`
	Format   string  `env:"SPEECH_FORMAT" envDefault:"mp3"`
}

// LoadConfig reads configuration from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment config: %w", err)
	}
	if cfg.Speed <= 0 {
		return Config{}, fmt.Errorf("invalid speed %v: must be positive", cfg.Speed)
	}
	return cfg, nil
}

// PlayOptions override the engine defaults for a single play call. Zero
// values fall back to the configured defaults.
type PlayOptions struct {
	Endpoint string
	Voice    string
	Model    string
	Speed    float64
	Format   string
}

// withDefaults fills in unset options from cfg.
func (o PlayOptions) withDefaults(cfg Config) PlayOptions {
	if o.Endpoint == "" {
		o.Endpoint = cfg.Endpoint
	}
	if o.Voice == "" {
		o.Voice = cfg.Voice
	}
	if o.Model == "" {
		o.Model = cfg.Model
	}
	if o.Speed == 0 {
		o.Speed = cfg.Speed
	}
	if o.Format == "" {
		o.Format = cfg.Format
	}
	return o
}
