package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Settings holds the process configuration, read once from the environment at
// startup and never mutated afterwards.
type Settings struct {
	Port          int    `envconfig:"PORT" default:"10000"`
	NVIDIABaseURL string `envconfig:"NVIDIA_BASE_URL" default:"https://integrate.api.nvidia.com/v1"`
	NVIDIAAPIKey  string `envconfig:"NVIDIA_API_KEY"`
}

// Load reads an optional .env file followed by the process environment.
// A missing credential is not a load error: requests fail individually with a
// configuration error until one is provided.
func Load(envFile string) (Settings, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return Settings{}, fmt.Errorf("load env file %q: %w", envFile, err)
		}
	} else {
		// Best-effort: a .env in the working directory is optional.
		_ = godotenv.Load()
	}

	var s Settings
	if err := envconfig.Process("", &s); err != nil {
		return Settings{}, fmt.Errorf("read environment: %w", err)
	}

	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate performs sanity checks on the configuration.
func (s Settings) Validate() error {
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("PORT must be a valid TCP port, got %d", s.Port)
	}
	if strings.TrimSpace(s.NVIDIABaseURL) == "" {
		return fmt.Errorf("NVIDIA_BASE_URL must not be empty")
	}
	return nil
}

// APIConfigured reports whether an upstream credential is present.
func (s Settings) APIConfigured() bool {
	return strings.TrimSpace(s.NVIDIAAPIKey) != ""
}
