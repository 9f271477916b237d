package internal

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/hbomb79/Melody/internal/api"
	"github.com/hbomb79/Melody/internal/blob"
	"github.com/hbomb79/Melody/internal/database"
	"github.com/hbomb79/Melody/internal/fetcher"
	"github.com/hbomb79/Melody/internal/ingest"
	"github.com/hbomb79/Melody/internal/queue"
	"github.com/ilyakaznacheev/cleanenv"
)

// claimIdleMargin is the minimum slack required between the longest possible
// job and the point at which its message may be reclaimed by another worker.
const claimIdleMargin = 30 * time.Second

var ErrClaimIdleTooShort = errors.New("redis claim_min_idle_seconds is too short")

// MelodyConfig is the struct used to contain the
// various user config supplied by file, or
// by the environment.
type MelodyConfig struct {
	Database database.DatabaseConfig `yaml:"database"`
	Redis    queue.Config            `yaml:"redis"`
	Blob     blob.Config             `yaml:"blob"`
	Fetcher  fetcher.Config          `yaml:"fetcher"`
	Ingest   ingest.Config           `yaml:"ingest"`
	Api      api.RestConfig          `yaml:"api"`
	LogLevel string                  `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
}

// LoadFromFile loads a YAML configuration file in to the config, with any
// environment variables taking precedence. If the file does not exist then
// the configuration is read from the environment alone.
func (config *MelodyConfig) LoadFromFile(configPath string) error {
	if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
		if err := cleanenv.ReadEnv(config); err != nil {
			return fmt.Errorf("failed to load configuration from environment: %w", err)
		}

		return nil
	}

	if err := cleanenv.ReadConfig(configPath, config); err != nil {
		return fmt.Errorf("failed to load configuration from %s: %w", configPath, err)
	}

	return nil
}

// Validate checks the relationships between configuration options which
// cleanenv can't express. A message must not be reclaimed while the worker
// that holds it is still processing, else the same job runs twice.
func (config MelodyConfig) Validate() error {
	maxJob := config.Ingest.MaxJobDuration(config.Fetcher.Timeout())
	if claimIdle := config.Redis.ClaimMinIdle(); claimIdle < maxJob+claimIdleMargin {
		return fmt.Errorf("%w: messages are reclaimed after %s but a job may take up to %s (plus %s margin)",
			ErrClaimIdleTooShort, claimIdle, maxJob, claimIdleMargin)
	}

	return nil
}
