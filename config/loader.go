package config

import (
	"fmt"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
	log "github.com/sirupsen/logrus"
)

// PathEnv names the variable holding the YAML file path.
const PathEnv = "PERFSYNC_CONFIG"

const defaultPath = "./perfsync.yaml"

// Load reads the YAML file named by PERFSYNC_CONFIG (default ./perfsync.yaml)
// with environment overrides. A missing default file falls back to the
// environment alone; a missing explicit file is an error.
func Load() (*Config, error) {
	path := os.Getenv(PathEnv)
	explicit := path != ""
	if !explicit {
		path = defaultPath
	}
	return LoadFile(path, explicit)
}

// LoadFile is Load with an explicit path. When required is false a missing
// file is not an error.
func LoadFile(path string, required bool) (*Config, error) {
	var cfg Config
	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else if required {
		return nil, fmt.Errorf("config: file %s: %w", path, err)
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("config: read env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}

// NewLogger builds the logger described by c.
func (c LogConfig) NewLogger() (*log.Logger, error) {
	level, err := log.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("config: log level: %w", err)
	}
	if c.Debug {
		level = log.DebugLevel
	}
	logger := log.New()
	logger.SetLevel(level)
	if c.Format == "json" {
		logger.SetFormatter(&log.JSONFormatter{})
	}
	return logger, nil
}
