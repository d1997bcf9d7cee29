// Package config implements configuration loading and validation for the
// scheduler process. Values may come from flags or an optional YAML file;
// flags always win over file values since they are applied after LoadFile.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the scheduler process.
type Config struct {
	StorageRoot string `yaml:"storage_root"` // root directory for queue.log, images/, animations/, temp_frames/
	ListenAddr  string `yaml:"listen_addr"`   // HTTP bind address for httpapi

	WorkerBaseURL      string        `yaml:"worker_base_url"`      // base URL of the node-graph worker
	WorkerStillTimeout time.Duration `yaml:"worker_still_timeout"` // default 300s
	WorkerAnimTimeout  time.Duration `yaml:"worker_anim_timeout"`  // default 600s
	WorkerPollInterval time.Duration `yaml:"worker_poll_interval"` // default 500ms

	DatabaseDSN string `yaml:"database_dsn"` // Postgres DSN for the job repository

	// FrameFetchConcurrency is validated but not passed to the animation
	// pipeline, which always fetches at most maxFrameFetchConcurrency (4)
	// frames at a time.
	FrameFetchConcurrency int `yaml:"frame_fetch_concurrency"`

	ArchiveBucket string `yaml:"archive_bucket"` // optional: s3://bucket prefix for completed artifact archival

	FFmpegPath string `yaml:"ffmpeg_path"` // path to the ffmpeg binary; probed at startup

	LogLevel string `yaml:"log_level"` // "debug"|"info"|"warn"|"error"

	// Internal fields derived during Validate.
	archiveBucketName string
}

// GetArchiveBucketName returns the bucket name parsed from ArchiveBucket.
func (c *Config) GetArchiveBucketName() string {
	return c.archiveBucketName
}

// Default returns a Config populated with the scheduler's default values.
func Default() *Config {
	return &Config{
		StorageRoot:           "./data",
		ListenAddr:            ":8080",
		WorkerBaseURL:         "http://127.0.0.1:8188",
		WorkerStillTimeout:    300 * time.Second,
		WorkerAnimTimeout:     600 * time.Second,
		WorkerPollInterval:    500 * time.Millisecond,
		FrameFetchConcurrency: 4,
		FFmpegPath:            "ffmpeg",
		LogLevel:              "info",
	}
}

// LoadFile overlays YAML file values onto the Config. A missing file is not
// an error so that deployments without a config file fall back to defaults
// plus flags.
func (c *Config) LoadFile(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// Validate ensures all required fields are present and have valid values.
func (c *Config) Validate() error {
	if c.StorageRoot == "" {
		return fmt.Errorf("storage root is required")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.WorkerBaseURL == "" {
		return fmt.Errorf("worker base URL is required")
	}
	if c.WorkerStillTimeout <= 0 {
		return fmt.Errorf("worker still timeout must be positive")
	}
	if c.WorkerAnimTimeout <= 0 {
		return fmt.Errorf("worker animation timeout must be positive")
	}
	if c.WorkerPollInterval <= 0 {
		return fmt.Errorf("worker poll interval must be positive")
	}
	if c.DatabaseDSN == "" {
		return fmt.Errorf("database DSN is required")
	}
	if c.FrameFetchConcurrency < 1 {
		return fmt.Errorf("frame fetch concurrency must be at least 1")
	}

	if c.ArchiveBucket != "" {
		if len(c.ArchiveBucket) < 5 || c.ArchiveBucket[:5] != "s3://" {
			return fmt.Errorf("archive bucket must start with s3://")
		}
		rest := c.ArchiveBucket[5:]
		c.archiveBucketName = rest
		for i, r := range rest {
			if r == '/' {
				c.archiveBucketName = rest[:i]
				break
			}
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log level must be one of debug, info, warn, error")
	}

	return nil
}
