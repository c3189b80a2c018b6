package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel int `yaml:"log_level"`

	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Search   SearchConfig   `yaml:"search"`
	Download DownloadConfig `yaml:"download"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Archive  ArchiveConfig  `yaml:"archive"`
}

type ServerConfig struct {
	// Enabled turns on the HTTP companion API alongside the bot.
	Enabled bool   `yaml:"enabled"`
	Port    string `yaml:"port"`
}

type StorageConfig struct {
	// Dir is the managed directory holding cached audio and covers.
	Dir string `yaml:"dir"`

	// DatabasePath is the sqlite file holding cache records and users.
	DatabasePath string `yaml:"database_path"`

	// MaxBytes caps total cached audio. 0 means unbounded.
	MaxBytes int64 `yaml:"max_bytes"`
}

type SearchConfig struct {
	// MinConfidence is the acceptance bar for a source match, 0..1.
	MinConfidence float64 `yaml:"min_confidence"`

	// MaxCandidates is how many search results are scored.
	MaxCandidates int `yaml:"max_candidates"`
}

type DownloadConfig struct {
	// Retries is the number of attempts for transient download failures.
	Retries int `yaml:"retries"`

	// Backoff is the initial retry delay; it doubles per attempt.
	Backoff time.Duration `yaml:"backoff"`

	// Timeout bounds a single yt-dlp invocation.
	Timeout time.Duration `yaml:"timeout"`
}

type DeliveryConfig struct {
	// MaxArtifactBytes refuses delivery of artifacts larger than the
	// transport can upload. 0 means no limit.
	MaxArtifactBytes int64 `yaml:"max_artifact_bytes"`
}

type ArchiveConfig struct {
	// Bucket enables mirroring finished artifacts to a GCS bucket when set.
	Bucket          string `yaml:"bucket"`
	ObjectPrefix    string `yaml:"object_prefix"`
	CredentialsFile string `yaml:"credentials_file"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config *Config

	// Unmarshal the YAML data into the struct
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, err
	}

	// An empty or comment-only file unmarshals to nil.
	if config == nil {
		config = &Config{}
	}

	// Set defaults if not provided
	if config.Server.Port == "" {
		config.Server.Port = "8080"
	}

	if config.Storage.Dir == "" {
		config.Storage.Dir = "downloads"
	}

	if config.Storage.DatabasePath == "" {
		config.Storage.DatabasePath = "trackbot.db"
	}

	if config.Search.MinConfidence == 0 {
		config.Search.MinConfidence = 0.5
	}

	if config.Search.MaxCandidates == 0 {
		config.Search.MaxCandidates = 5
	}

	if config.Download.Retries == 0 {
		config.Download.Retries = 3
	}

	if config.Download.Backoff == 0 {
		config.Download.Backoff = 2 * time.Second
	}

	if config.Download.Timeout == 0 {
		config.Download.Timeout = 10 * time.Minute
	}

	return config, nil
}
