// Package config loads the command line tool's settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/yuya-takeyama/strict-repo-sync/internal/logging"
	"github.com/yuya-takeyama/strict-repo-sync/internal/s3client"
)

// Repository types.
const (
	TypeFS = "fs"
	TypeS3 = "s3"
)

// Defaults.
const (
	DefaultS3Concurrency      = 50
	DefaultS3MaxRetries       = 5
	DefaultMultipartThreshold = "64MiB"
	DefaultKeyringService     = "strict-repo-sync"
	DefaultIndexConcurrency   = 4
)

var (
	ErrUnknownRepository = errors.New("unknown repository")
	ErrInvalidConfig     = errors.New("invalid config")
)

type Config struct {
	Repositories map[string]RepositoryConfig `mapstructure:"repositories"`
	Log          LogConfig                   `mapstructure:"log"`
	S3           S3Config                    `mapstructure:"s3"`
	Index        IndexConfig                 `mapstructure:"index"`
	Journal      JournalConfig               `mapstructure:"journal"`
	Keyring      KeyringConfig               `mapstructure:"keyring"`
}

// RepositoryConfig locates one repository. Type fs uses Path; type s3 uses
// Bucket, Prefix and the optional AWS overrides.
type RepositoryConfig struct {
	Type           string `mapstructure:"type"`
	Encrypted      bool   `mapstructure:"encrypted"`
	Path           string `mapstructure:"path"`
	Bucket         string `mapstructure:"bucket"`
	Prefix         string `mapstructure:"prefix"`
	Region         string `mapstructure:"region"`
	Profile        string `mapstructure:"profile"`
	Endpoint       string `mapstructure:"endpoint"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

type LogConfig struct {
	File  string `mapstructure:"file"`
	Level string `mapstructure:"level"`
}

type S3Config struct {
	Concurrency        int    `mapstructure:"concurrency"`
	MaxRetries         int    `mapstructure:"max_retries"`
	MultipartThreshold string `mapstructure:"multipart_threshold"`
}

type IndexConfig struct {
	Concurrency int      `mapstructure:"concurrency"`
	Excludes    []string `mapstructure:"excludes"`
}

type JournalConfig struct {
	Path string `mapstructure:"path"`
}

type KeyringConfig struct {
	Service string `mapstructure:"service"`
}

// Validate checks values that cannot be checked by decoding alone.
func (c *Config) Validate() error {
	for name, repo := range c.Repositories {
		if err := repo.validate(); err != nil {
			return fmt.Errorf("%w: repositories.%s: %w", ErrInvalidConfig, name, err)
		}
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level: %w", ErrInvalidConfig, err)
	}
	if c.S3.Concurrency <= 0 {
		return fmt.Errorf("%w: s3.concurrency must be positive", ErrInvalidConfig)
	}
	if c.S3.MaxRetries < 0 {
		return fmt.Errorf("%w: s3.max_retries must not be negative", ErrInvalidConfig)
	}
	if _, err := c.S3.Threshold(); err != nil {
		return fmt.Errorf("%w: s3.multipart_threshold: %w", ErrInvalidConfig, err)
	}
	if c.Index.Concurrency <= 0 {
		return fmt.Errorf("%w: index.concurrency must be positive", ErrInvalidConfig)
	}
	return nil
}

func (r RepositoryConfig) validate() error {
	switch r.Type {
	case TypeFS:
		if r.Path == "" {
			return errors.New("path is required")
		}
	case TypeS3:
		if r.Bucket == "" {
			return errors.New("bucket is required")
		}
	default:
		return fmt.Errorf("unknown type %q", r.Type)
	}
	return nil
}

// Threshold returns the multipart threshold in bytes.
func (s S3Config) Threshold() (int64, error) {
	n, err := humanize.ParseBytes(s.MultipartThreshold)
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}

// AWS returns the client settings of an S3 repository.
func (r RepositoryConfig) AWS(maxRetries int) s3client.Config {
	return s3client.Config{
		Region:         r.Region,
		Profile:        r.Profile,
		Endpoint:       r.Endpoint,
		ForcePathStyle: r.ForcePathStyle,
		MaxRetries:     maxRetries,
	}
}

func (r RepositoryConfig) String() string {
	if r.Type == TypeS3 {
		return "s3://" + r.Bucket + "/" + r.Prefix
	}
	return r.Path
}

// Resolve turns a command line argument into a repository: a configured
// name, an s3:// URI or a local directory, in that order.
func (c *Config) Resolve(arg string) (RepositoryConfig, error) {
	if repo, ok := c.Repositories[arg]; ok {
		return repo, nil
	}
	if strings.HasPrefix(arg, "s3://") {
		bucket, prefix, err := s3client.ParseS3URI(arg)
		if err != nil {
			return RepositoryConfig{}, err
		}
		return RepositoryConfig{Type: TypeS3, Bucket: bucket, Prefix: prefix}, nil
	}
	if arg == "" || !strings.ContainsAny(arg, `/\.`) {
		if _, err := os.Stat(arg); err != nil {
			return RepositoryConfig{}, fmt.Errorf("%w: %s", ErrUnknownRepository, arg)
		}
	}
	abs, err := filepath.Abs(arg)
	if err != nil {
		return RepositoryConfig{}, err
	}
	return RepositoryConfig{Type: TypeFS, Path: abs}, nil
}

// DefaultJournalPath places the journal in the user's config directory.
func DefaultJournalPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".", ".strict-repo-sync", "journal.db")
	}
	return filepath.Join(dir, "strict-repo-sync", "journal.db")
}
