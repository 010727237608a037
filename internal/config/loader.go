package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

const (
	configName      = ".strict-repo-sync"
	configType      = "yaml"
	envPrefix       = "STRICT_REPO_SYNC"
	envKeySeparator = "_"
)

// Load reads configuration from file, env vars, and defaults.
// If configPath is non-empty, it is used as the explicit config file path.
// Otherwise, the config file is searched in CWD and $HOME.
// Missing config file is not an error; defaults are used.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	applyDefaults(v)

	v.SetConfigType(configType)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", envKeySeparator))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Journal.Path == "" {
		cfg.Journal.Path = DefaultJournalPath()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("s3.concurrency", DefaultS3Concurrency)
	v.SetDefault("s3.max_retries", DefaultS3MaxRetries)
	v.SetDefault("s3.multipart_threshold", DefaultMultipartThreshold)
	v.SetDefault("index.concurrency", DefaultIndexConcurrency)
	v.SetDefault("index.excludes", []string{})
	v.SetDefault("journal.path", "")
	v.SetDefault("keyring.service", DefaultKeyringService)
}
