package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuya-takeyama/strict-repo-sync/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".strict-repo-sync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, ""))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, config.DefaultS3Concurrency, cfg.S3.Concurrency)
	assert.Equal(t, config.DefaultS3MaxRetries, cfg.S3.MaxRetries)
	assert.Equal(t, config.DefaultKeyringService, cfg.Keyring.Service)
	assert.Equal(t, config.DefaultJournalPath(), cfg.Journal.Path)

	threshold, err := cfg.S3.Threshold()
	require.NoError(t, err)
	assert.Equal(t, int64(64<<20), threshold)
}

func TestLoadFile(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, `
repositories:
  photos:
    type: fs
    path: /data/photos
  backup:
    type: s3
    encrypted: true
    bucket: archive
    prefix: photos/
    region: eu-west-1
    endpoint: http://localhost:9000
    force_path_style: true
log:
  level: debug
  file: /tmp/srs.log
s3:
  concurrency: 10
  multipart_threshold: 16MB
index:
  excludes: ["*.tmp", "cache/"]
journal:
  path: /tmp/journal.db
`))
	require.NoError(t, err)

	assert.Equal(t, config.RepositoryConfig{Type: config.TypeFS, Path: "/data/photos"}, cfg.Repositories["photos"])
	backup := cfg.Repositories["backup"]
	assert.True(t, backup.Encrypted)
	assert.True(t, backup.ForcePathStyle)
	assert.Equal(t, "s3://archive/photos/", backup.String())
	assert.Equal(t, "eu-west-1", backup.AWS(3).Region)
	assert.Equal(t, 3, backup.AWS(3).MaxRetries)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 10, cfg.S3.Concurrency)
	assert.Equal(t, []string{"*.tmp", "cache/"}, cfg.Index.Excludes)
	assert.Equal(t, "/tmp/journal.db", cfg.Journal.Path)

	threshold, err := cfg.S3.Threshold()
	require.NoError(t, err)
	assert.Equal(t, int64(16_000_000), threshold)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("STRICT_REPO_SYNC_LOG_LEVEL", "warn")
	cfg, err := config.Load(writeConfig(t, "log:\n  level: debug\n"))
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadInvalid(t *testing.T) {
	tests := map[string]string{
		"unknown type":   "repositories:\n  x:\n    type: ftp\n",
		"missing path":   "repositories:\n  x:\n    type: fs\n",
		"missing bucket": "repositories:\n  x:\n    type: s3\n",
		"log level":      "log:\n  level: loud\n",
		"concurrency":    "s3:\n  concurrency: 0\n",
		"threshold":      "s3:\n  multipart_threshold: lots\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, content))
			assert.ErrorIs(t, err, config.ErrInvalidConfig)
		})
	}
}

func TestResolve(t *testing.T) {
	cfg := &config.Config{Repositories: map[string]config.RepositoryConfig{
		"photos": {Type: config.TypeFS, Path: "/data/photos"},
	}}

	repo, err := cfg.Resolve("photos")
	require.NoError(t, err)
	assert.Equal(t, "/data/photos", repo.Path)

	repo, err = cfg.Resolve("s3://bucket/some/prefix")
	require.NoError(t, err)
	assert.Equal(t, config.RepositoryConfig{Type: config.TypeS3, Bucket: "bucket", Prefix: "some/prefix/"}, repo)

	dir := t.TempDir()
	repo, err = cfg.Resolve(dir)
	require.NoError(t, err)
	assert.Equal(t, config.RepositoryConfig{Type: config.TypeFS, Path: dir}, repo)

	_, err = cfg.Resolve("nonexistent-name")
	assert.ErrorIs(t, err, config.ErrUnknownRepository)
}
