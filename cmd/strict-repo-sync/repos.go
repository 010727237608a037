package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/yuya-takeyama/strict-repo-sync/internal/config"
	"github.com/yuya-takeyama/strict-repo-sync/internal/logging"
	"github.com/yuya-takeyama/strict-repo-sync/internal/s3client"
	"github.com/yuya-takeyama/strict-repo-sync/pkg/repository"
	"github.com/yuya-takeyama/strict-repo-sync/pkg/repository/encrypted"
	"github.com/yuya-takeyama/strict-repo-sync/pkg/repository/fsrepo"
	"github.com/yuya-takeyama/strict-repo-sync/pkg/repository/s3repo"
	"github.com/yuya-takeyama/strict-repo-sync/pkg/vault"
)

// osFs is replaced by tests.
var osFs = afero.NewOsFs()

// newS3Client is replaced by tests.
var newS3Client = func(ctx context.Context, rc config.RepositoryConfig, cfg *config.Config) (*s3client.Client, error) {
	return s3client.New(ctx, rc.AWS(cfg.S3.MaxRetries))
}

func s3Options(cfg *config.Config, log *slog.Logger) ([]s3repo.Option, error) {
	threshold, err := cfg.S3.Threshold()
	if err != nil {
		return nil, err
	}
	return []s3repo.Option{
		s3repo.WithLogger(log),
		s3repo.WithHeadConcurrency(cfg.S3.Concurrency),
		s3repo.WithMultipartThreshold(threshold, 0),
	}, nil
}

// openRepository resolves arg and opens the repository behind it, unlocking
// encrypted ones.
func openRepository(ctx context.Context, arg string) (repository.Repository, error) {
	rc, err := env.cfg.Resolve(arg)
	if err != nil {
		return nil, err
	}
	log := logging.Sub(env.log, "repository")

	switch rc.Type {
	case config.TypeFS:
		if !rc.Encrypted {
			exists, err := fsrepo.Exists(osFs, rc.Path)
			if err != nil {
				return nil, err
			}
			if exists {
				return fsrepo.Open(osFs, rc.Path, fsrepo.WithLogger(log))
			}
			if ok, _ := afero.DirExists(osFs, rc.Path); !ok {
				return nil, fmt.Errorf("repository does not exist: %s", rc.Path)
			}
		}
		store, err := fsrepo.NewBlobStore(osFs, rc.Path)
		if err != nil {
			return nil, err
		}
		return unlock(ctx, rc, store, log)

	case config.TypeS3:
		client, err := newS3Client(ctx, rc, env.cfg)
		if err != nil {
			return nil, err
		}
		opts, err := s3Options(env.cfg, log)
		if err != nil {
			return nil, err
		}
		store := s3repo.NewBlobStore(client, rc.Bucket, rc.Prefix, opts...)
		repo, err := unlock(ctx, rc, store, log)
		if errors.Is(err, vault.ErrNotExisting) && !rc.Encrypted {
			return s3repo.New(client, rc.Bucket, rc.Prefix, opts...), nil
		}
		return repo, err

	default:
		return nil, fmt.Errorf("%w: unknown repository type %q", config.ErrInvalidConfig, rc.Type)
	}
}

func unlock(ctx context.Context, rc config.RepositoryConfig, store repository.BlobStore, log *slog.Logger) (repository.Repository, error) {
	repo, err := encrypted.Open(ctx, store, encrypted.WithLogger(log))
	if err != nil {
		return nil, err
	}

	id := rc.String()
	password, err := env.passwords.Lookup(id)
	if err != nil {
		return nil, fmt.Errorf("password for %s: %w", id, err)
	}
	if err := repo.Unlock(ctx, password); err != nil {
		if errors.Is(err, vault.ErrIncorrectPassword) {
			if ferr := env.passwords.Forget(id); ferr != nil {
				log.Warn("failed to forget password", "repo", id, "err", ferr)
			}
		}
		return nil, fmt.Errorf("unlock %s: %w", id, err)
	}
	if rememberPassword {
		if err := env.passwords.Remember(id, password); err != nil {
			log.Warn("failed to remember password", "repo", id, "err", err)
		}
	}
	return repo, nil
}

// initRepository creates an empty repository at arg.
func initRepository(ctx context.Context, arg string, encrypt bool) (repository.Repository, error) {
	rc, err := env.cfg.Resolve(arg)
	if err != nil && rc.Type == "" {
		if !errors.Is(err, config.ErrUnknownRepository) {
			return nil, err
		}
		// init may create the directory of a bare name
		abs, err := filepath.Abs(arg)
		if err != nil {
			return nil, err
		}
		rc = config.RepositoryConfig{Type: config.TypeFS, Path: abs}
	}
	encrypt = encrypt || rc.Encrypted
	log := logging.Sub(env.log, "repository")

	var store repository.BlobStore
	switch rc.Type {
	case config.TypeFS:
		if !encrypt {
			if err := osFs.MkdirAll(rc.Path, 0o755); err != nil {
				return nil, err
			}
			return fsrepo.Init(osFs, rc.Path, fsrepo.WithLogger(log))
		}
		if exists, _ := fsrepo.Exists(osFs, rc.Path); exists {
			return nil, fmt.Errorf("repository already exists: %s", rc.Path)
		}
		if store, err = fsrepo.NewBlobStore(osFs, rc.Path); err != nil {
			return nil, err
		}

	case config.TypeS3:
		client, err := newS3Client(ctx, rc, env.cfg)
		if err != nil {
			return nil, err
		}
		opts, err := s3Options(env.cfg, log)
		if err != nil {
			return nil, err
		}
		if !encrypt {
			// S3 repositories need no marker; writing the metadata object
			// makes the prefix visible.
			repo := s3repo.New(client, rc.Bucket, rc.Prefix, opts...)
			if _, err := repo.UpdateMetadata(ctx, func(m repository.Metadata) (repository.Metadata, error) { return m, nil }); err != nil {
				return nil, err
			}
			return repo, nil
		}
		store = s3repo.NewBlobStore(client, rc.Bucket, rc.Prefix, opts...)

	default:
		return nil, fmt.Errorf("%w: unknown repository type %q", config.ErrInvalidConfig, rc.Type)
	}

	id := rc.String()
	password, err := env.passwords.Create(id)
	if err != nil {
		return nil, err
	}
	repo, err := encrypted.Create(ctx, store, password, encrypted.WithLogger(log))
	if err != nil {
		return nil, err
	}
	if rememberPassword {
		if err := env.passwords.Remember(id, password); err != nil {
			log.Warn("failed to remember password", "repo", id, "err", err)
		}
	}
	return repo, nil
}
