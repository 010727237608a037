package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yuya-takeyama/strict-repo-sync/internal/config"
	"github.com/yuya-takeyama/strict-repo-sync/internal/logging"
	"github.com/yuya-takeyama/strict-repo-sync/internal/secrets"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
	builtBy = "unknown"
)

var (
	configFile       string
	quiet            bool
	logLevel         string
	logFile          string
	rememberPassword bool
)

// app is the state shared by every command once the root pre-run is done.
type app struct {
	cfg       *config.Config
	log       *slog.Logger
	closer    io.Closer
	passwords *secrets.Passwords
	stdout    io.Writer
	stderr    io.Writer
	stdin     io.Reader
}

var env = &app{}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := execute(ctx, newRootCmd()); err != nil {
		os.Exit(1)
	}
}

func execute(ctx context.Context, cmd *cobra.Command) error {
	defer func() {
		if env.closer != nil {
			env.closer.Close()
			env.closer = nil
		}
	}()
	return cmd.ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "strict-repo-sync",
		Short: "Content addressed synchronization between archive repositories",
		Long: `strict-repo-sync compares repositories by SHA-256 checksums, detects moved
and duplicated files and pushes the difference without ever overwriting a file.`,
		Version:           fmt.Sprintf("%s (commit: %s, built at: %s by %s)", version, commit, date, builtBy),
		SilenceUsage:      true,
		PersistentPreRunE: setup,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default .strict-repo-sync.yaml in CWD or $HOME)")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "Suppress non-error output")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Console log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Also write a debug log to this file")
	rootCmd.PersistentFlags().BoolVar(&rememberPassword, "remember-password", false, "Store passwords of encrypted repositories in the OS keyring")

	rootCmd.AddCommand(
		newInitCmd(),
		newCompareCmd(),
		newPushCmd(),
		newAddCmd(),
		newHistoryCmd(),
	)
	return rootCmd
}

func setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	lvl, err := logging.ParseLevel(level)
	if err != nil {
		return err
	}
	file := cfg.Log.File
	if logFile != "" {
		file = logFile
	}

	log, closer, err := logging.New(logging.Options{
		Stdout: cmd.OutOrStdout(),
		Stderr: cmd.ErrOrStderr(),
		Quiet:  quiet,
		Level:  lvl,
		File:   file,
	})
	if err != nil {
		return err
	}

	env.cfg = cfg
	env.log = log
	env.closer = closer
	env.stdout = cmd.OutOrStdout()
	env.stderr = cmd.ErrOrStderr()
	env.stdin = cmd.InOrStdin()
	env.passwords = newPasswords(cfg, log)
	return nil
}

func newPasswords(cfg *config.Config, log *slog.Logger) *secrets.Passwords {
	opts := []secrets.Option{secrets.WithPrompt(secrets.TerminalPrompt(os.Stdin, os.Stderr))}
	if os.Getenv(secrets.EnvPassword) != "" {
		return secrets.New(opts...)
	}
	ring, err := secrets.OpenKeyring(cfg.Keyring.Service)
	if err != nil {
		log.Debug("keyring unavailable", "err", err)
	} else {
		opts = append(opts, secrets.WithKeyring(ring))
	}
	return secrets.New(opts...)
}
