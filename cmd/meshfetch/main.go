// meshfetch stores content as encrypted blocks and fetches it back by key.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tunnelmesh/meshfetch/internal/bucket"
	"github.com/tunnelmesh/meshfetch/internal/config"
	"github.com/tunnelmesh/meshfetch/internal/logging/audit"
	"github.com/tunnelmesh/meshfetch/internal/store"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "meshfetch",
		Short: "meshfetch - content-addressed block store and fetcher",
		Long: `meshfetch splits content into encrypted blocks addressed by hash and
fetches it back by key.

  # Store a file and print its key:
  meshfetch insert ./report.pdf

  # Store a directory as an archive and fetch one file from it:
  meshfetch pack ./site
  meshfetch fetch CHK@<hash>/index.html -o index.html`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(newInsertCmd())
	rootCmd.AddCommand(newPackCmd())
	rootCmd.AddCommand(newRedirectCmd())
	rootCmd.AddCommand(newFetchCmd())
	rootCmd.AddCommand(newRecoverCmd())
	rootCmd.AddCommand(newTempDirCmd())
	rootCmd.AddCommand(newStatsCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "meshfetch %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		},
	}
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil || logLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// loadConfig loads the config file and applies its log level unless one was
// given on the command line.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel == "" {
		if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
			zerolog.SetGlobalLevel(level)
		}
	}
	return cfg, nil
}

// openStore opens the block store named by cfg, creating its key on first
// use.
func openStore(cfg *config.Config) (*store.BlockStore, error) {
	key, err := cfg.MasterKey()
	if err != nil {
		return nil, fmt.Errorf("load store key: %w", err)
	}
	s, err := store.Open(cfg.StoreDir, key)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return s, nil
}

// openTemp resolves the temp directory and returns a scratch bucket factory
// over it.
func openTemp(cfg *config.Config) (*bucket.TempFactory, error) {
	dir, err := config.ResolveTempDir(cfg.TempDir)
	if err != nil {
		return nil, err
	}
	return bucket.NewTempFactory(dir), nil
}

// openAudit returns the audit logger named by cfg, or one that discards
// events. The returned function closes it.
func openAudit(cfg *config.Config) (*audit.Logger, func()) {
	if cfg.AuditLog == "" {
		return audit.NewLogger(zerolog.Nop()), func() {}
	}
	l, closeFn, err := audit.OpenFile(cfg.AuditLog)
	if err != nil {
		log.Warn().Err(err).Str("path", cfg.AuditLog).Msg("audit log disabled")
		return audit.NewLogger(zerolog.Nop()), func() {}
	}
	return l, func() {
		if err := closeFn(); err != nil {
			log.Warn().Err(err).Msg("failed to close audit log")
		}
	}
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
