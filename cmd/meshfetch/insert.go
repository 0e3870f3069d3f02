package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tunnelmesh/meshfetch/internal/config"
	"github.com/tunnelmesh/meshfetch/internal/store"
)

// insertFunc stores content with in and returns its key.
type insertFunc func(ctx context.Context, cfg *config.Config, in *store.Inserter) (store.Key, error)

// runInsert opens the store, runs fn, audits the result and prints the key.
func runInsert(cmd *cobra.Command, kind store.Kind, source string, fn insertFunc) error {
	ctx, cancel := signalContext()
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	auditLog, closeAudit := openAudit(cfg)
	defer closeAudit()

	key, err := fn(ctx, cfg, store.NewInserter(s, int(cfg.Insert.BlockSize.Bytes())))
	if err != nil {
		return err
	}
	auditLog.LogInsert(key.String(), kind.String(), source)
	fmt.Fprintln(cmd.OutOrStdout(), key)
	return nil
}

func newInsertCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "insert <file>",
		Short: "Store a file and print its key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInsert(cmd, store.KindSplitfile, args[0],
				func(ctx context.Context, _ *config.Config, in *store.Inserter) (store.Key, error) {
					return in.InsertFile(ctx, args[0])
				})
		},
	}
}

func newPackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pack <dir>",
		Short: "Store a directory as an archive and print its key",
		Long: `Store every regular file under a directory as one archive. Files are
fetched with the archive key followed by their relative path:

  meshfetch fetch CHK@<hash>/docs/index.html`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInsert(cmd, store.KindArchive, args[0],
				func(ctx context.Context, cfg *config.Config, in *store.Inserter) (store.Key, error) {
					temp, err := openTemp(cfg)
					if err != nil {
						return store.Key{}, err
					}
					return in.InsertDir(ctx, args[0], temp)
				})
		},
	}
}

func newRedirectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "redirect <target-key>",
		Short: "Store a redirect to another key and print its key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := store.ParseKey(args[0])
			if err != nil {
				return err
			}
			return runInsert(cmd, store.KindRedirect, target.String(),
				func(ctx context.Context, _ *config.Config, in *store.Inserter) (store.Key, error) {
					return in.InsertRedirect(ctx, target)
				})
		},
	}
}
