package main

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tunnelmesh/meshfetch/internal/config"
	"github.com/tunnelmesh/meshfetch/internal/store"
)

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show block store usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printStats(cmd.OutOrStdout(), cfg)
		},
	}
}

func printStats(out io.Writer, cfg *config.Config) error {
	key, err := cfg.MasterKey()
	if err != nil {
		return fmt.Errorf("load store key: %w", err)
	}
	s, err := store.Open(cfg.StoreDir, key)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	size, count, err := s.TotalSize()
	if err != nil {
		return err
	}
	vol, err := store.VolumeStats(s.Dir())
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "store:     %s\n", s.Dir())
	fmt.Fprintf(out, "key:       %s\n", config.StoreKeyFingerprint(key))
	fmt.Fprintf(out, "blocks:    %s in %s\n", humanize.Comma(int64(count)), humanize.IBytes(uint64(size)))
	fmt.Fprintf(out, "volume:    %s free of %s\n", humanize.IBytes(uint64(vol.Available)), humanize.IBytes(uint64(vol.Total)))
	fmt.Fprintf(out, "fetch:     %s\n", fetchConfigSummary(cfg.Fetch))
	fmt.Fprintf(out, "blocksize: %s\n", cfg.Insert.BlockSize)
	return nil
}
