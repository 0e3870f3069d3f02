package main

import (
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tunnelmesh/meshfetch/internal/bucket"
	"github.com/tunnelmesh/meshfetch/internal/logging/audit"
)

func newRecoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover [record-file]",
		Short: "Adopt a bucket from a recovery record",
		Long: `Read a recovery record written by "meshfetch fetch --record" (from a file or
stdin) and reopen the bucket it describes.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer func() { _ = f.Close() }()
				in = f
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			auditLog, closeAudit := openAudit(cfg)
			defer closeAudit()
			return recoverBucket(cmd.OutOrStdout(), in, bucket.NewRegistry(), auditLog)
		},
	}
}

func recoverBucket(out io.Writer, in io.Reader, registry *bucket.Registry, auditLog *audit.Logger) error {
	fs, err := bucket.ReadFieldSet(in)
	if err != nil {
		return err
	}
	b, err := bucket.FromFieldSet(fs, registry)
	if err != nil {
		return err
	}
	auditLog.LogRecover(b.Name(), b.Size())
	fmt.Fprintf(out, "%s\t%s\n", b.Name(), humanize.IBytes(uint64(b.Size())))
	return nil
}

func newTempDirCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tempdir",
		Short: "Show the resolved temp directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			temp, err := openTemp(cfg)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), temp.Dir())
			return nil
		},
	}
}
