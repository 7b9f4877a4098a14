package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"llvmsnapshots/pkg/s3"
	"llvmsnapshots/services/bundler"
)

func newBundleCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Package and publish snapshot build output",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newBundleCreateCommand(a), newBundleUploadCommand(a))
	return cmd
}

func newBundleCreateCommand(a *app) *cobra.Command {
	var (
		outDir   string
		output   string
		snapshot string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Write a signed bundle of the build output directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := bundler.NewSignerFromEnv()
			if err != nil {
				return err
			}
			_, err = bundler.Build(commandContext(cmd), bundler.BuildConfig{
				OutDir:   outDir,
				Output:   output,
				Snapshot: snapshot,
				Signer:   signer,
				Now:      a.now,
				Stdout:   a.stdout,
			})
			return err
		},
	}

	cmd.Flags().StringVar(&outDir, "out-dir", "out", "Build output directory holding rpms/, srpms/ and the changelog")
	cmd.Flags().StringVar(&output, "output", "", "Destination bundle file (tar.zst)")
	cmd.Flags().StringVar(&snapshot, "snapshot", "", "Snapshot id, e.g. 20240501.abcdef12")
	_ = cmd.MarkFlagRequired("output")
	_ = cmd.MarkFlagRequired("snapshot")
	return cmd
}

func newBundleUploadCommand(a *app) *cobra.Command {
	var (
		bundleFile string
		ttl        time.Duration
	)

	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Verify a bundle and upload its artifacts to S3",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)

			logger, shutdown, err := startTelemetry(ctx, "snapshot-bundler")
			if err != nil {
				return err
			}
			defer shutdown()

			signer, err := bundler.NewSignerFromEnv()
			if err != nil {
				return err
			}
			store, err := s3.NewClientFromEnv()
			if err != nil {
				return fmt.Errorf("s3 client: %w", err)
			}

			cfg := bundler.UploadConfig{
				BundlePath: bundleFile,
				Store:      store,
				Signer:     signer,
				LinkTTL:    ttl,
				Now:        a.now,
				Stdout:     a.stderr,
			}
			if b := connectBus(logger); b != nil {
				defer b.Close()
				cfg.Publisher = b
			}

			links, err := bundler.Upload(ctx, cfg)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(a.stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(links)
		},
	}

	cmd.Flags().StringVar(&bundleFile, "file", "", "Path to the bundle tar.zst")
	cmd.Flags().DurationVar(&ttl, "link-ttl", 7*24*time.Hour, "Lifetime of the presigned download links")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
