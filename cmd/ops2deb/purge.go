package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/ops2deb/ops2deb/internal/fetcher"
	"github.com/ops2deb/ops2deb/internal/log"
	"github.com/ops2deb/ops2deb/internal/ops2deberr"
)

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete the fetch cache and the output directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		f := fetcher.New(resolvedCacheDir(), fetcher.WithLogger(log.Default()))
		if err := f.Purge(); err != nil {
			reportAndExit(err, resolvedExitCode())
			return nil
		}
		if err := os.RemoveAll(outputDirFlag); err != nil {
			reportAndExit(ops2deberr.Wrap(ops2deberr.KindGenerator, err, "failed to purge output directory %s", outputDirFlag), resolvedExitCode())
			return nil
		}
		return nil
	},
}
