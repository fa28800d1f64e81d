package main

import (
	"github.com/spf13/cobra"

	"github.com/ops2deb/ops2deb/internal/configstore"
	"github.com/ops2deb/ops2deb/internal/fetcher"
	"github.com/ops2deb/ops2deb/internal/log"
	"github.com/ops2deb/ops2deb/internal/updater"
)

var (
	updateSkip        []string
	updateOnly        []string
	updateDryRun      bool
	updateOutputFile  string
	updateMaxVersions int
)

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Look for newer upstream releases and re-pin the catalogue",
	RunE: func(cmd *cobra.Command, args []string) error {
		resources, err := configstore.LoadResources(configFlag)
		if err != nil {
			reportAndExit(err, resolvedExitCode())
			return nil
		}

		f := fetcher.New(resolvedCacheDir(), fetcher.WithWorkers(resolvedWorkers()), fetcher.WithLogger(log.Default()), fetcher.WithHTTPClient(sharedHTTPClient()))
		u := updater.New(resources, f, nil, log.Default())

		err = u.Run(globalCtx, updater.Options{
			SkipNames:   updateSkip,
			OnlyNames:   updateOnly,
			DryRun:      updateDryRun,
			OutputFile:  updateOutputFile,
			MaxVersions: updateMaxVersions,
		})
		if err != nil {
			reportAndExit(err, resolvedExitCode())
		}
		return nil
	},
}

func init() {
	updateCmd.Flags().StringSliceVar(&updateSkip, "skip", nil, "blueprint names to skip")
	updateCmd.Flags().StringSliceVar(&updateOnly, "only", nil, "only check these blueprint names")
	updateCmd.Flags().BoolVar(&updateDryRun, "dry-run", false, "probe for updates without rewriting the catalogue")
	updateCmd.Flags().StringVar(&updateOutputFile, "output-file", "", "write a human-readable update summary to this file")
	updateCmd.Flags().IntVar(&updateMaxVersions, "max-versions", 1, "number of pinned versions to keep per blueprint")
}
