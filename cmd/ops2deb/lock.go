package main

import (
	"github.com/spf13/cobra"

	"github.com/ops2deb/ops2deb/internal/configstore"
	"github.com/ops2deb/ops2deb/internal/fetcher"
	"github.com/ops2deb/ops2deb/internal/locker"
	"github.com/ops2deb/ops2deb/internal/log"
)

var lockOnly []string

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Fetch blueprint URLs and pin their digests into the lockfile",
	RunE: func(cmd *cobra.Command, args []string) error {
		resources, err := configstore.LoadResources(configFlag)
		if err != nil {
			reportAndExit(err, resolvedExitCode())
			return nil
		}

		f := fetcher.New(resolvedCacheDir(), fetcher.WithWorkers(resolvedWorkers()), fetcher.WithLogger(log.Default()), fetcher.WithHTTPClient(sharedHTTPClient()))
		l := locker.New(resources, f, log.Default())

		if err := l.Run(globalCtx, lockOnly); err != nil {
			reportAndExit(err, resolvedExitCode())
			return nil
		}

		return resources.Save()
	},
}

func init() {
	lockCmd.Flags().StringSliceVar(&lockOnly, "only", nil, "only lock these blueprint names")
}
