package main

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ops2deb/ops2deb/internal/apt"
	"github.com/ops2deb/ops2deb/internal/configstore"
	"github.com/ops2deb/ops2deb/internal/fetcher"
	"github.com/ops2deb/ops2deb/internal/generator"
	"github.com/ops2deb/ops2deb/internal/log"
	"github.com/ops2deb/ops2deb/internal/materialiser"
)

var generateOnly []string

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Build Debian source packages from the catalogue",
	RunE: func(cmd *cobra.Command, args []string) error {
		resources, err := configstore.LoadResources(configFlag)
		if err != nil {
			reportAndExit(err, resolvedExitCode())
			return nil
		}

		var repoSpec *apt.RepositorySpec
		if repositoryFlag != "" {
			spec, err := apt.ParseRepositorySpec(repositoryFlag)
			if err != nil {
				reportAndExit(err, resolvedExitCode())
				return nil
			}
			repoSpec = &spec
		}

		f := fetcher.New(resolvedCacheDir(), fetcher.WithWorkers(resolvedWorkers()), fetcher.WithLogger(log.Default()), fetcher.WithHTTPClient(sharedHTTPClient()))
		m := materialiser.New(outputDirFlag, log.Default())
		g := generator.New(resources, f, m, apt.New(apt.WithHTTPClient(sharedHTTPClient())), log.Default())

		err = g.Run(globalCtx, generator.Options{
			OutputDir:  outputDirFlag,
			ConfigDir:  filepath.Dir(configFlag),
			Repository: repoSpec,
			OnlyNames:  generateOnly,
		})
		if err != nil {
			reportAndExit(err, resolvedExitCode())
			return nil
		}

		return resources.Save()
	},
}

func init() {
	generateCmd.Flags().StringSliceVar(&generateOnly, "only", nil, "only generate these blueprint names")
}
