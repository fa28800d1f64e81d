package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/ops2deb/ops2deb/internal/apt"
	"github.com/ops2deb/ops2deb/internal/configstore"
	"github.com/ops2deb/ops2deb/internal/delta"
	"github.com/ops2deb/ops2deb/internal/ops2deberr"
)

var deltaJSON bool

var deltaCmd = &cobra.Command{
	Use:   "delta",
	Short: "Compare the catalogue against a published APT repository",
	RunE: func(cmd *cobra.Command, args []string) error {
		if repositoryFlag == "" {
			reportAndExit(ops2deberr.New(ops2deberr.KindApt, "the --repository flag is required"), resolvedExitCode())
			return nil
		}
		spec, err := apt.ParseRepositorySpec(repositoryFlag)
		if err != nil {
			reportAndExit(err, resolvedExitCode())
			return nil
		}

		resources, err := configstore.LoadResources(configFlag)
		if err != nil {
			reportAndExit(err, resolvedExitCode())
			return nil
		}

		aptClient := apt.New(apt.WithHTTPClient(sharedHTTPClient()))
		packages, err := aptClient.ListRepositoryPackages(globalCtx, spec)
		if err != nil {
			reportAndExit(err, resolvedExitCode())
			return nil
		}

		state := delta.Compute(resources.Blueprints, packages)
		if deltaJSON {
			if err := state.WriteJSON(os.Stdout); err != nil {
				reportAndExit(err, resolvedExitCode())
			}
		} else {
			state.WriteTable(os.Stdout)
		}
		return nil
	},
}

func init() {
	deltaCmd.Flags().BoolVar(&deltaJSON, "json", false, "emit the delta as JSON instead of a table")
}
