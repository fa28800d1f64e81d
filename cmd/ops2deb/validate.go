package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ops2deb/ops2deb/internal/configstore"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate the catalogue without building anything",
	RunE: func(cmd *cobra.Command, args []string) error {
		resources, err := configstore.LoadResources(configFlag)
		if err != nil {
			reportAndExit(err, resolvedExitCode())
			return nil
		}
		fmt.Printf("%d blueprint(s) across %d file(s) are valid\n", len(resources.Blueprints), len(resources.Files))
		return nil
	},
}
