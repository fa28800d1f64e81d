package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ops2deb/ops2deb/internal/configstore"
	"github.com/ops2deb/ops2deb/internal/formatter"
)

var formatCheck bool

var formatCmd = &cobra.Command{
	Use:   "format",
	Short: "Reformat configuration files, or check whether they're formatted",
	RunE: func(cmd *cobra.Command, args []string) error {
		resources, err := configstore.LoadResources(configFlag)
		if err != nil {
			reportAndExit(err, resolvedExitCode())
			return nil
		}

		results, err := formatter.Format(resources)
		if err != nil {
			reportAndExit(err, resolvedExitCode())
			return nil
		}

		for _, r := range results {
			if r.Changed {
				fmt.Println(r.Path)
			}
		}

		if formatCheck && formatter.AnyChanged(results) {
			exitWithCode(resolvedExitCode())
		}
		return nil
	},
}

func init() {
	formatCmd.Flags().BoolVar(&formatCheck, "check", false, "fail without rewriting if any file would change")
}
