package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ops2deb/ops2deb/internal/builder"
	"github.com/ops2deb/ops2deb/internal/log"
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Run dpkg-buildpackage over every generated source tree",
	RunE: func(cmd *cobra.Command, args []string) error {
		b := builder.New(builder.WithWorkers(resolvedWorkers()), builder.WithLogger(log.Default()))
		results := b.BuildAll(globalCtx, outputDirFlag)

		var errs []error
		for _, r := range results {
			if r.Err != nil {
				errs = append(errs, r.Err)
				fmt.Fprintln(os.Stderr, r.Err)
			}
		}
		if len(errs) > 0 {
			exitWithCode(resolvedExitCode())
		}
		return nil
	},
}
