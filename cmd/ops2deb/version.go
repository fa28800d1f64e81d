package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ops2deb/ops2deb/internal/buildinfo"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the ops2deb version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(buildinfo.Version())
		return nil
	},
}
