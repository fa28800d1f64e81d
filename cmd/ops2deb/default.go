package main

import (
	"github.com/spf13/cobra"
)

var defaultCmd = &cobra.Command{
	Use:   "default",
	Short: "Generate source packages then build them (the default pipeline)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := generateCmd.RunE(cmd, args); err != nil {
			return err
		}
		return buildCmd.RunE(cmd, args)
	},
}
