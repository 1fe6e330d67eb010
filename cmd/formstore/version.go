package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bigkaa/goformstore/internal/config"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Показать версию formstore",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "formstore %s\n", config.Version)
	},
}
