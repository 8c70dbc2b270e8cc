package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of toolgate",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("toolgate version %s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
