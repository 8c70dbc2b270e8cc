package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zhubert/toolgate/cli"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that configured backends can be launched",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		results := cli.CheckAll(cli.Prerequisites(cfg))
		fmt.Print(cli.FormatCheckResults(results))
		return cli.ValidateRequired(results)
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}
