package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var toolsCmd = &cobra.Command{
	Use:   "tools [server]",
	Short: "List the tools a server publishes",
	Long:  `Connects to the named server, or to every enabled server, and lists its tools.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		g, _, err := openGateway()
		if err != nil {
			return err
		}
		defer g.Close()

		server := ""
		if len(args) == 1 {
			server = args[0]
		}
		entries, err := g.ListTools(cmd.Context(), server)
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Printf("%-14s %-22s %-7s %s\n", e.Server, e.Schema.Name, e.RiskLevel, e.Schema.Description)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(toolsCmd)
}
