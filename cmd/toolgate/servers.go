package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var serversCmd = &cobra.Command{
	Use:   "servers",
	Short: "List configured backend servers",
	RunE: func(cmd *cobra.Command, args []string) error {
		g, _, err := openGateway()
		if err != nil {
			return err
		}
		defer g.Close()

		servers := g.ListServers()
		if len(servers) == 0 {
			fmt.Println("No servers configured.")
			return nil
		}
		for _, s := range servers {
			state := "enabled"
			if !s.Enabled {
				state = "disabled"
			}
			fmt.Printf("%-20s %-7s %-9s %-8s %s\n", s.Name, s.RiskLevel, state, s.Transport.Type, s.Description)
		}
		return nil
	},
}

func setEnabledCmd(use string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <server>",
		Short: fmt.Sprintf("Mark a server %sd in the config file", use),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.SetServerEnabled(args[0], enabled) {
				return fmt.Errorf("server %q not found", args[0])
			}
			if err := cfg.Save(); err != nil {
				return err
			}
			fmt.Printf("Server %s %sd\n", args[0], use)
			return nil
		},
	}
}

func init() {
	serversCmd.AddCommand(setEnabledCmd("enable", true), setEnabledCmd("disable", false))
	rootCmd.AddCommand(serversCmd)
}
