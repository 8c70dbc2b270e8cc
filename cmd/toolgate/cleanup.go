package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zhubert/toolgate/process"
)

var cleanupDryRun bool

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Kill orphaned backend processes",
	Long: `Finds serve-backend processes left behind by a gateway that exited without stopping them, and kills them.
A backend whose parent is still running belongs to a live gateway and is left alone.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cleanupDryRun {
			orphans, err := process.FindOrphans(process.BackendPattern, nil)
			if err != nil {
				return err
			}
			for _, p := range orphans {
				fmt.Printf("%d %s\n", p.PID, p.Command)
			}
			fmt.Printf("%d orphaned backend process(es)\n", len(orphans))
			return nil
		}
		killed, err := process.CleanupOrphans(process.BackendPattern, nil)
		if err != nil {
			return err
		}
		fmt.Printf("Killed %d orphaned backend process(es)\n", killed)
		return nil
	},
}

func init() {
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "List orphans without killing them")
	rootCmd.AddCommand(cleanupCmd)
}
