package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/zhubert/toolgate/gateway"
)

var (
	callRoles   []string
	callActor   string
	callConfirm bool
	callWait    bool
	callID      string
)

var callCmd = &cobra.Command{
	Use:   "call <server> <tool> [arguments-json]",
	Short: "Run one tool call through the gateway",
	Long: `Runs a tool call through the full permission pipeline and prints the
result as JSON. Calls that need human approval return their approval ID
unless --wait is given.`,
	Args: cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		var arguments map[string]any
		if len(args) == 3 {
			if err := json.Unmarshal([]byte(args[2]), &arguments); err != nil {
				return fmt.Errorf("arguments must be a JSON object: %w", err)
			}
		}

		g, _, err := openGateway()
		if err != nil {
			return err
		}
		defer g.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		res := g.CallTool(ctx, gateway.CallRequest{
			ID:          callID,
			Server:      args[0],
			Tool:        args[1],
			Arguments:   arguments,
			CallerRoles: callRoles,
			Actor:       callActor,
			Confirmed:   callConfirm,
			NoWait:      !callWait,
		})
		if err := printJSON(res); err != nil {
			return err
		}
		if !res.Success {
			return errors.New("tool call failed")
		}
		return nil
	},
}

func init() {
	callCmd.Flags().StringSliceVar(&callRoles, "role", nil, "Caller role (repeatable)")
	callCmd.Flags().StringVar(&callActor, "actor", "cli", "Actor recorded in the audit log")
	callCmd.Flags().BoolVar(&callConfirm, "confirm", false, "Confirm calls that need agent approval")
	callCmd.Flags().BoolVar(&callWait, "wait", false, "Block until a human approval is resolved")
	callCmd.Flags().StringVar(&callID, "id", "", "Correlation ID (generated when empty)")
	rootCmd.AddCommand(callCmd)
}
