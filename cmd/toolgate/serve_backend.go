package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zhubert/toolgate/gateway"
	"github.com/zhubert/toolgate/logger"
	"github.com/zhubert/toolgate/mcp"
)

var serveBackendCmd = &cobra.Command{
	Use:   "serve-backend <shell|filesystem|remote>",
	Short: "Serve a bundled backend over stdin/stdout",
	Long: `Runs one of the bundled backends as a line-delimited JSON-RPC server on
stdin and stdout, so a gateway can launch it through a stdio transport.
The process exits when stdin is closed.`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{gateway.BackendShell, gateway.BackendFilesystem, gateway.BackendRemote},
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		logPath, err := logger.BackendLogPath(name)
		if err != nil {
			return err
		}
		if err := logger.Init(logPath); err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		b, err := gateway.NewBuiltin(cfg, name)
		if err != nil {
			return err
		}
		defer b.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log := logger.WithComponent("serve-backend").With("backend", name)
		log.Info("serving backend", "pid", os.Getpid(), "tools", len(b.Engine.Tools()))
		if err := mcp.NewServer(b.Engine, os.Stdin, os.Stdout).Run(ctx); err != nil {
			return fmt.Errorf("serve %s: %w", name, err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveBackendCmd)
}
