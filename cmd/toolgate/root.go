package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zhubert/toolgate/config"
	"github.com/zhubert/toolgate/gateway"
	"github.com/zhubert/toolgate/logger"
	"github.com/zhubert/toolgate/transport"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	configPath string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "toolgate",
	Short: "Toolgate brokers tool calls between agents and execution backends",
	Long: `Toolgate routes tool calls to shell, filesystem, SSH and external
backends, checks them against risk-tiered permissions and records every
decision in an append-only audit log.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		transport.ClientVersion = version
		if cmd.Name() == serveBackendCmd.Name() {
			// serve-backend owns stdout; it opens its own log file
			return nil
		}
		path, err := logger.DefaultLogPath()
		if err != nil {
			return err
		}
		return logger.Init(path)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	defer logger.Close()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to toolgate.yaml (default: config dir)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
}

// loadConfig reads the --config file or the default location.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	logger.SetDebug(debug || cfg.Debug)
	return cfg, nil
}

func openGateway() (*gateway.Gateway, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	g, err := gateway.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	return g, cfg, nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
