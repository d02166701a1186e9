package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/shellchat/internal/config"
	"github.com/ehrlich-b/shellchat/internal/logger"
)

// Set with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "shellchat",
		Short:         "shellchat: run shell commands on remote machines from chat",
		Long:          "A chat bot that runs commands over SSH on your behalf and streams their output back to the conversation.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ~/.shellchat/config.yaml)")

	load := func() (*config.Config, string, error) {
		path := configPath
		if path == "" {
			p, err := config.DefaultConfigPath()
			if err != nil {
				return nil, "", err
			}
			path = p
		}
		cfg, err := config.Load(path)
		if err != nil {
			return nil, "", err
		}
		return cfg, path, nil
	}

	root.AddCommand(
		runCmd(load),
		keygenCmd(load),
		probeCmd(load),
		historyCmd(load),
		versionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type loader func() (*config.Config, string, error)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

// initLogging sets up the logger from cfg for commands that log.
func initLogging(cfg *config.Config) (func() error, error) {
	return logger.Init(cfg.Logging.Level, cfg.Logging.File)
}
