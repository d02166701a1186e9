package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/shellchat/internal/config"
	"github.com/ehrlich-b/shellchat/internal/daemon"
	"github.com/ehrlich-b/shellchat/internal/discord"
	"github.com/ehrlich-b/shellchat/internal/logger"
)

func runCmd(load loader) *cobra.Command {
	var noWatch bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to Discord and serve commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := load()
			if err != nil {
				return err
			}
			if err := cfg.RequireToken(); err != nil {
				return err
			}
			if err := config.EnsureDirs(cfg); err != nil {
				return err
			}
			closeLog, err := initLogging(cfg)
			if err != nil {
				return err
			}
			defer closeLog()

			if len(cfg.Discord.AllowedUsers) == 0 {
				logger.Warn("discord.allowed_users is empty; anyone who can message the bot can run commands")
			}

			transport, err := discord.NewBot(cfg)
			if err != nil {
				return err
			}
			if noWatch {
				path = ""
			} else if _, err := os.Stat(path); err != nil {
				path = ""
			}
			d, err := daemon.New(cfg, path, transport)
			if err != nil {
				return err
			}
			defer d.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return d.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "Do not reload the config file when it changes")
	return cmd
}
