package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/shellchat/internal/config"
	"github.com/ehrlich-b/shellchat/internal/keys"
)

func keygenCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "keygen <user>@<host>",
		Short: "Generate a key pair for a remote account",
		Long:  "Generates an ed25519 key pair in the keys directory, named after the remote account, and prints the\npublic key along with a command that installs it on the remote machine.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := load()
			if err != nil {
				return err
			}
			user, host, ok := strings.Cut(args[0], "@")
			if !ok || user == "" || host == "" {
				return fmt.Errorf("expected <user>@<host>, got %q", args[0])
			}
			if err := config.EnsureDirs(cfg); err != nil {
				return err
			}

			pair, err := keys.NewGenerator(cfg.SSH.KeysDir).Generate("", user, host)
			if err != nil {
				return err
			}

			fmt.Fprint(cmd.OutOrStdout(), string(pair.AuthorizedKey))
			fmt.Fprintf(cmd.ErrOrStderr(), "\nprivate key: %s\nfingerprint: %s\ninstall with:\n  %s\n",
				pair.PrivatePath, pair.Fingerprint, keys.InstallCommand(pair.AuthorizedKey))
			return nil
		},
	}
}
