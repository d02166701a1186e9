package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ehrlich-b/shellchat/internal/remote"
)

func probeCmd(load loader) *cobra.Command {
	var keyPath string
	var askPassword bool

	cmd := &cobra.Command{
		Use:   "probe <user>@<host>:<port> [command]",
		Short: "Check that a remote account is reachable",
		Long:  "Connects the way the bot would and runs a command (default \"uname -a\"), printing its output.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := load()
			if err != nil {
				return err
			}
			creds, err := parseTarget(args[0])
			if err != nil {
				return err
			}
			creds.KeyPath = keyPath
			if askPassword {
				pw, err := readPassword(cmd, fmt.Sprintf("%s's password: ", creds))
				if err != nil {
					return err
				}
				creds.Password = pw
			}
			command := "uname -a"
			if len(args) == 2 {
				command = args[1]
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			conn := remote.NewSSHConnector(cfg.SSH.ConnectTimeout, cfg.SSH.KnownHosts)
			client, err := conn.Connect(ctx, creds)
			if err != nil {
				return err
			}
			defer client.Close()

			stream, err := client.Execute(ctx, command)
			if err != nil {
				return err
			}
			defer stream.Close()
			if _, err := io.Copy(cmd.OutOrStdout(), stream); err != nil {
				return err
			}
			if code, ok := remote.ExitStatus(stream.Wait()); !ok || code != 0 {
				return fmt.Errorf("command failed (exit status %d)", code)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&keyPath, "identity", "i", "", "Private key file")
	cmd.Flags().BoolVarP(&askPassword, "password", "p", false, "Prompt for a password")
	return cmd
}

// parseTarget parses user@host:port.
func parseTarget(s string) (remote.Credentials, error) {
	user, rest, ok := strings.Cut(s, "@")
	if !ok {
		return remote.Credentials{}, fmt.Errorf("expected <user>@<host>:<port>, got %q", s)
	}
	i := strings.LastIndexByte(rest, ':')
	if i < 0 {
		return remote.Credentials{}, fmt.Errorf("expected <user>@<host>:<port>, got %q", s)
	}
	port, err := strconv.Atoi(rest[i+1:])
	if err != nil {
		return remote.Credentials{}, fmt.Errorf("invalid port in %q", s)
	}
	creds := remote.Credentials{User: user, Host: rest[:i], Port: port}
	return creds, creds.Validate()
}

func readPassword(cmd *cobra.Command, prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("--password needs a terminal")
	}
	fmt.Fprint(cmd.ErrOrStderr(), prompt)
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return "", err
	}
	return string(pw), nil
}
