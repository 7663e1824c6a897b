package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"keepalive/pkg/config"
)

func newSecretsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage the encrypted token store",
		Long: `Secrets manages the scrypt+AES-GCM encrypted store that holds fallback
PATs and other tokens. The store password comes from ` + envSecretsPassword + `.`,
	}
	cmd.AddCommand(newSecretsSetCommand(), newSecretsListCommand())
	return cmd
}

// secretsPassword reads the store password from the environment, falling
// back to a no-echo terminal prompt for interactive use.
func secretsPassword() (string, error) {
	if password := os.Getenv(envSecretsPassword); password != "" {
		return password, nil
	}
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "Secret store password: ")
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		if len(raw) > 0 {
			return string(raw), nil
		}
	}
	return "", fmt.Errorf("set %s to unlock the secret store", envSecretsPassword)
}

func newSecretsSetCommand() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "set <name> <value>",
		Short: "Store a secret",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := secretsPassword()
			if err != nil {
				return err
			}
			// Load and Save each zero their password slice, so every call
			// gets a fresh copy.
			if config.SecretsExist(dir) {
				if err := config.LoadSecrets([]byte(password), dir); err != nil {
					return fmt.Errorf("failed to unlock secret store: %w", err)
				}
			}
			config.SetSecret(args[0], args[1])
			if err := config.SaveSecrets([]byte(password), dir); err != nil {
				return fmt.Errorf("failed to save secret store: %w", err)
			}
			cliLogger.Info("🔑 Stored secret %s", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", ".", "directory holding the secret store")
	return cmd
}

func newSecretsListCommand() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored secret names",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !config.SecretsExist(dir) {
				return fmt.Errorf("no secret store under %s", dir)
			}
			password, err := secretsPassword()
			if err != nil {
				return err
			}
			if err := config.LoadSecrets([]byte(password), dir); err != nil {
				return fmt.Errorf("failed to unlock secret store: %w", err)
			}
			names := config.SecretNames()
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", ".", "directory holding the secret store")
	return cmd
}
