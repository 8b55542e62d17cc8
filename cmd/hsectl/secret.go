package main

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/morganzwest/hsemulator-ui-sub001/internal/common/secrets"
)

var secretValue string

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage CI/CD secrets in the configured provider",
}

var secretSetCmd = &cobra.Command{
	Use:   "set <secret-id>",
	Short: "Store the runtime API token for a CI/CD secret id",
	Long:  `Stores a token under the CI/CD secret id. The token is read from --value or, when omitted, from the first line of stdin.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		value := secretValue
		if value == "" {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("no token given on stdin")
			}
			value = strings.TrimSpace(line)
		}
		if value == "" {
			return fmt.Errorf("token must not be empty")
		}

		return withWriter(cmd.Context(), args[0], func(ctx context.Context, w secrets.Writer, key string) error {
			if err := w.Put(ctx, key, value); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored %s in %s\n", args[0], w.Name())
			return nil
		})
	},
}

var secretRemoveCmd = &cobra.Command{
	Use:   "rm <secret-id>",
	Short: "Remove a CI/CD secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withWriter(cmd.Context(), args[0], func(ctx context.Context, w secrets.Writer, key string) error {
			if err := w.Remove(ctx, key); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s from %s\n", args[0], w.Name())
			return nil
		})
	},
}

var secretCheckCmd = &cobra.Command{
	Use:   "check <secret-id>",
	Short: "Resolve a CI/CD secret and print a masked token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		provider, err := secrets.NewProvider(cmd.Context(), &cfg.Secrets)
		if err != nil {
			return err
		}
		token, err := secrets.NewResolver(provider, 0).Resolve(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], mask(token))
		return nil
	},
}

var secretKeygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a key for the encrypted secrets provider",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := secrets.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}

func init() {
	secretSetCmd.Flags().StringVar(&secretValue, "value", "", "token value (default: read stdin)")
	secretCmd.AddCommand(secretSetCmd, secretRemoveCmd, secretCheckCmd, secretKeygenCmd)
}

// withWriter opens the configured provider and fails unless it can write
func withWriter(ctx context.Context, id string, fn func(ctx context.Context, w secrets.Writer, key string) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	provider, err := secrets.NewProvider(ctx, &cfg.Secrets)
	if err != nil {
		return err
	}
	if closer, ok := provider.(interface{ Close() error }); ok {
		defer closer.Close()
	}
	w, ok := provider.(secrets.Writer)
	if !ok {
		return fmt.Errorf("%s: %w", provider.Name(), secrets.ErrReadOnly)
	}
	key, err := secretKey(id)
	if err != nil {
		return err
	}
	return fn(ctx, w, key)
}

func secretKey(id string) (string, error) {
	if !secrets.ValidSecretID(id) {
		return "", secrets.ErrInvalidSecretID
	}
	return secrets.KeyFor(id), nil
}

func mask(token string) string {
	if len(token) <= 4 {
		return strings.Repeat("*", len(token))
	}
	return strings.Repeat("*", len(token)-4) + token[len(token)-4:]
}

