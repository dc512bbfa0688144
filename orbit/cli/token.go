package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/zane-ai/zane/orbit/auth"
	"github.com/zane-ai/zane/orbit/config"
	"github.com/zane-ai/zane/pkg/cli"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a web or anchor token for testing",
		Long:  "Mint an HS256 token the relay accepts, signed with the configured secret for the chosen kind. The secret is prompted for when the config has none.",
		Args:  cobra.NoArgs,
		RunE:  runToken,
	}
	cmd.Flags().String("kind", "web", "token kind: web or anchor")
	cmd.Flags().String("sub", "", "user id (sub claim)")
	cmd.Flags().Duration("ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("sub")
	return cmd
}

func runToken(cmd *cobra.Command, args []string) error {
	kindFlag, _ := cmd.Flags().GetString("kind")
	sub, _ := cmd.Flags().GetString("sub")
	ttl, _ := cmd.Flags().GetDuration("ttl")

	kind := auth.Kind(kindFlag)
	if kind != auth.KindWeb && kind != auth.KindAnchor {
		return fmt.Errorf("unknown token kind %q (want web or anchor)", kindFlag)
	}
	if ttl <= 0 {
		return errors.New("--ttl must be positive")
	}

	cfg, err := config.Load(resolveConfigPath(cmd, nil, defaultConfigPath))
	if err != nil {
		return fmt.Errorf("error: %w", err)
	}
	secret := cfg.Auth.WebJWTSecret
	if kind == auth.KindAnchor {
		secret = cfg.Auth.AnchorJWTSecret
	}
	if secret == "" {
		p := cli.DefaultPrompter()
		p.Out = cmd.ErrOrStderr()
		secret = p.AskPassword(fmt.Sprintf("%s JWT secret", kind))
	}

	tok, err := auth.Mint(kind, secret, sub, ttl, time.Now())
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), tok)
	return nil
}
