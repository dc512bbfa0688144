package cli

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/zane-ai/zane/orbit/push"
)

func newVAPIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vapid",
		Short: "Generate a VAPID key pair for Web Push",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := push.GenerateVAPIDKeys()
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(keys)
		},
	}
}
