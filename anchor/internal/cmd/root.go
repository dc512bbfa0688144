// Package cmd holds the orbit-anchor command tree.
package cmd

import (
	"github.com/spf13/cobra"
)

var version = "dev"

// NewRootCmd creates the root cobra command for orbit-anchor. A bare
// invocation runs the bridge.
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:           "orbit-anchor",
		Short:         "Bridge a local JSON-RPC agent to the orbit relay",
		Long:          "orbit-anchor reads JSON-RPC lines on stdin, relays them to orbit over /ws/anchor, and writes relayed requests to stdout.",
		RunE:          runRun,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringP("config", "c", "", "path to config file")

	return root
}
