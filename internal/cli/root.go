// Package cli is loopd's command line.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var flagConfig string

// defaultConfig returns the config path, checking LOOPD_CONFIG first.
func defaultConfig() string {
	if p := os.Getenv("LOOPD_CONFIG"); p != "" {
		return p
	}
	return "./loopd.yaml"
}

// NewRootCmd creates the root cobra command for loopd.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "loopd",
		Short:        "loopd runs a priority-tiered event loop group",
		Long:         "loopd hosts an event group with core, timer, blocking and concurrent loops, a stall watchdog and a stall journal.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", defaultConfig(), "config file, JSON or YAML (or LOOPD_CONFIG env)")

	root.AddCommand(
		newRunCmd(),
		newCheckCmd(),
		newStallsCmd(),
		newEventsCmd(),
	)
	return root
}
