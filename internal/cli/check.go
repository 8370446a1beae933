package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"tierloop/internal/config"
	"tierloop/pkg/eventgroup"
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the config and print the resulting loop layout",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewConfigManager(flagConfig).Load()
			if err != nil {
				return err
			}
			g, err := cfg.ToGroupConfig()
			if err != nil {
				return err
			}
			printLayout(cmd.OutOrStdout(), g.Effective(), cfg)
			return nil
		},
	}
}

func printLayout(w io.Writer, g eventgroup.Config, cfg *config.Config) {
	fmt.Fprintf(w, "group       %s (daemon=%t)\n", g.Name, g.Daemon)
	fmt.Fprintf(w, "core        pauser=%s affinity=%v\n", g.Core.Mode, g.Affinity)
	fmt.Fprintf(w, "timer       pauser=%s\n", g.Timer.Mode)
	fmt.Fprintf(w, "blocking    pauser=%s\n", g.Blocking.Mode)
	fmt.Fprintf(w, "concurrent  threads=%d pauser=%s\n", g.ConcurrentThreads, g.Concurrent.Mode)
	if g.Monitor.Disabled {
		fmt.Fprintln(w, "monitor     disabled")
	} else {
		fmt.Fprintf(w, "monitor     interval=%s initial_delay=%s\n", g.Monitor.Interval, g.Monitor.InitialDelay)
	}
	for _, hb := range cfg.Heartbeats {
		prio, _ := hb.ParsePriority()
		fmt.Fprintf(w, "heartbeat   %s %q on %s\n", hb.Name, hb.Schedule, prio)
	}
	if sc, ok, _ := cfg.ToJournalConfig(); ok {
		fmt.Fprintf(w, "journal     %s %s\n", sc.Driver, sc.Path)
	}
}
