package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"tierloop/internal/config"
	"tierloop/internal/storage"
	logx "tierloop/pkg/logx"
)

type queryFlags struct {
	loop   string
	limit  int
	since  time.Duration
	asJSON bool
}

func (f *queryFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.loop, "loop", "", "only this loop, e.g. main/core")
	cmd.Flags().IntVarP(&f.limit, "limit", "n", 20, "max records")
	cmd.Flags().DurationVar(&f.since, "since", 0, "only records newer than this (e.g. 1h)")
	cmd.Flags().BoolVar(&f.asJSON, "json", false, "print JSON")
}

func (f *queryFlags) query() storage.Query {
	q := storage.Query{Loop: f.loop, Limit: f.limit}
	if f.since > 0 {
		q.Since = time.Now().Add(-f.since)
	}
	return q
}

// openJournal opens the journal named by the config file.
func openJournal() (storage.Store, error) {
	cfg, err := config.NewConfigManager(flagConfig).Load()
	if err != nil {
		return nil, err
	}
	sc, ok, err := cfg.ToJournalConfig()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("journal is not configured")
	}
	return storage.Open(sc, logx.Nop())
}

func newStallsCmd() *cobra.Command {
	var (
		qf        queryFlags
		withStack bool
	)
	cmd := &cobra.Command{
		Use:   "stalls",
		Short: "List recent stall reports from the journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openJournal()
			if err != nil {
				return err
			}
			defer st.Close()

			recs, err := st.RecentStalls(cmd.Context(), qf.query())
			if err != nil {
				return fmt.Errorf("read stalls: %w", err)
			}
			if !withStack {
				for i := range recs {
					recs[i].Stack = ""
				}
			}
			if qf.asJSON {
				return printJSON(cmd.OutOrStdout(), recs)
			}
			printStalls(cmd.OutOrStdout(), recs, withStack)
			return nil
		},
	}
	qf.register(cmd)
	cmd.Flags().BoolVar(&withStack, "stack", false, "include the captured stack")
	return cmd
}

func printStalls(w io.Writer, recs []storage.StallRecord, withStack bool) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "No stalls recorded.")
		return
	}
	fmt.Fprintf(w, "%-25s  %-24s  %10s\n", "AT", "LOOP", "BLOCKED")
	for _, r := range recs {
		fmt.Fprintf(w, "%-25s  %-24s  %10s\n",
			r.At.Format(time.RFC3339), r.Loop, (time.Duration(r.BlockedMS) * time.Millisecond).String())
		if withStack && r.Stack != "" {
			fmt.Fprintln(w, indent(r.Stack, "    "))
		}
	}
}

func newEventsCmd() *cobra.Command {
	var qf queryFlags
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List evicted handlers and fatal loop errors from the journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openJournal()
			if err != nil {
				return err
			}
			defer st.Close()

			recs, err := st.RecentEvents(cmd.Context(), qf.query())
			if err != nil {
				return fmt.Errorf("read events: %w", err)
			}
			if qf.asJSON {
				return printJSON(cmd.OutOrStdout(), recs)
			}
			printEvents(cmd.OutOrStdout(), recs)
			return nil
		},
	}
	qf.register(cmd)
	return cmd
}

func printEvents(w io.Writer, recs []storage.EventRecord) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "No events recorded.")
		return
	}
	fmt.Fprintf(w, "%-25s  %-16s  %-24s  %-20s  %s\n", "AT", "TYPE", "LOOP", "HANDLER", "DETAIL")
	for _, e := range recs {
		fmt.Fprintf(w, "%-25s  %-16s  %-24s  %-20s  %s\n",
			e.At.Format(time.RFC3339), e.Type, e.Loop, e.Handler, e.Detail)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}
