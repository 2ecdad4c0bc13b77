package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/chazu/tiered/harness"
	"github.com/chazu/tiered/store"
)

type traceOptions struct {
	*rootOptions
	DB       string
	Function string
	Snapshot string
}

func newTraceCommand(root *rootOptions) *cobra.Command {
	opts := &traceOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "trace [run-id]",
		Short: "Inspect recorded tier traces",
		Long: `Trace reads a trace database written by "tier run --db" or "tier serve --db".
Without a run ID it lists runs and deoptimization counts. With a run ID it
prints that run's events.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dbPath := opts.DB
			if dbPath == "" {
				dbPath = opts.manifest.TraceDBPath()
			}
			if dbPath == "" {
				return errors.New("no trace database: pass --db or set [trace] db in tiered.toml")
			}
			st, err := store.Open(dbPath)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := context.Background()
			out := cmd.OutOrStdout()
			if len(args) == 0 {
				return printRuns(ctx, out, st)
			}
			if opts.Snapshot != "" {
				return printSnapshot(ctx, out, st, args[0], opts.Snapshot)
			}
			return printEvents(ctx, out, st, args[0], opts.Function)
		},
	}
	cmd.Flags().StringVar(&opts.DB, "db", "", "trace database (default from tiered.toml)")
	cmd.Flags().StringVarP(&opts.Function, "function", "f", "", "only show events for this function")
	cmd.Flags().StringVar(&opts.Snapshot, "snapshot", "", "print the latest feedback snapshot of this function")
	return cmd
}

func printRuns(ctx context.Context, out io.Writer, st *store.Store) error {
	runs, err := st.Runs(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tLABEL\tSTARTED\tEVENTS")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", r.ID, r.Label, r.StartedAt.Format("2006-01-02 15:04:05"), r.Events)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	counts, err := st.DeoptCounts(ctx)
	if err != nil {
		return err
	}
	if len(counts) == 0 {
		return nil
	}
	fmt.Fprintln(out)
	tw = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FUNCTION\tREASON\tDEOPTS")
	for _, c := range counts {
		fmt.Fprintf(tw, "%s\t%s\t%d\n", c.Function, c.Reason, c.Count)
	}
	return tw.Flush()
}

func printEvents(ctx context.Context, out io.Writer, st *store.Store, runID, function string) error {
	events, err := st.Events(ctx, runID)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if function != "" && ev.Function != function {
			continue
		}
		fmt.Fprintf(out, "%6d %s\n", ev.Seq, harness.RenderEvent(ev))
	}
	return nil
}

func printSnapshot(ctx context.Context, out io.Writer, st *store.Store, runID, function string) error {
	snap, err := st.LatestSnapshot(ctx, runID, function)
	if err != nil {
		return err
	}
	if snap == nil {
		return fmt.Errorf("no snapshot of %s in run %s", function, runID)
	}
	fmt.Fprintf(out, "%s (feedback version %d)\n", snap.Function, snap.Version)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SITE\tKIND\tPC\tSTATE\tKEY\tSAMPLES\tFLAGS")
	for _, e := range snap.Entries {
		key := e.KeyState
		if e.Key != "" {
			key += " " + e.Key
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\t%d\t%s\n", e.Site, e.SiteKind, e.PC, e.State, key, e.Samples, entryFlags(e.SawNonIndex, e.SawOutOfBounds, e.SawNonNumber))
	}
	return tw.Flush()
}

func entryFlags(nonIndex, oob bool, nonNumber [2]bool) string {
	var flags []string
	if nonIndex {
		flags = append(flags, "non-index")
	}
	if oob {
		flags = append(flags, "out-of-bounds")
	}
	if nonNumber[0] {
		flags = append(flags, "lhs-non-number")
	}
	if nonNumber[1] {
		flags = append(flags, "rhs-non-number")
	}
	if len(flags) == 0 {
		return "-"
	}
	return strings.Join(flags, ",")
}
