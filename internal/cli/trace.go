package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/kernsched/internal/store"
	"github.com/me/kernsched/pkg/model"
)

var errNoTraceDB = errors.New("no trace database: set --trace-db, trace_db in the config, or KERNSCHED_TRACE_DB")

func newTraceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Inspect recorded scheduling traces",
	}
	cmd.AddCommand(
		newTraceListCmd(),
		newTraceShowCmd(),
		newTraceDeleteCmd(),
	)
	return cmd
}

func openTraceStore(cmd *cobra.Command) (*store.SQLiteStore, error) {
	if runCfg.TraceDB == "" {
		return nil, errNoTraceDB
	}
	return openStore(cmd.Context(), runCfg.TraceDB)
}

func newTraceListCmd() *cobra.Command {
	filter := model.DefaultRunFilter()
	var state string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			runState, err := model.ParseRunState(state)
			if err != nil {
				return err
			}
			filter.State = runState

			st, err := openTraceStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			runs, total, err := st.ListRuns(cmd.Context(), filter)
			if err != nil {
				return fmt.Errorf("list runs: %w", err)
			}
			w := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(w, "No runs found.")
				return nil
			}

			fmt.Fprintf(w, "%-40s  %-11s  %-12s  %4s  %8s  %s\n", "ID", "STATE", "ALGORITHM", "CPUS", "TICKS", "CREATED")
			fmt.Fprintf(w, "%-40s  %-11s  %-12s  %4s  %8s  %s\n", "--", "-----", "---------", "----", "-----", "-------")
			for _, r := range runs {
				fmt.Fprintf(w, "%-40s  %-11s  %-12s  %4d  %8d  %s\n",
					r.ID, r.State, r.Algorithm, r.CPUCount, r.Ticks, humanize.Time(r.CreatedAt))
			}
			if len(runs) < total {
				fmt.Fprintf(w, "\n(%d of %d shown)\n", len(runs), total)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&filter.Limit, "limit", filter.Limit, "Maximum runs to list")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "Runs to skip")
	cmd.Flags().StringVar(&state, "state", "", "Only runs in this state (running, completed, failed)")

	return cmd
}

func newTraceShowCmd() *cobra.Command {
	var (
		filter model.EventFilter
		kind   string
		thread uint64
		cpu    int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the events of a recorded run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openTraceStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			run, err := st.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if run == nil {
				return fmt.Errorf("run %s not found", args[0])
			}

			filter.Kind = model.EventKind(kind)
			filter.Thread = model.ThreadID(thread)
			if cmd.Flags().Changed("cpu") {
				c := model.CPUID(cpu)
				filter.CPU = &c
			}
			events, total, err := st.ListEvents(cmd.Context(), run.ID, filter)
			if err != nil {
				return fmt.Errorf("list events: %w", err)
			}

			w := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{"run": run, "events": events, "total": total})
			}

			fmt.Fprintf(w, "Run %s: %s, %s on %d CPUs, %s ticks\n\n",
				run.ID, run.State, run.Algorithm, run.CPUCount, humanize.Comma(int64(run.Ticks)))
			fmt.Fprintf(w, "%8s  %-18s  %4s  %6s  %6s  %s\n", "TICK", "EVENT", "CPU", "PID", "TID", "DETAIL")
			for _, ev := range events {
				cpuCol := "-"
				if ev.CPU >= 0 {
					cpuCol = fmt.Sprint(int(ev.CPU))
				}
				fmt.Fprintf(w, "%8d  %-18s  %4s  %6d  %6d  %s\n",
					ev.Tick, ev.Kind, cpuCol, uint64(ev.Process), uint64(ev.Thread), ev.Detail)
			}
			if len(events) < total {
				fmt.Fprintf(w, "\n(%d of %s events shown)\n", len(events), humanize.Comma(int64(total)))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "Only events of this kind (dispatch, preempt, migrate, ...)")
	cmd.Flags().Uint64Var(&thread, "thread", 0, "Only events of this thread ID")
	cmd.Flags().IntVar(&cpu, "cpu", 0, "Only events on this CPU")
	cmd.Flags().IntVar(&filter.Limit, "limit", 100, "Maximum events to show")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "Events to skip")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")

	return cmd
}

func newTraceDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a recorded run and its events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openTraceStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.DeleteRun(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("delete run: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		},
	}
}
