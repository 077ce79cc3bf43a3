package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/me/kernsched/internal/kernel"
	"github.com/me/kernsched/internal/logging"
	"github.com/me/kernsched/internal/memory"
	"github.com/me/kernsched/internal/store"
	"github.com/me/kernsched/internal/workload"
	"github.com/me/kernsched/pkg/model"
)

// Stack memory handed to the simulated kernel.
const (
	stackRegionBase = 0x7000_0000
	stackRegionSize = 1 << 30
)

func newRunCmd() *cobra.Command {
	var (
		algorithm  string
		cpus       int
		ticks      uint64
		tickPeriod time.Duration
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "run <scenario.yaml>",
		Short: "Run a workload scenario on the simulated kernel",
		Long: `Loads a scenario, boots a kernel with the configured scheduler and drives it
tick by tick until every thread has exited or the tick limit is reached.

Scheduler settings are layered: built-in defaults, then --config, then the
scenario's scheduler block, then --algorithm and --cpus.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := workload.LoadScenario(args[0], runCfg.Scheduler)
			if err != nil {
				return err
			}
			if algorithm != "" {
				a, err := model.ParseAlgorithm(algorithm)
				if err != nil {
					return err
				}
				sc.Scheduler.Algorithm = a
			}
			if cpus > 0 {
				sc.Scheduler.CPUCount = cpus
			}
			if err := sc.Validate(); err != nil {
				return err
			}
			switch {
			case cmd.Flags().Changed("ticks"):
				sc.Ticks = ticks
			case sc.Ticks == 0:
				sc.Ticks = runCfg.Ticks
			}
			if !cmd.Flags().Changed("tick-period") {
				tickPeriod = runCfg.TickPeriod
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return runScenario(ctx, cmd.OutOrStdout(), sc, tickPeriod, asJSON)
		},
	}

	cmd.Flags().StringVarP(&algorithm, "algorithm", "a", "", "Scheduling algorithm (round-robin, priority, mlfq, edf)")
	cmd.Flags().IntVar(&cpus, "cpus", 0, "Number of CPUs (overrides config and scenario)")
	cmd.Flags().Uint64Var(&ticks, "ticks", 0, "Tick limit (0: until every thread exits)")
	cmd.Flags().DurationVar(&tickPeriod, "tick-period", 0, "Wall-clock tick period (0: virtual clock)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the summary as JSON")

	return cmd
}

func runScenario(ctx context.Context, w io.Writer, sc *workload.Scenario, period time.Duration, asJSON bool) error {
	k := kernel.New(memory.NewRegionAllocator(stackRegionBase, stackRegionSize), logger)
	if err := k.Init(sc.Scheduler); err != nil {
		return err
	}
	runner, err := workload.NewRunner(k, sc, logger)
	if err != nil {
		return err
	}

	var (
		st  *store.SQLiteStore
		rec *store.Recorder
		run *model.Run
	)
	if runCfg.TraceDB != "" {
		st, err = openStore(ctx, runCfg.TraceDB)
		if err != nil {
			return err
		}
		defer st.Close()

		cfgYAML, err := yaml.Marshal(sc.Scheduler)
		if err != nil {
			return fmt.Errorf("marshal scheduler config: %w", err)
		}
		run = &model.Run{
			Scenario:  sc.Name,
			Algorithm: sc.Scheduler.Algorithm,
			CPUCount:  sc.Scheduler.CPUCount,
			Config:    string(cfgYAML),
		}
		if err := st.CreateRun(ctx, run); err != nil {
			return err
		}
		rec = store.NewRecorder(st, run.ID, 0, logger)
		k.SetListener(rec)
	}

	sum, runErr := runner.Run(ctx, period)

	if rec != nil {
		// The run context may be cancelled; the trace is written regardless.
		fctx := context.WithoutCancel(ctx)
		if err := rec.Flush(fctx); err != nil {
			logger.Error("trace incomplete", "run_id", run.ID, logging.ErrAttr(err))
		}
		state := model.RunStateCompleted
		if runErr != nil {
			state = model.RunStateFailed
		}
		summaryJSON, err := json.Marshal(sum)
		if err != nil {
			return fmt.Errorf("marshal summary: %w", err)
		}
		if err := st.FinishRun(fctx, run.ID, state, sum.Ticks, string(summaryJSON)); err != nil {
			return err
		}
	}

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(sum); err != nil {
			return err
		}
	} else {
		printSummary(w, sc, sum)
		if run != nil {
			fmt.Fprintf(w, "\nTrace: %s (%s events)\n", run.ID, humanize.Comma(int64(rec.Recorded())))
		}
	}
	return runErr
}

func printSummary(w io.Writer, sc *workload.Scenario, sum *workload.Summary) {
	s := sum.Stats
	status := "tick limit reached"
	if sum.Completed {
		status = "completed"
	}
	fmt.Fprintf(w, "Scenario:  %s\n", sum.Scenario)
	fmt.Fprintf(w, "Scheduler: %s on %d CPUs (quantum %d)\n", s.Algorithm, s.CPUCount, sc.Scheduler.DefaultQuantum)
	fmt.Fprintf(w, "Ticks:     %s (%s, %s)\n", humanize.Comma(int64(sum.Ticks)), status, sum.Elapsed.Round(time.Microsecond))
	fmt.Fprintf(w, "Switches:  %s  Dispatches: %s  Preemptions: %s  Migrations: %s  Deadline misses: %s\n",
		humanize.Comma(int64(s.ContextSwitches)),
		humanize.Comma(int64(s.Dispatches)),
		humanize.Comma(int64(s.Preemptions)),
		humanize.Comma(int64(s.Migrations)),
		humanize.Comma(int64(s.DeadlineMisses)),
	)

	fmt.Fprintf(w, "\n%-4s  %-7s  %8s  %8s  %6s  %8s\n", "CPU", "ONLINE", "BUSY", "IDLE", "UTIL", "SWITCHES")
	for _, c := range s.CPUs {
		online := "yes"
		if !c.Online {
			online = "no"
		}
		fmt.Fprintf(w, "%-4d  %-7s  %8d  %8d  %5.1f%%  %8d\n",
			c.ID, online, c.BusyTicks, c.IdleTicks, 100*c.Utilization(), c.Switches)
	}

	fmt.Fprintf(w, "\n%-5s  %-24s  %-8s  %-10s  %6s  %6s  %6s  %10s  %8s\n",
		"TID", "NAME", "PRIO", "STATE", "TICKS", "DISP", "MISSES", "TURNAROUND", "STACK")
	for _, t := range sum.Threads {
		turnaround := "-"
		if t.Exited {
			turnaround = humanize.Comma(int64(t.Turnaround()))
		}
		fmt.Fprintf(w, "%-5d  %-24s  %-8s  %-10s  %6d  %6d  %6d  %10s  %8s\n",
			uint64(t.Thread), t.Name, t.Priority, t.State, t.CPUTicks, t.Dispatches,
			t.DeadlineMisses, turnaround, humanize.IBytes(t.StackSize))
	}
}

func openStore(ctx context.Context, path string) (*store.SQLiteStore, error) {
	st, err := store.NewSQLiteStore(path, logger)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return st, nil
}
