package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"uthread/internal/board"
	"uthread/internal/cortexm"
	"uthread/internal/job"
	"uthread/internal/trace"
)

func newRunCmd() *cobra.Command {
	var (
		duration time.Duration
		ticks    uint32
		csvPath  string
		console  bool
		virtual  bool
		press    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Boot the kernel and run the demo tasks",
		Long: `Boots the kernel on the simulated core with two blinkers, a sleeper woken
by external interrupt 0 and a busy task, then prints scheduler and stack
statistics. The run ends after --duration of host time or --ticks kernel
ticks, whichever comes first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := cfg
			if virtual {
				c.RealTime = false
			}
			if duration <= 0 && ticks == 0 {
				return fmt.Errorf("run: need --duration or --ticks")
			}

			opts := []trace.Option{trace.WithLogger(logger)}
			if console {
				opts = append(opts, trace.WithConsole(cmd.OutOrStdout()))
			}
			rec := trace.NewRecorder(4096, opts...)
			if csvPath != "" {
				if err := rec.EnableCSV(csvPath); err != nil {
					return err
				}
			}

			b := board.New(c,
				board.WithLogger(logger),
				board.WithTracer(rec.Trace),
				board.WithFaultHandler(func(info cortexm.FaultInfo) {
					color.New(color.FgRed).Fprintln(cmd.ErrOrStderr(), info.String())
				}),
			)
			demo := job.NewDemo(b.Config().TickHz)

			ctx := cmd.Context()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			recDone := make(chan error, 1)
			go func() { recDone <- rec.Run(context.Background()) }()
			pressCtx, stopPress := context.WithCancel(ctx)
			go demo.Press(pressCtx, b, press)

			started := time.Now()
			err := b.Run(ctx, func(b *board.Board) error {
				if ticks > 0 {
					k := b.Kernel()
					if _, err := k.CreateTask(func(any) {
						k.Yield(ticks)
						b.Stop()
					}, nil, 0, 64); err != nil {
						return fmt.Errorf("stopper: %w", err)
					}
				}
				return demo.Setup(b)
			})
			stopPress()
			rec.Close()
			if rerr := <-recDone; rerr != nil && err == nil {
				err = rerr
			}

			report(cmd.OutOrStdout(), b, demo, rec.Summary(), time.Since(started))
			return err
		},
	}

	cmd.Flags().DurationVar(&duration, "duration", 2*time.Second, "Host time to run for (0 for no limit)")
	cmd.Flags().Uint32Var(&ticks, "ticks", 0, "Stop after this many kernel ticks (0 for no limit)")
	cmd.Flags().StringVar(&csvPath, "csv", "", "Write trace events to this CSV file")
	cmd.Flags().BoolVar(&console, "trace", false, "Print trace events")
	cmd.Flags().BoolVar(&virtual, "virtual", false, "Advance ticks from the idle loop instead of the host clock")
	cmd.Flags().DurationVar(&press, "press", 250*time.Millisecond, "Raise the sleeper's interrupt this often (0 to disable)")

	return cmd
}

func report(w io.Writer, b *board.Board, demo *job.Demo, sum trace.Summary, elapsed time.Duration) {
	k, m := b.Kernel(), b.Machine()
	ks, ms := k.Stats(), m.Stats()

	fmt.Fprintf(w, "ran %d ticks in %s\n", k.Tick(), elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "scheduler: %d passes, %d repeated, %d deferred, %d switches\n",
		ks.Passes, ks.Repeats, ks.Deferred, ks.Switches)
	fmt.Fprintf(w, "core: %d exceptions, %d tail-chained, %d nested\n", ms.Taken, ms.TailChains, ms.Nested)
	fmt.Fprintf(w, "demo: fast %d, slow %d, wakes %d, busy rounds %d\n",
		demo.Fast.Load(), demo.Slow.Load(), demo.Wakes.Load(), demo.Busy.Load())
	if sum.Dropped > 0 {
		fmt.Fprintf(w, "trace: %s events dropped\n", humanize.Comma(int64(sum.Dropped)))
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "%-6s  %-4s  %-10s  %-10s  %s\n", "TASK", "PRIO", "STACK", "USED", "SWITCHED IN")
	fmt.Fprintf(w, "%-6s  %-4s  %-10s  %-10s  %s\n", "----", "----", "-----", "----", "-----------")
	for _, s := range b.Stacks() {
		fmt.Fprintf(w, "%-6d  %-4d  %-10s  %-10s  %d\n",
			s.Task, s.Priority, humanize.IBytes(s.Bytes), humanize.IBytes(s.UsedBytes), sum.SwitchedIn[s.Task])
	}
	fmt.Fprintf(w, "\npool: %s free\n", humanize.IBytes(uint64(k.PoolFree())*4))
}
