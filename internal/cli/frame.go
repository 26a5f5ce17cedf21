package cli

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"uthread/internal/cortexm"
	"uthread/internal/kernel"
)

var hardwareNames = [...]string{"R0", "R1", "R2", "R3", "R12", "LR", "PC", "xPSR"}

// slotName names word i of a saved context.
func slotName(i int) string {
	switch {
	case i == 0:
		return "FPSCR"
	case i <= 32:
		return fmt.Sprintf("S%d", i-1)
	case i < cortexm.HardwareFrameOffset:
		return fmt.Sprintf("R%d", i-33+4)
	default:
		return hardwareNames[i-cortexm.HardwareFrameOffset]
	}
}

func slotColor(i int) *color.Color {
	switch {
	case i <= 32:
		return color.New(color.FgYellow)
	case i < cortexm.HardwareFrameOffset:
		return color.New(color.FgGreen)
	default:
		return color.New(color.FgCyan)
	}
}

func frameEntry(any) {}

func newFrameCmd() *cobra.Command {
	var words uint32
	var arg uint32

	cmd := &cobra.Command{
		Use:   "frame",
		Short: "Dump the initial context of a new task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if words < cortexm.FrameWords {
				return fmt.Errorf("frame: %d words cannot hold a %d word context", words, cortexm.FrameWords)
			}
			m := cortexm.New(int(words), cortexm.WithLogger(logger))
			pool := kernel.NewStackPool(m.StackMemory())
			stack, err := pool.Alloc(words)
			if err != nil {
				return fmt.Errorf("frame: %w", err)
			}
			pool.Poison(stack)

			var a any
			if cmd.Flags().Changed("arg") {
				a = arg
			}
			sp := m.InitFrame(stack, frameEntry, a)
			return dumpFrame(cmd.OutOrStdout(), m, stack, sp)
		},
	}

	cmd.Flags().Uint32Var(&words, "words", 64, "Stack size in words")
	cmd.Flags().Uint32Var(&arg, "arg", 0, "Task argument passed in R0")

	return cmd
}

func dumpFrame(w io.Writer, m *cortexm.Machine, stack kernel.Stack, sp uint32) error {
	frame, err := m.Bus().Words(sp, cortexm.FrameWords)
	if err != nil {
		return fmt.Errorf("frame: %w", err)
	}

	fmt.Fprintf(w, "stack %#08x..%#08x (%s), sp %#08x\n",
		stack.Base, stack.Top()+3, humanize.IBytes(stack.Bytes()), sp)
	for i, v := range frame {
		note := ""
		switch slotName(i) {
		case "PC":
			if _, ok := m.Bus().EntryAt(v); ok {
				note = "  task entry"
			}
		case "R0":
			if v != 0 {
				note = fmt.Sprintf("  boxed arg %v", m.Bus().Unbox(v))
			}
		}
		if v == kernel.StackPoison {
			note = "  unwritten"
		}
		slotColor(i).Fprintf(w, "  +%02d  %#08x  %08x  %-5s%s\n", i, sp+4*uint32(i), v, slotName(i), note)
	}
	return nil
}
