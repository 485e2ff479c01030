package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"ripple/internal/loader"
	"ripple/internal/manifest"
	"ripple/internal/observ"
	"ripple/internal/vm"
)

var (
	runStats     bool
	runTrace     bool
	runTraceHeap bool
	runDebug     bool
)

func init() {
	runCmd.Flags().BoolVar(&runStats, "stats", false, "print heap statistics after the run")
	runCmd.Flags().BoolVar(&runTrace, "trace", false, "trace every instruction to stderr")
	runCmd.Flags().BoolVar(&runTraceHeap, "trace-heap", false, "include allocation and free events in the trace")
	runCmd.Flags().BoolVar(&runDebug, "debug", false, "enable runtime depth assertions and checked arithmetic")
}

var runCmd = &cobra.Command{
	Use:   "run <image.rplc | module-name>",
	Short: "Execute a compiled image or a project module",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := args[0]

		mf, err := manifest.LoadNearest(".")
		if err != nil {
			return err
		}
		opts := mf.Options()
		opts.Debug = opts.Debug || runDebug
		if runTrace || runTraceHeap {
			opts.Tracer = &vm.WriteTracer{W: cmd.ErrOrStderr(), Heap: runTraceHeap}
		}

		machine := vm.New(opts)
		res := loader.NewResolver(mf.Root, mf.SearchPaths())
		ld := loader.New(machine, res)

		timer := observ.NewTimer()
		result, owned, err := execute(machine, ld, target, timer)
		if err != nil {
			reportRunError(err)
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), machine.Heap().Render(result))
		if owned {
			machine.ReleaseValue(result)
		}

		if runStats {
			span := timer.Begin("collect")
			freed := machine.ForceCollect()
			span.Endf("%d freed", freed)
			printHeapStats(machine.HeapStats())
			fmt.Fprint(os.Stderr, timer.Summary())
		}
		return nil
	},
}

// execute dispatches between a direct image path and a module name.
// The returned bool reports whether the caller owns the result.
func execute(machine *vm.VM, ld *loader.Loader, target string, timer *observ.Timer) (vm.Value, bool, error) {
	if isImagePath(target) {
		span := timer.Begin("load")
		img, analysis, err := loadImage(target)
		span.End()
		if err != nil {
			return vm.Null(), false, err
		}
		span = timer.Begin("execute")
		result, vmErr := machine.Exec(img, analysis)
		span.End()
		if vmErr != nil {
			return vm.Null(), false, vmErr
		}
		return result, true, nil
	}
	span := timer.Begin("execute")
	m, err := ld.Load(target)
	span.Endf("%d modules", len(ld.Modules()))
	if err != nil {
		return vm.Null(), false, err
	}
	return m.Result, false, nil
}

// reportRunError prints the fault backtrace; cobra still prints the
// one-line error on return.
func reportRunError(err error) {
	if vmErr, ok := err.(*vm.VMError); ok {
		color.New(color.FgRed, color.Bold).Fprintln(os.Stderr, vmErr.Format())
	}
}

func printHeapStats(stats vm.HeapStats) {
	p := message.NewPrinter(language.English)
	p.Fprintf(os.Stderr, "heap: %d live objects, %d allocated total, ~%d bytes\n",
		stats.Live, stats.TotalAllocs, stats.BytesEstimate)
	p.Fprintf(os.Stderr, "gc:   %d passes, %d freed by last pass, %d suspects buffered\n",
		stats.Collections, stats.LastFreed, stats.Suspects)
}
