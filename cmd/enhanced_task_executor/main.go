// Command enhanced_task_executor runs a phase-grouped task list, executing
// parallel-eligible tasks of each phase concurrently.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/taskexec/internal/app"
	"github.com/msageha/taskexec/internal/evidence"
	"github.com/msageha/taskexec/internal/events"
	"github.com/msageha/taskexec/internal/model"
	"github.com/msageha/taskexec/internal/runner"
	"github.com/msageha/taskexec/internal/scheduler"
)

const serviceName = "enhanced_task_executor"

// errTasksFailed carries the non-zero exit without printing a second message.
var errTasksFailed = errors.New("one or more tasks failed")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errTasksFailed) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		validateAll bool
		maxParallel int
	)
	cmd := &cobra.Command{
		Use:   "enhanced_task_executor <tasks.md|tasks.yaml>",
		Short: "Execute a phase-grouped task list",
		Long: `Execute a task list grouped into phases. Tasks marked [P] run concurrently
within their phase, the rest run in file order. A failing task in a phase
whose name contains BLOCKING stops every later phase.

Exit status is 0 only if every executed task succeeded.`,
		Version:       runner.Version,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTasks(cmd, args[0], validateAll, maxParallel)
		},
	}
	cmd.Flags().BoolVar(&validateAll, "validate-all", false, "also execute tasks already marked complete")
	cmd.Flags().IntVar(&maxParallel, "max-parallel", 0, "bound concurrent tasks per phase (0 = unbounded, overrides TASK_EXECUTOR_MAX_PARALLEL)")
	return cmd
}

func runTasks(cmd *cobra.Command, path string, validateAll bool, maxParallel int) (err error) {
	ctx := cmd.Context()
	a, err := app.Open(ctx, serviceName)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(context.Background()); cerr != nil && err == nil {
			err = cerr
		}
	}()
	if cmd.Flags().Changed("max-parallel") {
		if maxParallel < 0 {
			return fmt.Errorf("--max-parallel must be >= 0, got %d", maxParallel)
		}
		a.Config.MaxParallel = maxParallel
	}

	phases, err := scheduler.ParseFile(path)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	bus := events.NewBus(256)
	// One subscriber for both types keeps phase headers ahead of their tasks.
	bus.SubscribeTypes(func(e events.Event) {
		switch e.Type {
		case events.EventPhaseTransition:
			if e.Data["to"] == string(model.PhaseStatusRunning) {
				fmt.Fprintf(out, "== %v\n", e.Data["phase"])
			}
		case events.EventTaskCompleted:
			mark := "ok  "
			if ok, _ := e.Data["success"].(bool); !ok {
				mark = "FAIL"
			}
			fmt.Fprintf(out, "  [%s] %v (%vms)\n", mark, e.Data["task_id"], e.Data["duration_ms"])
		}
	}, events.EventPhaseTransition, events.EventTaskCompleted)

	s := scheduler.New(a.Sandbox,
		scheduler.WithLogger(a.Logger),
		scheduler.WithBus(bus),
		scheduler.WithRecorder(evidence.NewTaskRecorder(a.Config.EvidenceDir())),
		scheduler.WithWorkDir(a.Config.WorkDir),
		scheduler.WithTimeout(a.Config.CommandTimeout),
		scheduler.WithMaxParallel(a.Config.MaxParallel),
		scheduler.WithValidateAll(validateAll),
	)
	report, err := s.Run(ctx, phases)
	bus.Close()
	if err != nil {
		return err
	}

	printReport(out, report)
	if !report.Success() {
		return errTasksFailed
	}
	return nil
}

func printReport(w io.Writer, r scheduler.Report) {
	fmt.Fprintf(w, "\nRun %s\n", r.RunID)
	for _, p := range r.Phases {
		fmt.Fprintf(w, "  %-40s %s\n", p.Name, p.Status)
		for _, res := range p.Results {
			if !res.Success && res.Error != "" {
				fmt.Fprintf(w, "    %s: %s\n", res.TaskID, res.Error)
			}
		}
	}
	st := r.Stats
	fmt.Fprintf(w, "\nTasks: %d total (%d parallel, %d sequential)\n", st.Total, st.Parallel, st.Sequential)
	fmt.Fprintf(w, "Completed: %d  Failed: %d  Skipped: %d\n", st.Completed, st.Failed, st.Skipped)
	fmt.Fprintf(w, "Elapsed: %s  Estimated time saved: %s\n", st.Elapsed.Round(time.Millisecond), st.EstimatedTimeSaved.Round(time.Millisecond))
}
