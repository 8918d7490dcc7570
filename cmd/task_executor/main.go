// Command task_executor runs a contract through the sandboxed execution
// protocol, or prints its plan for review.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/taskexec/internal/app"
	"github.com/msageha/taskexec/internal/model"
	"github.com/msageha/taskexec/internal/runner"
	"github.com/msageha/taskexec/internal/setup"
	"github.com/msageha/taskexec/internal/status"
	"github.com/msageha/taskexec/internal/store"
)

const serviceName = "task_executor"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		planOnly     bool
		waitApproval time.Duration
		parallel     int
	)
	cmd := &cobra.Command{
		Use:   "task_executor <contract.yaml>...",
		Short: "Run task contracts under sandboxing, locks and approval gates",
		Long: `Run a task contract: every command is checked against the security
policy, resource locks are held for the duration of the run, and evidence
hashes and provenance are written under RUNS/<task_id>/.

Several contracts may be given. They share one evidence digest cache and run
up to --parallel at a time; a failing contract does not stop the others.

With --plan the contracts are only rendered together with their plan hashes;
nothing is executed or written.`,
		Version:       runner.Version,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if parallel < 1 {
				return fmt.Errorf("--parallel must be at least 1, got %d", parallel)
			}
			return runContracts(cmd, args, planOnly, waitApproval, parallel)
		},
	}
	cmd.Flags().BoolVar(&planOnly, "plan", false, "print the plan and its hash, then exit")
	cmd.Flags().DurationVar(&waitApproval, "wait-approval", 0, "wait up to this long for the approval file (overrides TASK_EXECUTOR_APPROVAL_WAIT)")
	cmd.Flags().IntVar(&parallel, "parallel", 1, "maximum number of contracts running at once")

	cmd.AddCommand(newStatusCmd(), newInitCmd())
	return cmd
}

func runContracts(cmd *cobra.Command, paths []string, planOnly bool, waitApproval time.Duration, parallel int) (err error) {
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
	if cmd.Flags().Changed("wait-approval") {
		a.Config.ApprovalWait = waitApproval
	}

	contracts := make([]*model.Contract, 0, len(paths))
	for _, path := range paths {
		c, err := model.LoadContract(path)
		if err != nil {
			return err
		}
		contracts = append(contracts, c)
	}

	opts := []runner.Option{
		runner.WithLogger(a.Logger),
		runner.WithSyncer(runner.NopSyncer{}),
	}
	archiver, err := a.Archiver()
	if err != nil {
		return err
	}
	if archiver != nil {
		opts = append(opts, runner.WithArchiver(archiver))
	}
	r, err := runner.New(a.Config, a.Sandbox, opts...)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if planOnly {
		for i, c := range contracts {
			if i > 0 {
				fmt.Fprintln(out)
			}
			if _, err := r.Plan(ctx, out, c); err != nil {
				return err
			}
		}
		return nil
	}

	results, err := r.RunAll(ctx, contracts, parallel)
	for i, res := range results {
		if res == nil || !res.Succeeded {
			fmt.Fprintf(out, "%s failed\n", contracts[i].TaskID)
			continue
		}
		printResult(out, res)
	}
	return err
}

func printResult(out io.Writer, res *runner.Result) {
	fmt.Fprintf(out, "%s succeeded (run %s)\n", res.TaskID, res.RunID)
	fmt.Fprintf(out, "  commands: %d, gates: %d, evidence files: %d\n", len(res.Commands), len(res.Gates), len(res.Evidence))
	fmt.Fprintf(out, "  provenance: %s\n", res.ProvenancePath)
	if res.Budget.Warning != "" {
		fmt.Fprintf(out, "  warning: %s\n", res.Budget.Warning)
	}
}

func newStatusCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "status <task_id>",
		Short: "Show the persisted run state and provenance of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.Open(cmd.Context(), serviceName)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			st := store.NewStateStore(a.Config.RunsDir, a.Logger)
			return status.Run(cmd.OutOrStdout(), st, a.Config.LocksDir, args[0], jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON")
	return cmd
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init [dir]",
		Short: "Create the RUNS/LOCKS layout and example files",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			a, err := app.Open(cmd.Context(), serviceName)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			created, err := setup.Run(dir, setup.Layout{RunsDir: a.Config.RunsDir, LocksDir: a.Config.LocksDir})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(created) == 0 {
				fmt.Fprintln(out, "Already initialized")
				return nil
			}
			for _, p := range created {
				fmt.Fprintf(out, "created %s\n", p)
			}
			return nil
		},
	}
}
