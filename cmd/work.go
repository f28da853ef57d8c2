package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lanterna-data/enrich-cli/internal/queue"
)

var (
	workWorkers int
	workDrain   bool
)

var workCmd = &cobra.Command{
	Use:   "work",
	Short: "Run the worker pool against the scheduled jobs",
	Long: `Restores the journaled queue from the store and runs resolution workers
against it until interrupted. With --drain the pool exits once no runnable
jobs remain, which is the usual mode for batch processing.`,
	Example: `  enrich-cli work --drain
  enrich-cli work --workers 8`,
	RunE: runWork,
}

func init() {
	workCmd.Flags().IntVar(&workWorkers, "workers", 0, "worker count (default: from config)")
	workCmd.Flags().BoolVar(&workDrain, "drain", false, "exit once the queue is empty")

	rootCmd.AddCommand(workCmd)
}

func runWork(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cfg.Validate("work"); err != nil {
		return err
	}

	st, err := initStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	q := queue.New(cfg.Queue, st)

	prior, err := st.ListJobs(ctx, "", 0)
	if err != nil {
		return err
	}
	if runnable := q.Restore(prior); runnable > 0 {
		// Jobs caught mid-attempt by the previous shutdown came back
		// queued; write the normalized states back in one batch.
		if err := st.SaveJobs(ctx, q.Snapshot()); err != nil {
			return err
		}
		zap.L().Info("restored journaled jobs",
			zap.Int("runnable", runnable),
			zap.Int("journaled", len(prior)),
		)
	}

	if workDrain && q.Pending() == 0 {
		fmt.Fprintln(os.Stderr, "Queue is empty, nothing to do.")
		return nil
	}

	eng, err := buildEngine(st)
	if err != nil {
		return err
	}

	workers := cfg.Queue.Workers
	if workWorkers > 0 {
		workers = workWorkers
	}

	pool := queue.NewPool(q, eng.Orchestrator, workers, workDrain)
	if err := pool.Run(ctx); err != nil {
		return err
	}

	reportEngineState(eng)

	fmt.Printf("Resolved %d jobs, %d failed attempts, %d still pending.\n",
		pool.Succeeded(), pool.Failed(), q.Pending())
	printJobCounts(os.Stdout, q.Counts())
	return nil
}
