package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/lanterna-data/enrich-cli/internal/model"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect the job journal",
	Long:  "Commands for checking queue state, recent failures, and the dead-letter queue.",
}

// -- jobs status --

var jobsStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show job counts by state and recent failure classes",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("status"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		counts, err := st.CountJobsByState(ctx)
		if err != nil {
			return eris.Wrap(err, "jobs status")
		}
		printJobCounts(os.Stdout, counts)

		since, _ := cmd.Flags().GetDuration("since")
		jobs, err := st.ListJobs(ctx, "", 10000) // high limit for the tally
		if err != nil {
			return eris.Wrap(err, "jobs status")
		}
		printFailureClasses(os.Stdout, countFailureClasses(jobs, time.Now().Add(-since)))
		return nil
	},
}

// -- jobs dlq --

var jobsDLQCmd = &cobra.Command{
	Use:   "dlq",
	Short: "List dead-lettered jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("dlq"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		limit, _ := cmd.Flags().GetInt("limit")
		jobs, err := st.ListJobs(ctx, model.JobDeadLettered, limit)
		if err != nil {
			return eris.Wrap(err, "jobs dlq")
		}

		if len(jobs) == 0 {
			fmt.Fprintln(os.Stderr, "No dead-lettered jobs.")
			return nil
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(jobs)
		}

		formatDeadLetters(os.Stdout, jobs)
		return nil
	},
}

func init() {
	jobsStatusCmd.Flags().Duration("since", 24*time.Hour, "window for the failure tally (e.g. 24h, 72h)")

	jobsDLQCmd.Flags().Int("limit", 50, "max number of jobs to display")
	jobsDLQCmd.Flags().Bool("json", false, "dump full jobs as JSON, attempt histories included")

	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsDLQCmd)
	rootCmd.AddCommand(jobsCmd)
}

// printJobCounts writes the per-state job counts in lifecycle order.
func printJobCounts(out io.Writer, counts map[model.JobState]int) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "STATE\tJOBS")
	_, _ = fmt.Fprintln(w, "-----\t----")
	for _, state := range []model.JobState{
		model.JobQueued,
		model.JobActive,
		model.JobRetrying,
		model.JobSucceeded,
		model.JobDeadLettered,
	} {
		_, _ = fmt.Fprintf(w, "%s\t%d\n", state, counts[state])
	}
	_ = w.Flush()
}

// countFailureClasses tallies failed attempts by error class across the
// attempt histories, skipping attempts that finished before since.
// Successful attempts carry no error class and never count.
func countFailureClasses(jobs []model.Job, since time.Time) map[string]int {
	out := make(map[string]int)
	for _, job := range jobs {
		for _, att := range job.History {
			if att.ErrorClass == "" || att.FinishedAt.Before(since) {
				continue
			}
			out[att.ErrorClass]++
		}
	}
	return out
}

// printFailureClasses writes the failure tally, most frequent class first.
// Prints nothing when the window saw no failures.
func printFailureClasses(out io.Writer, classes map[string]int) {
	if len(classes) == 0 {
		return
	}
	names := make([]string, 0, len(classes))
	for name := range classes {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if classes[names[i]] != classes[names[j]] {
			return classes[names[i]] > classes[names[j]]
		}
		return names[i] < names[j]
	})

	fmt.Fprintln(out, "\nRecent failed attempts by class:")
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CLASS\tATTEMPTS")
	_, _ = fmt.Fprintln(w, "-----\t--------")
	for _, name := range names {
		_, _ = fmt.Fprintf(w, "%s\t%d\n", name, classes[name])
	}
	_ = w.Flush()
}

// formatDeadLetters writes a tabular list of dead-lettered jobs to w.
func formatDeadLetters(out io.Writer, jobs []model.Job) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "JOB\tNAME\tREASON\tATTEMPTS\tLAST ERROR\tUPDATED")
	_, _ = fmt.Fprintln(w, "---\t----\t------\t--------\t----------\t-------")

	for _, j := range jobs {
		lastErr := ""
		if n := len(j.History); n > 0 {
			lastErr = j.History[n-1].Error
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			truncateID(j.ID),
			truncate(j.Record.Name, 30),
			j.Reason,
			j.Attempt,
			truncate(lastErr, 40),
			j.UpdatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a job id for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// truncate shortens s to max runes, ellipsized. Company names and error
// strings can carry accented characters, so cut on runes, not bytes.
func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
