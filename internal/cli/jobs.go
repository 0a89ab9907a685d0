package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/i2y/odeon"
	"github.com/i2y/odeon/internal/storage"
)

// JobView is the listed form of a stored job.
type JobView struct {
	JobID       string          `json:"jobId"`
	NodeID      string          `json:"nodeId,omitempty"`
	ScheduledAt time.Time       `json:"scheduledAt"`
	Loaded      bool            `json:"loaded"`
	Details     json.RawMessage `json:"details,omitempty"`
}

// CancelResult reports whether a job was removed.
type CancelResult struct {
	JobID    string `json:"jobId"`
	Canceled bool   `json:"canceled"`
}

// NewJobsCommand creates the jobs command group.
func NewJobsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and cancel scheduled jobs",
	}
	cmd.AddCommand(newJobsListCommand(rootOpts))
	cmd.AddCommand(newJobsCancelCommand(rootOpts))
	return cmd
}

func newJobsListCommand(rootOpts *RootOptions) *cobra.Command {
	var filter storage.JobFilter

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored jobs ordered by due time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStorage(rootOpts)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			jobs, err := s.ListJobs(cmd.Context(), filter)
			if err != nil {
				return fmt.Errorf("list jobs: %w", err)
			}
			views := make([]JobView, 0, len(jobs))
			for _, j := range jobs {
				v := JobView{JobID: j.JobID, NodeID: j.NodeID, ScheduledAt: j.ScheduledAt, Loaded: j.Loaded}
				if json.Valid(j.Details) {
					v.Details = j.Details
				}
				views = append(views, v)
			}

			return rootOpts.writeResult(cmd.OutOrStdout(), views, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "JOB ID\tNODE\tSCHEDULED AT\tLOADED")
				for _, v := range views {
					node := v.NodeID
					if node == "" {
						node = "-"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", v.JobID, node, v.ScheduledAt.Format(time.RFC3339), v.Loaded)
				}
				_ = tw.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&filter.NodeID, "node", "", "only jobs assigned to this node")
	cmd.Flags().BoolVar(&filter.Unassigned, "unassigned", false, "only jobs not yet assigned to a node")
	cmd.Flags().IntVar(&filter.Limit, "limit", 100, "maximum number of jobs")
	return cmd
}

func newJobsCancelCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Delete a stored job",
		Long: `Delete a stored job. A node that already loaded the job skips it
when it finds the job gone from the store.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStorage(rootOpts)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			deleted, err := s.DeleteJob(cmd.Context(), args[0], "")
			if err != nil {
				return fmt.Errorf("cancel job %s: %w", args[0], err)
			}
			res := CancelResult{JobID: args[0], Canceled: deleted}
			return rootOpts.writeResult(cmd.OutOrStdout(), res, func(w io.Writer) {
				if deleted {
					fmt.Fprintf(w, "canceled %s\n", args[0])
				} else {
					fmt.Fprintf(w, "job %s not found\n", args[0])
				}
			})
		},
	}
}

func openStorage(rootOpts *RootOptions) (storage.Storage, error) {
	cfg, err := rootOpts.loadConfig()
	if err != nil {
		return nil, err
	}
	return odeon.OpenStorage(cfg.Database)
}
