package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/stratum-cloud/stratum/pkg/api"
	"github.com/stratum-cloud/stratum/pkg/engine"
)

func newJobsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and cancel lifecycle jobs",
		Long: `Query the job ledger of a running server.

A job is the client-visible handle of one create, clone or delete request.`,
	}

	cmd.AddCommand(newJobsListCommand())
	cmd.AddCommand(newJobsGetCommand())
	cmd.AddCommand(newJobsResultCommand())
	cmd.AddCommand(newJobsCancelCommand())

	return cmd
}

func newJobsListCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := newClient().ListJobs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(jobs)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "JOB ID\tTYPE\tSTATUS\tRESOURCE\tSUBMITTED")
			for _, j := range jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", j.ID, j.Type, j.Status, j.ResourceID, j.SubmittedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of jobs")

	return cmd
}

func newJobsGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show a job's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := newClient().GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(job)
			}
			printJob(job)
			return nil
		},
	}
}

func newJobsResultCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "result <job-id>",
		Short: "Print a finished job's result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := newClient().GetJobResult(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(raw)
		},
	}
}

func newJobsCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Request cancellation of a running job",
		Long: `Request cancellation of a running job.

The step in flight finishes; the workflow then rolls back the steps it
completed and the job fails as CANCELLED.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := newClient().CancelJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(job)
			}
			fmt.Printf("Cancellation requested for job %s\n", job.ID)
			return nil
		},
	}
}

func newClient() *api.Client {
	return api.NewClient(serverURL, 30*time.Second)
}

func printJob(job *engine.Job) {
	fmt.Printf("Job:       %s\n", job.ID)
	fmt.Printf("Type:      %s\n", job.Type)
	fmt.Printf("Status:    %s\n", job.Status)
	fmt.Printf("Resource:  %s\n", job.ResourceID)
	fmt.Printf("Submitted: %s\n", job.SubmittedAt.Format(time.RFC3339))
	fmt.Printf("Updated:   %s\n", job.UpdatedAt.Format(time.RFC3339))
	if job.Error != nil {
		fmt.Printf("Error:     %s\n", job.Error.Error())
		if job.Error.RollbackIncomplete {
			fmt.Println("           rollback incomplete; manual cleanup may be required")
		}
	}
}
