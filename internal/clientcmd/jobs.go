package clientcmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/conveyor-ci/conveyor/internal/client"
	"github.com/conveyor-ci/conveyor/internal/store"
	"github.com/conveyor-ci/conveyor/internal/tui"
)

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List your jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			status, _ := cmd.Flags().GetString("status")
			limit, _ := cmd.Flags().GetInt("limit")

			jobs, err := c.ListJobs(cmd.Context(), status, limit)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Println("no jobs")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tSOURCE\tCREATED")
			for _, j := range jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					j.ID, tui.RenderStatus(j.Status), jobSource(j), j.CreatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	cmd.Flags().String("status", "", "filter by status (pending, running, completed, failed, cancelled)")
	cmd.Flags().Int("limit", 0, "maximum number of jobs to list")
	return cmd
}

func jobSource(j store.Job) string {
	if j.SourceType == "git" {
		return j.SourceURL
	}
	return j.SourceType
}

func newSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a new job",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			repo, _ := cmd.Flags().GetString("repo")
			command, _ := cmd.Flags().GetString("command")
			scriptPath, _ := cmd.Flags().GetString("script")

			req := clientCreateRequest(repo, command)
			if scriptPath != "" {
				data, err := os.ReadFile(scriptPath)
				if err != nil {
					return fmt.Errorf("read script: %w", err)
				}
				req.Script = string(data)
			}

			job, err := c.CreateJob(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Printf("submitted %s (%s)\n", job.ID, tui.RenderStatus(job.Status))

			if follow, _ := cmd.Flags().GetBool("follow"); follow {
				return tui.Follow(cmd.Context(), c, job.ID)
			}
			return nil
		},
	}
	cmd.Flags().String("repo", "", "git repository URL to build")
	cmd.Flags().String("command", "", "command to run")
	cmd.Flags().String("script", "", "path to a build script to upload")
	cmd.Flags().Bool("follow", false, "follow the job's logs after submitting")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			job, err := c.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printJob(job)
			return nil
		},
	}
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a pending or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			job, err := c.CancelJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("cancelled %s\n", job.ID)
			return nil
		},
	}
}

func newRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Resubmit a failed or cancelled job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			job, err := c.RetryJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("retrying as %s\n", job.ID)
			return nil
		},
	}
}

func newLogsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs <job-id>",
		Short: "Stream a job's logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			if follow, _ := cmd.Flags().GetBool("follow"); follow {
				return tui.Follow(cmd.Context(), c, args[0])
			}

			// Without --follow, print until eof and exit.
			msgs, err := c.FollowLogs(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for msg := range msgs {
				if msg.Type == "eof" {
					break
				}
				if msg.Line != nil {
					fmt.Println(msg.Line.Line)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolP("follow", "f", false, "follow logs in an interactive viewport")
	return cmd
}

func clientCreateRequest(repo, command string) client.CreateJobRequest {
	req := client.CreateJobRequest{SourceType: "upload", Command: command}
	if repo != "" {
		req.SourceType = "git"
		req.SourceURL = repo
	}
	return req
}

func printJob(j *store.Job) {
	fmt.Printf("ID:       %s\n", j.ID)
	fmt.Printf("Status:   %s\n", tui.RenderStatus(j.Status))
	fmt.Printf("Source:   %s\n", jobSource(*j))
	if j.Command != "" {
		fmt.Printf("Command:  %s\n", j.Command)
	}
	fmt.Printf("Created:  %s\n", j.CreatedAt.Format(time.RFC3339))
	if j.StartedAt != nil {
		fmt.Printf("Started:  %s\n", j.StartedAt.Format(time.RFC3339))
	}
	if j.CompletedAt != nil {
		fmt.Printf("Finished: %s\n", j.CompletedAt.Format(time.RFC3339))
	}
	if j.ExitCode != nil {
		fmt.Printf("Exit:     %d\n", *j.ExitCode)
	}
	if j.BuildMinutes > 0 {
		fmt.Printf("Minutes:  %.1f\n", j.BuildMinutes)
	}
}
