package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jo-hoe/clipforge/internal/jobs"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job and its clips",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			a, err := buildApp(cmd.Context(), cfg, ctx.logger())
			if err != nil {
				return err
			}
			defer a.close()

			job, err := a.store.GetJob(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("job %s: %w", args[0], err)
			}
			clips, err := a.store.ListClips(cmd.Context(), job.ID)
			if err != nil {
				return err
			}
			writeStatus(cmd.OutOrStdout(), jobs.NewJobView(job, clips, false))
			return nil
		},
	}
}

func writeStatus(w io.Writer, v jobs.JobView) {
	fmt.Fprintf(w, "Job:      %s\n", v.ID)
	fmt.Fprintf(w, "Type:     %s\n", v.Type)
	fmt.Fprintf(w, "Status:   %s\n", v.Status)
	fmt.Fprintf(w, "Progress: %d/%d done, %d failed\n", v.Progress.Done, v.Progress.Total, v.Progress.Failed)
	fmt.Fprintf(w, "Cost:     %d credits\n", v.CreditCost)
	if v.ErrorMessage != nil {
		fmt.Fprintf(w, "Error:    %s\n", *v.ErrorMessage)
	}
	if v.FinalURL != nil {
		fmt.Fprintf(w, "Final:    %s\n", *v.FinalURL)
	}
	if len(v.Clips) == 0 {
		return
	}

	rows := make([][]string, 0, len(v.Clips))
	for _, c := range v.Clips {
		rows = append(rows, []string{
			strconv.Itoa(c.ClipIndex),
			joinInts(c.ScriptIndices),
			c.Provider,
			string(c.Status),
			deref(c.TaskID),
			firstNonEmpty(deref(c.VideoURL), deref(c.ErrorMessage)),
			c.UpdatedAt.Format(time.RFC3339),
		})
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, renderTable(
		[]string{"#", "Script", "Provider", "Status", "Task", "Result", "Updated"},
		rows,
		[]columnAlignment{alignRight},
	))
}

func joinInts(v []int) string {
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ",")
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
