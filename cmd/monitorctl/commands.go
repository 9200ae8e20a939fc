package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/sykell/url-monitor/internal/client"
	"github.com/sykell/url-monitor/internal/db"
)

func newClient(cmd *cli.Command) *client.Client {
	return client.New(cmd.String("server"), client.WithToken(cmd.String("token")))
}

func jobIDArg(cmd *cli.Command) (string, error) {
	id := strings.TrimSpace(cmd.Args().First())
	if id == "" {
		return "", fmt.Errorf("%s requires a job id", cmd.Name)
	}
	return id, nil
}

// jobRow is one job with its latest run, nil when it has none
type jobRow struct {
	Job    db.Job
	Latest *db.Run
}

func fetchRows(ctx context.Context, c *client.Client) ([]jobRow, error) {
	jobs, err := c.ListJobs(ctx)
	if err != nil {
		return nil, err
	}

	rows := make([]jobRow, 0, len(jobs))
	for _, job := range jobs {
		latest, err := c.LatestRun(ctx, job.ID)
		if err != nil {
			// A job deleted between the two requests just drops out
			log.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to load latest run")
			continue
		}
		rows = append(rows, jobRow{Job: job, Latest: latest})
	}
	return rows, nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// renderJobs prints the job table followed by the jobs whose latest run
// flagged risky content.
func renderJobs(w io.Writer, rows []jobRow) error {
	if len(rows) == 0 {
		_, err := fmt.Fprintln(w, "No jobs yet.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tURL\tEVERY\tSTATUS\tLAST CHECKED\tRESULT")
	var flagged []jobRow
	for _, row := range rows {
		var finished *time.Time
		if row.Latest != nil {
			finished = row.Latest.FinishedAt
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			row.Job.ID, row.Job.URL, row.Job.IntervalLabel, row.Job.Status,
			formatTime(finished), client.Summary(row.Latest))
		if client.IsRisky(row.Latest) {
			flagged = append(flagged, row)
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(flagged) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flagged content:")
	for _, row := range flagged {
		fmt.Fprintf(w, "  %s  %s  risk=%s  detected=%s\n",
			row.Job.URL, strings.Join(row.Latest.Flags, ", "),
			*row.Latest.RiskLevel, formatTime(row.Latest.RiskAt))
	}
	return nil
}

func listAction(ctx context.Context, cmd *cli.Command) error {
	c := newClient(cmd)

	show := func() error {
		rows, err := fetchRows(ctx, c)
		if err != nil {
			return err
		}
		return renderJobs(os.Stdout, rows)
	}

	if !cmd.Bool("watch") {
		return show()
	}

	ticker := time.NewTicker(cmd.Duration("every"))
	defer ticker.Stop()
	for {
		if err := show(); err != nil {
			// Keep watching through transient API errors
			log.Error().Err(err).Msg("Failed to refresh jobs")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fmt.Fprintln(os.Stdout)
		}
	}
}

func addAction(ctx context.Context, cmd *cli.Command) error {
	address := strings.TrimSpace(cmd.Args().First())
	if address == "" {
		return fmt.Errorf("add requires a url")
	}

	job, err := newClient(cmd).CreateJob(ctx, client.CreateJobRequest{
		URL:             address,
		IntervalSeconds: int(cmd.Int("interval")),
		Mode:            cmd.String("mode"),
		WebhookURL:      cmd.String("webhook"),
	})
	if err != nil {
		return err
	}

	fmt.Printf("Created job %s for %s (every %s, %s)\n", job.ID, job.URL, job.IntervalLabel, job.Mode)
	return nil
}

func runAction(ctx context.Context, cmd *cli.Command) error {
	id, err := jobIDArg(cmd)
	if err != nil {
		return err
	}

	res, err := newClient(cmd).RunNow(ctx, id)
	if err != nil {
		return err
	}

	if res.Status == "skipped" {
		fmt.Printf("Job %s skipped (%s)\n", id, res.Reason)
		return nil
	}
	fmt.Printf("Run %s %s\n", res.RunID, res.Status)
	return nil
}

func deleteAction(ctx context.Context, cmd *cli.Command) error {
	id, err := jobIDArg(cmd)
	if err != nil {
		return err
	}

	if err := newClient(cmd).DeleteJob(ctx, id); err != nil {
		return err
	}

	fmt.Printf("Deleted job %s\n", id)
	return nil
}

func runsAction(ctx context.Context, cmd *cli.Command) error {
	id, err := jobIDArg(cmd)
	if err != nil {
		return err
	}

	runs, err := newClient(cmd).ListRuns(ctx, id, int(cmd.Int("limit")))
	if err != nil {
		return err
	}
	return renderRuns(os.Stdout, runs)
}

func renderRuns(w io.Writer, runs []db.Run) error {
	if len(runs) == 0 {
		_, err := fmt.Fprintln(w, "No runs yet")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tTRIGGER\tSTARTED\tFINISHED\tRESULT")
	for i := range runs {
		run := &runs[i]
		started := run.StartedAt
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			run.ID, run.Trigger, formatTime(&started), formatTime(run.FinishedAt), client.Summary(run))
	}
	return tw.Flush()
}

func loginAction(ctx context.Context, cmd *cli.Command) error {
	c := newClient(cmd)
	token, err := c.Login(ctx, cmd.String("username"), cmd.String("password"))
	if err != nil {
		return err
	}

	fmt.Println(token)
	return nil
}
