package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/airframesio/table-exporter/cmd/jobs"
	"github.com/airframesio/table-exporter/cmd/metrics"
)

var ErrInvalidJobID = errors.New("job id must be a UUID")

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show the state of an export job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd, args[0])
	},
}

var downloadURLCmd = &cobra.Command{
	Use:   "download-url <job-id>",
	Short: "Print a presigned download link for a completed export",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDownloadURL(cmd, args[0])
	},
}

func parseJobID(arg string) (uuid.UUID, error) {
	id, err := uuid.Parse(arg)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %q", ErrInvalidJobID, arg)
	}
	return id, nil
}

// setupLookup validates the config and opens what a job query needs
func setupLookup(cmd *cobra.Command, arg string, needS3 bool) (*App, uuid.UUID, error) {
	config := loadConfig()
	initLogger(config.Debug, config.LogFormat)

	id, err := parseJobID(arg)
	if err != nil {
		return nil, uuid.Nil, err
	}
	if err := config.ValidateLookup(needS3); err != nil {
		return nil, uuid.Nil, fmt.Errorf("configuration error: %w", err)
	}

	app := NewApp(config, logger)
	if err := app.SetupLookup(cmd.Context(), needS3); err != nil {
		app.Close()
		return nil, uuid.Nil, err
	}
	return app, id, nil
}

func runStatus(cmd *cobra.Command, arg string) error {
	app, id, err := setupLookup(cmd, arg, false)
	if err != nil {
		return err
	}
	defer app.Close()

	job, err := app.Exporter().GetJob(cmd.Context(), id)
	if err != nil {
		return err
	}

	for _, line := range renderJobSummary(job) {
		fmt.Fprintln(cmd.OutOrStdout(), line)
	}
	return nil
}

func runDownloadURL(cmd *cobra.Command, arg string) error {
	app, id, err := setupLookup(cmd, arg, true)
	if err != nil {
		return err
	}
	defer app.Close()

	url, err := app.Exporter().GetDownloadURL(cmd.Context(), id)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), url)
	return nil
}

// renderJobSummary renders a job as aligned label/value lines
func renderJobSummary(job *jobs.Job) []string {
	label := func(name string) string {
		return infoStyle.Render(fmt.Sprintf("%-12s", name+":"))
	}

	lines := []string{
		titleStyle.Render("Export " + job.ID.String()),
		label("Status") + " " + statusText(job.Status),
	}

	rows := fmt.Sprintf("%d", job.ProcessedRecords)
	if job.TotalRecords != nil {
		rows = fmt.Sprintf("%d/%d", job.ProcessedRecords, *job.TotalRecords)
		if percent, ok := job.ProgressPercent(); ok {
			rows += fmt.Sprintf(" (%d%%)", percent)
		}
	}
	lines = append(lines, label("Rows")+" "+rows)

	lines = append(lines, label("Created")+" "+job.CreatedAt.Format(time.RFC3339))
	if job.StartedAt != nil {
		lines = append(lines, label("Started")+" "+job.StartedAt.Format(time.RFC3339))
	}
	if job.FinishedAt != nil {
		lines = append(lines, label("Finished")+" "+job.FinishedAt.Format(time.RFC3339))
	}
	if job.ArtifactKey != nil {
		lines = append(lines, label("Artifact")+" "+*job.ArtifactKey)
	}

	if m := job.Metrics; m != nil {
		lines = append(lines, label("Duration")+" "+metrics.FormatDuration(m.Duration))
		lines = append(lines, label("Speed")+" "+metrics.FormatSpeed(m.RowsPerSecond))
		size := fmt.Sprintf("%s → %s", metrics.FormatBytes(m.UncompressedBytes), metrics.FormatBytes(m.CompressedBytes))
		if percent, ok := m.CompressionPercent(); ok {
			size += fmt.Sprintf(" (%.1f%% smaller)", percent)
		}
		lines = append(lines, label("Size")+" "+size)
	}

	if job.ErrorMessage != nil {
		lines = append(lines, label("Error")+" "+errorTextStyle.UnsetMargins().Render(*job.ErrorMessage))
	}
	return lines
}

func statusText(status jobs.Status) string {
	switch status {
	case jobs.StatusCompleted:
		return stageStyle.UnsetMargins().Render("✅ " + string(status))
	case jobs.StatusFailed:
		return errorTextStyle.UnsetMargins().Render("❌ " + string(status))
	case jobs.StatusRunning:
		return "⏳ " + string(status)
	default:
		return "🕒 " + string(status)
	}
}
