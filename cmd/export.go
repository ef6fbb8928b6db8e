package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/airframesio/table-exporter/cmd/jobs"
)

// shutdownGrace bounds how long a cancelled export may take to record its failure
const shutdownGrace = 10 * time.Second

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the table to object storage",
	Long: `Export the table to object storage. Starts a tracked export job that streams
every row as CSV through the configured compression into a multipart upload,
then prints the job summary and a presigned download link.`,
	Run: func(cmd *cobra.Command, _ []string) {
		if code := runExport(cmd.Context()); code != 0 {
			os.Exit(code)
		}
	},
}

// useProgressUI reports whether the interactive display should own the terminal
func useProgressUI(config *Config) bool {
	if config.Debug || config.LogFormat == "json" || config.LogFormat == "logfmt" {
		return false
	}
	return isatty.IsTerminal(os.Stdout.Fd())
}

func runExport(signalCtx context.Context) int {
	defer recoverPanic()

	config := loadConfig()
	initLogger(config.Debug, config.LogFormat)
	logBanner()

	logger.Debug("Validating configuration...")
	exitOnConfigError(config.Validate())
	logger.Debug("Configuration validated successfully")

	// cancelled by signals or by the progress display
	ctx, cancel := context.WithCancel(signalCtx)
	defer cancel()

	app := NewApp(config, logger)
	defer app.Close()

	logger.Debug("Connecting to PostgreSQL, S3 and the job store...")
	if err := app.SetupExport(ctx); err != nil {
		logger.Error(fmt.Sprintf("❌ Setup failed: %s", err.Error()))
		return 1
	}
	exp := app.Exporter()

	id, err := exp.StartExport(ctx)
	if err != nil {
		logger.Error(fmt.Sprintf("❌ Failed to start export: %s", err.Error()))
		return 1
	}
	logger.Info(fmt.Sprintf("📋 Export job %s started for table %s", id, config.Table))

	done := make(chan struct{})
	forceExitAfter(ctx, done, shutdownGrace)

	if useProgressUI(config) {
		runProgressUI(id, config.Table, exp, cancel)
	}
	exp.Wait()
	close(done)

	job, err := exp.GetJob(context.Background(), id)
	if err != nil {
		logger.Error(fmt.Sprintf("❌ Failed to read job %s: %s", id, err.Error()))
		return 1
	}

	logger.Info("")
	for _, line := range renderJobSummary(job) {
		logger.Info(line)
	}
	logger.Info("")

	if job.Status != jobs.StatusCompleted {
		if errors.Is(ctx.Err(), context.Canceled) {
			logger.Info("⚠️  Export cancelled by user")
			return 130
		}
		logger.Error("❌ Export failed")
		return 1
	}

	logger.Info("✅ Export completed successfully!")
	url, err := exp.GetDownloadURL(context.Background(), id)
	if err != nil {
		logger.Warn(fmt.Sprintf("⚠️  Could not sign download link: %s", err.Error()))
		return 0
	}
	logger.Info(fmt.Sprintf("🔗 Download (valid for %s): %s", config.DownloadURLTTL, url))
	return 0
}

// runProgressUI shows the progress display until the job finishes or the
// user leaves it. Logs are routed into the display meanwhile.
func runProgressUI(id uuid.UUID, table string, getter jobGetter, cancel context.CancelFunc) {
	logs := make(chan string, 100)
	tuiLogs.attach(logs)
	defer tuiLogs.detach()

	model := newProgressModel(id, table, getter, cancel, logs)
	// signals reach the command context instead of the display
	program := tea.NewProgram(model, tea.WithoutSignalHandler())
	if _, err := program.Run(); err != nil {
		tuiLogs.detach()
		logger.Warn(fmt.Sprintf("⚠️  Progress display failed, continuing without it: %v", err))
	}
}
