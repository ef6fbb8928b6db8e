package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/airframesio/table-exporter/cmd/compressors"
	"github.com/airframesio/table-exporter/cmd/exporter"
	"github.com/airframesio/table-exporter/cmd/formatters"
	"github.com/airframesio/table-exporter/cmd/jobs"
)

var (
	ErrRecordCountMismatch = errors.New("artifact record count does not match the job")
	ErrUnknownArtifactType = errors.New("unable to detect artifact compression")
)

var verifyCmd = &cobra.Command{
	Use:   "verify <job-id>",
	Short: "Download a completed export and check its contents",
	Long: `Download the artifact of a completed export, decompress it, parse every CSV
record and check that the header and the record count match the job.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runVerify(cmd, args[0])
	},
}

// compressorForKey detects the artifact codec from its object key
func compressorForKey(key string) (compressors.Compressor, error) {
	lower := strings.ToLower(key)
	for _, name := range []string{compressors.CompressionGzip, compressors.CompressionZstd, compressors.CompressionLZ4} {
		codec, err := compressors.GetCompressor(name)
		if err != nil {
			return nil, err
		}
		if strings.HasSuffix(lower, codec.Extension()) {
			return codec, nil
		}
	}
	if strings.HasSuffix(lower, ".csv") {
		return compressors.NewNoneCompressor(), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownArtifactType, key)
}

// countArtifactRecords decompresses an artifact and counts its data records
func countArtifactRecords(r io.Reader, key string) (int64, error) {
	codec, err := compressorForKey(key)
	if err != nil {
		return 0, err
	}

	reader, err := codec.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("failed to open decompressor: %w", err)
	}
	defer reader.Close()

	return formatters.NewCSVReader(reader).CountRecords()
}

// verifyArtifact checks a downloaded artifact against the job that produced it
func verifyArtifact(r io.Reader, job *jobs.Job) (int64, error) {
	if job.Status != jobs.StatusCompleted || job.ArtifactKey == nil {
		return 0, fmt.Errorf("%w: job %s is %s", exporter.ErrNotCompleted, job.ID, job.Status)
	}

	count, err := countArtifactRecords(r, *job.ArtifactKey)
	if err != nil {
		return count, err
	}
	if count != job.ProcessedRecords {
		return count, fmt.Errorf("%w: artifact has %d records, job reports %d", ErrRecordCountMismatch, count, job.ProcessedRecords)
	}
	return count, nil
}

func runVerify(cmd *cobra.Command, arg string) error {
	app, id, err := setupLookup(cmd, arg, true)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx := cmd.Context()
	job, err := app.Exporter().GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != jobs.StatusCompleted || job.ArtifactKey == nil {
		return fmt.Errorf("%w: job %s is %s", exporter.ErrNotCompleted, id, job.Status)
	}

	tempFile, err := os.CreateTemp("", "verify-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		tempFile.Close()
		os.Remove(tempFile.Name())
	}()

	logger.Debug(fmt.Sprintf("Downloading %s", *job.ArtifactKey))
	size, err := app.Fetcher().Download(ctx, *job.ArtifactKey, tempFile)
	if err != nil {
		return err
	}
	if _, err := tempFile.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind temp file: %w", err)
	}

	count, err := verifyArtifact(tempFile, job)
	if err != nil {
		return err
	}

	if job.TotalRecords != nil && *job.TotalRecords != count {
		logger.Warn(fmt.Sprintf("⚠️  Table had %d rows when the job started, artifact holds %d", *job.TotalRecords, count))
	}
	logger.Info(fmt.Sprintf("✅ Verified %s: %d records, %d bytes", *job.ArtifactKey, count, size))
	return nil
}
