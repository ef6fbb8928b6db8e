package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/airframesio/table-exporter/cmd/exporter"
	"github.com/airframesio/table-exporter/cmd/jobs"
	"github.com/airframesio/table-exporter/cmd/multipart"
	"github.com/airframesio/table-exporter/cmd/rowsource"
)

var (
	// Version information - set via ldflags during build
	// Example: go build -ldflags "-X github.com/airframesio/table-exporter/cmd.Version=1.2.3"
	Version = "dev" // Default to "dev" if not set during build

	cfgFile string

	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7D56F4")).
			Bold(true).
			Underline(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00D9FF"))

	logger *slog.Logger

	// tuiLogs receives log lines while the export TUI owns the terminal
	tuiLogs = &logForwarder{}
)

// logForwarder hands log lines to an attached receiver without blocking
type logForwarder struct {
	mu sync.Mutex
	ch chan<- string
}

func (f *logForwarder) attach(ch chan<- string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ch = ch
}

func (f *logForwarder) detach() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ch = nil
}

// send reports whether a receiver was attached. Lines are dropped when the
// receiver is full.
func (f *logForwarder) send(line string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ch == nil {
		return false
	}
	select {
	case f.ch <- line:
	default:
	}
	return true
}

// broadcastLogHandler wraps a slog handler and forwards records to the TUI
// while one is attached. Console output is suppressed meanwhile so the
// display is not corrupted.
type broadcastLogHandler struct {
	handler   slog.Handler
	forwarder *logForwarder
}

func newBroadcastLogHandler(handler slog.Handler, forwarder *logForwarder) *broadcastLogHandler {
	return &broadcastLogHandler{handler: handler, forwarder: forwarder}
}

func (h *broadcastLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *broadcastLogHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Message != "" && h.forwarder.send(r.Time.Format("15:04:05")+" "+r.Message) {
		return nil
	}
	return h.handler.Handle(ctx, r)
}

func (h *broadcastLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &broadcastLogHandler{handler: h.handler.WithAttrs(attrs), forwarder: h.forwarder}
}

func (h *broadcastLogHandler) WithGroup(name string) slog.Handler {
	return &broadcastLogHandler{handler: h.handler.WithGroup(name), forwarder: h.forwarder}
}

// textOnlyHandler is a custom slog handler that outputs human-readable text
// without key=value pairs, suitable for interactive terminal usage
type textOnlyHandler struct {
	opts   slog.HandlerOptions
	writer io.Writer
}

func newTextOnlyHandler(w io.Writer, opts *slog.HandlerOptions) *textOnlyHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &textOnlyHandler{
		opts:   *opts,
		writer: w,
	}
}

func (h *textOnlyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *textOnlyHandler) Handle(_ context.Context, r slog.Record) error {
	// Format: YYYY-MM-DD HH:MM:SS LEVEL message
	timestamp := r.Time.Format("2006-01-02 15:04:05")
	level := r.Level.String()

	_, err := fmt.Fprintf(h.writer, "%s %s %s\n", timestamp, level, r.Message)
	return err
}

func (h *textOnlyHandler) WithAttrs(_ []slog.Attr) slog.Handler {
	// attributes are not rendered in text-only mode
	return h
}

func (h *textOnlyHandler) WithGroup(_ string) slog.Handler {
	return h
}

// initLogger initializes the slog logger based on debug flag and log format
func initLogger(isDebug bool, format string) {
	logger = newLogger(os.Stdout, isDebug, format)
}

func newLogger(w io.Writer, isDebug bool, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	if isDebug {
		opts.Level = slog.LevelDebug
	}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "logfmt":
		// logfmt uses slog.TextHandler which outputs key=value pairs
		handler = slog.NewTextHandler(w, opts)
	default: // "text" or anything else
		handler = newTextOnlyHandler(w, opts)
	}

	return slog.New(newBroadcastLogHandler(handler, tuiLogs))
}

var rootCmd = &cobra.Command{
	Use:           "table-exporter",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	Short:         "📤 Export a PostgreSQL table to object storage as CSV",
	Long: titleStyle.Render("Table Exporter") + `

A CLI tool to export a PostgreSQL table to S3-compatible object storage.
Rows are streamed through a server-side cursor, encoded as CSV, compressed
with gzip/zstd/lz4 and uploaded as a multipart upload without staging on disk.
Every run is tracked as a job that can be queried for status and download links.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// Show help when no subcommand is specified
		cmd.Help()
	},
}

// Execute runs the CLI under a context cancelled on SIGINT or SIGTERM
func Execute() error {
	ctx, stop := commandContext()
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	cobra.OnInitialize(initConfig)

	// Persistent flags (available to all subcommands)
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.table-exporter.yaml)")
	flags.BoolP("debug", "d", false, "enable debug output (disables the progress UI)")
	flags.String("log-format", "text", "log format (text, logfmt, json)")

	flags.String("db-host", "localhost", "PostgreSQL host")
	flags.Int("db-port", 5432, "PostgreSQL port")
	flags.String("db-user", "", "PostgreSQL user")
	flags.String("db-password", "", "PostgreSQL password")
	flags.String("db-name", "", "PostgreSQL database name")
	flags.String("db-sslmode", "disable", "PostgreSQL SSL mode (disable, require, verify-ca, verify-full)")
	flags.Int("db-statement-timeout", 300, "PostgreSQL statement timeout in seconds (0 = no timeout)")

	flags.String("s3-endpoint", "", "S3-compatible endpoint URL")
	flags.String("s3-bucket", "", "S3 bucket name")
	flags.String("s3-access-key", "", "S3 access key")
	flags.String("s3-secret-key", "", "S3 secret key")
	flags.String("s3-region", "auto", "S3 region")

	flags.String("job-store", jobStoreSQLite, "job store: sqlite, postgres, memory")
	flags.String("job-store-path", "", "SQLite job store file (default is $HOME/"+defaultJobStoreFile+")")
	flags.Duration("download-url-ttl", exporter.DefaultDownloadURLTTL, "lifetime of presigned download links")

	// Note: We don't use MarkFlagRequired because it checks before viper loads the config file.
	// Instead, validation happens in config.Validate() which runs after all config sources are loaded.
	bindFlags(flags, map[string]string{
		"debug":                "debug",
		"log_format":           "log-format",
		"db.host":              "db-host",
		"db.port":              "db-port",
		"db.user":              "db-user",
		"db.password":          "db-password",
		"db.name":              "db-name",
		"db.sslmode":           "db-sslmode",
		"db.statement_timeout": "db-statement-timeout",
		"s3.endpoint":          "s3-endpoint",
		"s3.bucket":            "s3-bucket",
		"s3.access_key":        "s3-access-key",
		"s3.secret_key":        "s3-secret-key",
		"s3.region":            "s3-region",
		"job_store.driver":     "job-store",
		"job_store.path":       "job-store-path",
		"download_url_ttl":     "download-url-ttl",
	})

	// Export-specific flags
	exportFlags := exportCmd.Flags()
	exportFlags.String("table", "users", "table to export")
	exportFlags.Int("fetch-size", rowsource.DefaultFetchSize, "rows fetched per cursor round trip")
	exportFlags.Int("part-size", multipart.DefaultPartSize, "multipart part size in bytes (minimum 5 MiB)")
	exportFlags.Int("upload-concurrency", multipart.DefaultConcurrency, "maximum concurrent part uploads")
	exportFlags.Int("progress-interval", jobs.DefaultProgressInterval, "rows between progress updates")
	exportFlags.String("compression", "gzip", "compression type: gzip, zstd, lz4, none")
	exportFlags.Int("compression-level", 0, "compression level (0 = codec default, zstd: 1-22, lz4/gzip: 1-9)")
	exportFlags.Int("error-message-limit", exporter.DefaultErrorMessageLimit, "maximum characters kept from a failure message")
	exportFlags.String("metrics-addr", "", "serve Prometheus metrics on this address while exporting (e.g. :9090)")

	bindFlags(exportFlags, map[string]string{
		"table":               "table",
		"fetch_size":          "fetch-size",
		"part_size":           "part-size",
		"upload_concurrency":  "upload-concurrency",
		"progress_interval":   "progress-interval",
		"compression":         "compression",
		"compression_level":   "compression-level",
		"error_message_limit": "error-message-limit",
		"metrics_addr":        "metrics-addr",
	})

	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(downloadURLCmd)
	rootCmd.AddCommand(verifyCmd)
}

// bindFlags binds viper keys to the named flags of a flag set
func bindFlags(flags *pflag.FlagSet, keys map[string]string) {
	for key, flag := range keys {
		_ = viper.BindPFlag(key, flags.Lookup(flag))
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".table-exporter")
	}

	viper.SetEnvPrefix("EXPORTER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && viper.GetBool("debug") {
		if logger == nil {
			initLogger(true, viper.GetString("log_format"))
		}
		logger.Debug(fmt.Sprintf("📄 Using config file: %s", viper.ConfigFileUsed()))
	}
}

// loadConfig assembles the configuration from flags, environment and config file
func loadConfig() *Config {
	return &Config{
		Debug:             viper.GetBool("debug"),
		LogFormat:         viper.GetString("log_format"),
		Table:             viper.GetString("table"),
		FetchSize:         viper.GetInt("fetch_size"),
		PartSize:          viper.GetInt("part_size"),
		UploadConcurrency: viper.GetInt("upload_concurrency"),
		ProgressInterval:  viper.GetInt("progress_interval"),
		Compression:       viper.GetString("compression"),
		CompressionLevel:  viper.GetInt("compression_level"),
		ErrorMessageLimit: viper.GetInt("error_message_limit"),
		DownloadURLTTL:    viper.GetDuration("download_url_ttl"),
		MetricsAddr:       viper.GetString("metrics_addr"),
		Database: DatabaseConfig{
			Host:             viper.GetString("db.host"),
			Port:             viper.GetInt("db.port"),
			User:             viper.GetString("db.user"),
			Password:         viper.GetString("db.password"),
			Name:             viper.GetString("db.name"),
			SSLMode:          viper.GetString("db.sslmode"),
			StatementTimeout: viper.GetInt("db.statement_timeout"),
		},
		S3: S3Config{
			Endpoint:  viper.GetString("s3.endpoint"),
			Bucket:    viper.GetString("s3.bucket"),
			AccessKey: viper.GetString("s3.access_key"),
			SecretKey: viper.GetString("s3.secret_key"),
			Region:    viper.GetString("s3.region"),
		},
		JobStore: JobStoreConfig{
			Driver: viper.GetString("job_store.driver"),
			Path:   viper.GetString("job_store.path"),
		},
	}
}

// commandContext returns a context cancelled on SIGINT or SIGTERM
func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// recoverPanic turns an unexpected crash into a clean exit
func recoverPanic() {
	if r := recover(); r != nil {
		fmt.Fprintf(os.Stderr, "\n❌ PANIC: %v\n", r)
		os.Exit(1)
	}
}

func logBanner() {
	logger.Info("")
	logger.Info(fmt.Sprintf("🚀 Table Exporter v%s", Version))
	logger.Info(strings.Repeat("━", 31))
}

// exitOnConfigError logs a validation failure and exits
func exitOnConfigError(err error) {
	if err == nil {
		return
	}
	logger.Error(fmt.Sprintf("❌ Configuration error: %s", err.Error()))
	os.Exit(1)
}

// forceExitAfter exits the process if ctx is cancelled and done has not
// closed within grace
func forceExitAfter(ctx context.Context, done <-chan struct{}, grace time.Duration) {
	go func() {
		select {
		case <-done:
			return
		case <-ctx.Done():
		}

		logger.Info("")
		logger.Info("⚠️  Interrupt signal received, shutting down...")

		select {
		case <-done:
		case <-time.After(grace):
			logger.Error("⚠️  Graceful shutdown timed out, forcing exit...")
			os.Exit(130)
		}
	}()
}
