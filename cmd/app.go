package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/airframesio/table-exporter/cmd/compressors"
	"github.com/airframesio/table-exporter/cmd/exporter"
	"github.com/airframesio/table-exporter/cmd/formatters"
	"github.com/airframesio/table-exporter/cmd/jobs"
	"github.com/airframesio/table-exporter/cmd/metrics"
	"github.com/airframesio/table-exporter/cmd/multipart"
	"github.com/airframesio/table-exporter/cmd/objectstore"
	"github.com/airframesio/table-exporter/cmd/rowsource"
)

const defaultJobStoreFile = ".table-exporter-jobs.db"

// App owns the connections behind one CLI invocation
type App struct {
	config   *Config
	logger   *slog.Logger
	db       *sql.DB
	jobsDB   *sql.DB
	sess     *session.Session
	s3Client *s3.S3
	store    jobs.Store
	recorder *metrics.Recorder
	server   *http.Server
	exporter *exporter.Exporter

	metricsURL string
}

func NewApp(config *Config, logger *slog.Logger) *App {
	return &App{
		config: config,
		logger: logger,
	}
}

// Exporter returns the exporter built by SetupExport or SetupLookup
func (a *App) Exporter() *exporter.Exporter {
	return a.exporter
}

// SetupExport connects everything an export run needs. ctx bounds the runs.
func (a *App) SetupExport(ctx context.Context) error {
	if err := a.connectDatabase(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	a.logger.Debug(fmt.Sprintf("Connected to PostgreSQL at %s:%d", a.config.Database.Host, a.config.Database.Port))

	if err := a.connectS3(); err != nil {
		return err
	}
	if err := a.openJobStore(ctx); err != nil {
		return err
	}
	if err := a.startMetricsServer(); err != nil {
		return err
	}

	codec, err := compressors.GetCompressor(a.config.Compression)
	if err != nil {
		return err
	}

	uploader := multipart.NewUploader(a.s3Client, a.config.S3.Bucket, multipart.Options{
		PartSize:    a.config.PartSize,
		Concurrency: a.config.UploadConcurrency,
		ContentType: formatters.NewCSVEncoder().MIMEType(),
		Compressor:  codec,
		Level:       a.config.CompressionLevel,
		Observer:    a.recorder,
	}, a.logger)

	source := rowsource.New(a.db, a.config.Table, a.config.FetchSize, a.logger)

	a.exporter, err = exporter.New(ctx, a.exporterConfig(uploader.Extension()), exporter.Deps{
		Store:    a.store,
		Rows:     exporter.TableSource(source),
		Sinks:    exporter.MultipartSinks(uploader),
		Signer:   objectstore.NewPresigner(a.s3Client, a.config.S3.Bucket),
		Recorder: a.recorder,
		Logger:   a.logger,
	})
	return err
}

// SetupLookup opens the job store, and S3 when needS3 is set, for the
// status, download-url and verify commands.
func (a *App) SetupLookup(ctx context.Context, needS3 bool) error {
	if a.config.JobStore.Driver == jobStorePostgres {
		if err := a.connectDatabase(ctx); err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
	}
	if err := a.openJobStore(ctx); err != nil {
		return err
	}

	deps := exporter.Deps{Store: a.store, Logger: a.logger}
	if needS3 {
		if err := a.connectS3(); err != nil {
			return err
		}
		deps.Signer = objectstore.NewPresigner(a.s3Client, a.config.S3.Bucket)
	}

	var err error
	a.exporter, err = exporter.New(ctx, a.exporterConfig(""), deps)
	return err
}

// Fetcher downloads artifacts; SetupLookup must have been called with needS3
func (a *App) Fetcher() *objectstore.Fetcher {
	return objectstore.NewFetcher(a.sess, a.config.S3.Bucket)
}

func (a *App) exporterConfig(extension string) exporter.Config {
	return exporter.Config{
		Extension:         extension,
		ProgressInterval:  int64(a.config.ProgressInterval),
		ErrorMessageLimit: a.config.ErrorMessageLimit,
		DownloadURLTTL:    a.config.DownloadURLTTL,
	}
}

// Close releases every connection the app opened
func (a *App) Close() {
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = a.server.Shutdown(ctx)
		cancel()
	}
	if a.jobsDB != nil && a.jobsDB != a.db {
		a.jobsDB.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}

func (a *App) connectDatabase(ctx context.Context) error {
	if a.db != nil {
		return nil
	}

	db, err := sql.Open("postgres", a.connString())
	if err != nil {
		return err
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return err
	}

	a.db = db
	return nil
}

func (a *App) connString() string {
	sslMode := a.config.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		a.config.Database.Host,
		a.config.Database.Port,
		a.config.Database.User,
		a.config.Database.Password,
		a.config.Database.Name,
		sslMode,
	)

	if a.config.Database.StatementTimeout > 0 {
		timeoutMs := a.config.Database.StatementTimeout * 1000
		connStr += fmt.Sprintf(" statement_timeout=%d", timeoutMs)
	}
	return connStr
}

func (a *App) connectS3() error {
	if a.sess != nil {
		return nil
	}

	sess, err := objectstore.NewSession(objectstore.Settings{
		Endpoint:  a.config.S3.Endpoint,
		Region:    a.config.S3.Region,
		AccessKey: a.config.S3.AccessKey,
		SecretKey: a.config.S3.SecretKey,
	})
	if err != nil {
		return err
	}

	a.sess = sess
	a.s3Client = s3.New(sess)
	return nil
}

func (a *App) openJobStore(ctx context.Context) error {
	switch a.config.JobStore.Driver {
	case jobStoreMemory:
		a.store = jobs.NewMemoryStore()
		return nil
	case jobStorePostgres:
		if err := a.connectDatabase(ctx); err != nil {
			return fmt.Errorf("failed to connect to job store: %w", err)
		}
		a.jobsDB = a.db
	default:
		path, err := a.jobStorePath()
		if err != nil {
			return err
		}
		db, err := jobs.OpenSQLite(ctx, path)
		if err != nil {
			return err
		}
		a.jobsDB = db
		a.logger.Debug(fmt.Sprintf("Using job store %s", path))
	}

	store, err := jobs.NewSQLStore(a.jobsDB, a.config.jobStoreDialect())
	if err != nil {
		return err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}
	a.store = store
	return nil
}

func (a *App) jobStorePath() (string, error) {
	if a.config.JobStore.Path != "" {
		return a.config.JobStore.Path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate home directory for job store: %w", err)
	}
	return filepath.Join(home, defaultJobStoreFile), nil
}

// startMetricsServer registers the exporter metrics and, when an address is
// configured, serves them on /metrics
func (a *App) startMetricsServer() error {
	registry := prometheus.NewRegistry()
	a.recorder = metrics.NewRecorder(registry)

	if a.config.MetricsAddr == "" {
		return nil
	}

	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	listener, err := net.Listen("tcp", a.config.MetricsAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on metrics address %s: %w", a.config.MetricsAddr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	a.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := a.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Warn(fmt.Sprintf("⚠️  Metrics server stopped: %v", err))
		}
	}()
	a.metricsURL = fmt.Sprintf("http://%s/metrics", listener.Addr())
	a.logger.Info(fmt.Sprintf("📈 Serving metrics at %s", a.metricsURL))
	return nil
}
