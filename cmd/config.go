package cmd

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/airframesio/table-exporter/cmd/compressors"
	"github.com/airframesio/table-exporter/cmd/jobs"
	"github.com/airframesio/table-exporter/cmd/multipart"
)

// Static errors for configuration validation
var (
	ErrDatabaseUserRequired     = errors.New("database user is required")
	ErrDatabaseNameRequired     = errors.New("database name is required")
	ErrDatabasePortInvalid      = errors.New("database port must be between 1 and 65535")
	ErrStatementTimeoutInvalid  = errors.New("database statement timeout must be >= 0")
	ErrS3EndpointRequired       = errors.New("S3 endpoint is required")
	ErrS3BucketRequired         = errors.New("S3 bucket is required")
	ErrS3AccessKeyRequired      = errors.New("S3 access key is required")
	ErrS3SecretKeyRequired      = errors.New("S3 secret key is required")
	ErrS3RegionInvalid          = errors.New("S3 region contains invalid characters or is too long")
	ErrTableNameRequired        = errors.New("table name is required")
	ErrTableNameInvalid         = errors.New("table name is invalid: must be 1-63 characters, start with a letter or underscore, and contain only letters, numbers, and underscores")
	ErrFetchSizeMinimum         = errors.New("fetch size must be at least 100")
	ErrFetchSizeMaximum         = errors.New("fetch size must not exceed 1000000")
	ErrPartSizeMinimum          = errors.New("part size must be at least 5 MiB")
	ErrUploadConcurrencyInvalid = errors.New("upload concurrency must be between 1 and 64")
	ErrProgressIntervalInvalid  = errors.New("progress interval must be at least 1")
	ErrCompressionInvalid       = errors.New("compression must be one of: gzip, zstd, lz4, none")
	ErrCompressionLevelInvalid  = errors.New("compression level must be 0 (codec default) or between 1 and 22 (zstd), 1-9 (lz4/gzip)")
	ErrJobStoreDriverInvalid    = errors.New("job store driver must be one of: sqlite, postgres, memory")
	ErrDownloadURLTTLInvalid    = errors.New("download URL TTL must be between 1s and 7 days")
	ErrErrorMessageLimitInvalid = errors.New("error message limit must be at least 1")
	ErrMemoryStoreNotQueryable  = errors.New("the memory job store only lives for one export; use sqlite or postgres to query jobs")
)

const (
	regionAuto = "auto"

	jobStoreSQLite   = "sqlite"
	jobStorePostgres = "postgres"
	jobStoreMemory   = "memory"

	maxDownloadURLTTL = 7 * 24 * time.Hour
)

type Config struct {
	Debug             bool
	LogFormat         string
	Table             string
	FetchSize         int
	PartSize          int
	UploadConcurrency int
	ProgressInterval  int
	Compression       string
	CompressionLevel  int
	ErrorMessageLimit int
	DownloadURLTTL    time.Duration
	MetricsAddr       string
	Database          DatabaseConfig
	S3                S3Config
	JobStore          JobStoreConfig
}

type DatabaseConfig struct {
	Host             string
	Port             int
	User             string
	Password         string
	Name             string
	SSLMode          string
	StatementTimeout int // Statement timeout in seconds (0 = no timeout)
}

type S3Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
}

type JobStoreConfig struct {
	Driver string // sqlite, postgres or memory
	Path   string // SQLite database file
}

// validPostgreSQLIdentifier checks if a string is a valid PostgreSQL identifier
// to prevent SQL injection attacks
var validPostgreSQLIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

var validRegion = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// isValidTableName validates that a table name is safe to use in SQL queries
func isValidTableName(name string) bool {
	if name == "" || len(name) > 63 {
		return false
	}
	return validPostgreSQLIdentifier.MatchString(name)
}

// isValidRegion validates that an S3 region is reasonable
func isValidRegion(region string) bool {
	if region == "" || len(region) > 50 {
		return false
	}
	return validRegion.MatchString(region)
}

// isValidCompression validates the compression type
func isValidCompression(compression string) bool {
	_, err := compressors.GetCompressor(compression)
	return err == nil
}

// isValidCompressionLevel validates compression level based on compression type.
// Level 0 selects the codec default.
func isValidCompressionLevel(compression string, level int) bool {
	if level == 0 {
		return true
	}
	switch compression {
	case compressors.CompressionZstd:
		return level >= 1 && level <= 22
	case compressors.CompressionLZ4, compressors.CompressionGzip:
		return level >= 1 && level <= 9
	default:
		return false
	}
}

func isValidJobStoreDriver(driver string) bool {
	switch driver {
	case jobStoreSQLite, jobStorePostgres, jobStoreMemory:
		return true
	default:
		return false
	}
}

// Validate checks everything an export run needs
func (c *Config) Validate() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}
	if err := c.validateS3(); err != nil {
		return err
	}
	if err := c.validateJobStore(); err != nil {
		return err
	}

	if c.Table == "" {
		return ErrTableNameRequired
	}
	if !isValidTableName(c.Table) {
		return fmt.Errorf("%w: '%s'", ErrTableNameInvalid, c.Table)
	}

	if c.FetchSize < 100 {
		return fmt.Errorf("%w, got %d", ErrFetchSizeMinimum, c.FetchSize)
	}
	if c.FetchSize > 1000000 {
		return fmt.Errorf("%w, got %d", ErrFetchSizeMaximum, c.FetchSize)
	}

	if c.PartSize < multipart.DefaultPartSize {
		return fmt.Errorf("%w, got %d", ErrPartSizeMinimum, c.PartSize)
	}
	if c.UploadConcurrency < 1 || c.UploadConcurrency > 64 {
		return fmt.Errorf("%w, got %d", ErrUploadConcurrencyInvalid, c.UploadConcurrency)
	}
	if c.ProgressInterval < 1 {
		return fmt.Errorf("%w, got %d", ErrProgressIntervalInvalid, c.ProgressInterval)
	}

	if !isValidCompression(c.Compression) {
		return fmt.Errorf("%w: '%s'", ErrCompressionInvalid, c.Compression)
	}
	if !isValidCompressionLevel(c.Compression, c.CompressionLevel) {
		return fmt.Errorf("%w for compression %s: got %d", ErrCompressionLevelInvalid, c.Compression, c.CompressionLevel)
	}

	if c.ErrorMessageLimit < 1 {
		return fmt.Errorf("%w, got %d", ErrErrorMessageLimitInvalid, c.ErrorMessageLimit)
	}
	if c.DownloadURLTTL < time.Second || c.DownloadURLTTL > maxDownloadURLTTL {
		return fmt.Errorf("%w, got %s", ErrDownloadURLTTLInvalid, c.DownloadURLTTL)
	}

	return nil
}

// ValidateLookup checks what the job query commands need. S3 settings are
// only required when the command touches the bucket.
func (c *Config) ValidateLookup(needS3 bool) error {
	if err := c.validateJobStore(); err != nil {
		return err
	}
	if c.JobStore.Driver == jobStoreMemory {
		return ErrMemoryStoreNotQueryable
	}
	if c.JobStore.Driver == jobStorePostgres {
		if err := c.validateDatabase(); err != nil {
			return err
		}
	}
	if needS3 {
		if err := c.validateS3(); err != nil {
			return err
		}
		if c.DownloadURLTTL < time.Second || c.DownloadURLTTL > maxDownloadURLTTL {
			return fmt.Errorf("%w, got %s", ErrDownloadURLTTLInvalid, c.DownloadURLTTL)
		}
	}
	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.User == "" {
		return ErrDatabaseUserRequired
	}
	if c.Database.Name == "" {
		return ErrDatabaseNameRequired
	}
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("%w, got %d", ErrDatabasePortInvalid, c.Database.Port)
	}
	if c.Database.StatementTimeout < 0 {
		return fmt.Errorf("%w, got %d", ErrStatementTimeoutInvalid, c.Database.StatementTimeout)
	}
	return nil
}

func (c *Config) validateS3() error {
	if c.S3.Endpoint == "" {
		return ErrS3EndpointRequired
	}
	if c.S3.Bucket == "" {
		return ErrS3BucketRequired
	}
	if c.S3.AccessKey == "" {
		return ErrS3AccessKeyRequired
	}
	if c.S3.SecretKey == "" {
		return ErrS3SecretKeyRequired
	}
	if c.S3.Region != "" && c.S3.Region != regionAuto && !isValidRegion(c.S3.Region) {
		return fmt.Errorf("%w: %s", ErrS3RegionInvalid, c.S3.Region)
	}
	return nil
}

func (c *Config) validateJobStore() error {
	if !isValidJobStoreDriver(c.JobStore.Driver) {
		return fmt.Errorf("%w: '%s'", ErrJobStoreDriverInvalid, c.JobStore.Driver)
	}
	return nil
}

// jobStoreDialect maps the configured driver onto a SQL dialect
func (c *Config) jobStoreDialect() string {
	if c.JobStore.Driver == jobStorePostgres {
		return jobs.DialectPostgres
	}
	return jobs.DialectSQLite
}
