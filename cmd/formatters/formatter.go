package formatters

import "github.com/airframesio/table-exporter/cmd/rowsource"

// RecordEncoder converts rows into delimited text lines, without line terminators
type RecordEncoder interface {
	// Header returns the column header line
	Header() string

	// Encode converts one row into one line
	Encode(row rowsource.Row) string

	// Extension returns the file extension for this format (e.g., ".csv")
	Extension() string

	// MIMEType returns the MIME type for this format
	MIMEType() string
}
