package formatters

import (
	"database/sql"
	"strings"

	"github.com/airframesio/table-exporter/cmd/rowsource"
)

// CSVEncoder renders rows as comma-separated lines where every field is
// double-quoted. Embedded quotes are doubled; nothing else is escaped, so a
// newline inside a value is written as is.
type CSVEncoder struct{}

// NewCSVEncoder creates a new CSV encoder
func NewCSVEncoder() *CSVEncoder {
	return &CSVEncoder{}
}

// Header returns the quoted column names
func (e *CSVEncoder) Header() string {
	return joinQuoted(rowsource.Columns)
}

// Encode converts a row to a CSV line; NULL renders as an empty field
func (e *CSVEncoder) Encode(row rowsource.Row) string {
	return joinQuoted([]string{
		textOf(row.ID),
		textOf(row.Email),
		textOf(row.Name),
		textOf(row.CreatedAt),
	})
}

// Extension returns the file extension for CSV files
func (e *CSVEncoder) Extension() string {
	return ".csv"
}

// MIMEType returns the MIME type for CSV
func (e *CSVEncoder) MIMEType() string {
	return "text/csv"
}

func textOf(v sql.NullString) string {
	if !v.Valid {
		return ""
	}
	return v.String
}

func joinQuoted(fields []string) string {
	var sb strings.Builder
	for i, f := range fields {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteByte('"')
		sb.WriteString(strings.ReplaceAll(f, `"`, `""`))
		sb.WriteByte('"')
	}
	return sb.String()
}
