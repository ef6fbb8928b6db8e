package formatters

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/airframesio/table-exporter/cmd/rowsource"
)

// ErrHeaderMismatch is returned when an artifact does not start with the expected header
var ErrHeaderMismatch = errors.New("CSV header does not match exported columns")

// CSVReader reads back an exported CSV artifact
type CSVReader struct {
	reader     *csv.Reader
	headerRead bool
}

// NewCSVReader creates a new CSV reader
func NewCSVReader(r io.Reader) *CSVReader {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = len(rowsource.Columns)
	reader.ReuseRecord = true

	return &CSVReader{reader: reader}
}

// readHeader reads and checks the header row if not already read
func (r *CSVReader) readHeader() error {
	if r.headerRead {
		return nil
	}

	header, err := r.reader.Read()
	if err != nil {
		return fmt.Errorf("failed to read CSV header: %w", err)
	}
	if !slices.Equal(header, rowsource.Columns) {
		return fmt.Errorf("%w: got %v", ErrHeaderMismatch, header)
	}

	r.headerRead = true
	return nil
}

// Next returns the next data record, or io.EOF at the end of the artifact
func (r *CSVReader) Next() ([]string, error) {
	if err := r.readHeader(); err != nil {
		return nil, err
	}
	return r.reader.Read()
}

// CountRecords checks the header and returns the number of data records
func (r *CSVReader) CountRecords() (int64, error) {
	if err := r.readHeader(); err != nil {
		return 0, err
	}

	var count int64
	for {
		_, err := r.reader.Read()
		if errors.Is(err, io.EOF) {
			return count, nil
		}
		if err != nil {
			return count, fmt.Errorf("failed to read CSV record %d: %w", count+1, err)
		}
		count++
	}
}
