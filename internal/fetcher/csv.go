package fetcher

import (
	"encoding/csv"
	"errors"
	"io"
	"strings"

	"github.com/rotisserie/eris"
)

// CSVOptions configures the streaming CSV reader.
type CSVOptions struct {
	Delimiter  rune // default ';'
	Comment    rune // comment character (0 = none)
	LazyQuotes bool
	TrimSpace  bool
}

// CSVReader pulls rows from a delimited file one at a time. The first row is
// read eagerly as the header.
type CSVReader struct {
	reader    *csv.Reader
	opts      CSVOptions
	header    []string
	row       []string
	rowErr    error
	err       error
}

// NewCSVReader reads the header row of r and returns a reader positioned on
// the first data row.
func NewCSVReader(r io.Reader, opts CSVOptions) (*CSVReader, error) {
	reader := csv.NewReader(r)
	reader.Comma = ';'
	if opts.Delimiter != 0 {
		reader.Comma = opts.Delimiter
	}
	if opts.Comment != 0 {
		reader.Comment = opts.Comment
	}
	reader.LazyQuotes = opts.LazyQuotes
	reader.FieldsPerRecord = -1 // allow variable fields
	reader.ReuseRecord = false

	header, err := reader.Read()
	if err != nil {
		return nil, eris.Wrap(err, "csv: read header")
	}
	if len(header) > 0 {
		// Strip a UTF-8 byte order mark left by spreadsheet exports.
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	c := &CSVReader{reader: reader, opts: opts}
	c.header = c.trim(header)
	return c, nil
}

// Header returns the header row.
func (c *CSVReader) Header() []string { return c.header }

// Next advances to the next row. Malformed rows still count as a row: Row
// returns the parse error so the caller can record it against the position.
func (c *CSVReader) Next() bool {
	if c.err != nil {
		return false
	}
	record, err := c.reader.Read()
	if err == io.EOF {
		return false
	}
	var parseErr *csv.ParseError
	if errors.As(err, &parseErr) {
		c.row, c.rowErr = nil, eris.Wrap(err, "csv: malformed row")
		return true
	}
	if err != nil {
		c.err = eris.Wrap(err, "csv: read row")
		return false
	}
	c.row, c.rowErr = c.trim(record), nil
	return true
}

// Row returns the current row, or the parse error of a malformed row.
func (c *CSVReader) Row() ([]string, error) { return c.row, c.rowErr }

// Err returns the first I/O error.
func (c *CSVReader) Err() error { return c.err }

func (c *CSVReader) trim(record []string) []string {
	if !c.opts.TrimSpace {
		return record
	}
	for i, field := range record {
		record[i] = strings.TrimSpace(field)
	}
	return record
}
