package ingest

import (
	"io"

	"github.com/sells-group/annuaire-sync/internal/annuaire"
	"github.com/sells-group/annuaire-sync/internal/fetcher"
)

// Decoder yields source entries one position at a time. Record converts the
// current entry lazily so resumed positions are never transformed.
type Decoder interface {
	Next() bool
	Record() (annuaire.Record, error)
	// Dropped counts entries discarded before they got a position.
	Dropped() int
	Err() error
}

// JSONDecoder reads the objects of the source array.
type JSONDecoder struct {
	parser *fetcher.ObjectParser
	cur    annuaire.Raw
}

// NewJSONDecoder decodes the array r is positioned on (see fetcher.LocateArray).
func NewJSONDecoder(r io.Reader, chunkSize int) *JSONDecoder {
	return &JSONDecoder{parser: fetcher.NewObjectParser(r, chunkSize)}
}

func (d *JSONDecoder) Next() bool {
	obj, ok := d.parser.Next()
	d.cur = obj
	return ok
}

func (d *JSONDecoder) Record() (annuaire.Record, error) {
	return annuaire.Transform(d.cur)
}

func (d *JSONDecoder) Dropped() int { return d.parser.Dropped() }

func (d *JSONDecoder) Err() error { return d.parser.Err() }

// CSVDecoder reads the flat CSV export. A malformed row keeps its position and
// surfaces as a Record error.
type CSVDecoder struct {
	reader *fetcher.CSVReader
	colIdx map[string]int
}

// NewCSVDecoder reads the header row of r.
func NewCSVDecoder(r io.Reader) (*CSVDecoder, error) {
	reader, err := fetcher.NewCSVReader(r, fetcher.CSVOptions{TrimSpace: true})
	if err != nil {
		return nil, err
	}
	return &CSVDecoder{reader: reader, colIdx: annuaire.ColumnIndex(reader.Header())}, nil
}

func (d *CSVDecoder) Next() bool { return d.reader.Next() }

func (d *CSVDecoder) Record() (annuaire.Record, error) {
	row, err := d.reader.Row()
	if err != nil {
		return annuaire.Record{}, err
	}
	return annuaire.FromCSV(d.colIdx, row)
}

func (d *CSVDecoder) Dropped() int { return 0 }

func (d *CSVDecoder) Err() error { return d.reader.Err() }

var (
	_ Decoder = (*JSONDecoder)(nil)
	_ Decoder = (*CSVDecoder)(nil)
)
