package tabular

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"

	"github.com/BerylCAtieno/upload-insights-api/internal/models"
	"github.com/BerylCAtieno/upload-insights-api/internal/utils"
)

// ErrMalformedTable means the input has no usable header row. Retrying the
// same bytes cannot succeed.
var ErrMalformedTable = errors.New("malformed table")

const DefaultChunkRows = 50000

// Computer evaluates Metrics over a CSV stream, holding at most ChunkRows
// rows in memory at a time.
type Computer struct {
	ChunkRows int
	Metrics   []Metric
}

func NewComputer(chunkRows int) *Computer {
	if chunkRows <= 0 {
		chunkRows = DefaultChunkRows
	}
	return &Computer{ChunkRows: chunkRows, Metrics: Metrics}
}

// Compute runs the default metric set with the default chunk size.
func Compute(ctx context.Context, r io.Reader) (models.Stats, error) {
	return NewComputer(DefaultChunkRows).Compute(ctx, r)
}

// Compute parses r as CSV with a header row. Rows that fail to parse or carry
// more fields than the header are skipped, short rows are padded. A metric
// whose columns are missing or whose values are unusable is left out of the
// result.
func (c *Computer) Compute(ctx context.Context, r io.Reader) (models.Stats, error) {
	reader := csv.NewReader(NewUTF8Reader(r))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	names, err := readHeader(reader)
	if err != nil {
		return nil, err
	}
	header := NewHeader(names)
	if len(header) == 0 {
		return nil, utils.Internal("failed to process table", fmt.Errorf("%w: header has no column names", ErrMalformedTable))
	}

	type active struct {
		name string
		acc  Accumulator
	}
	var accs []active
	for _, m := range c.Metrics {
		acc, err := m.New(header)
		if err != nil {
			continue
		}
		accs = append(accs, active{name: m.Name, acc: acc})
	}

	width := len(names)
	chunk := make([][]string, 0, c.ChunkRows)
	flush := func() {
		for _, row := range chunk {
			for _, a := range accs {
				a.acc.Add(row)
			}
		}
		chunk = chunk[:0]
	}

	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				continue
			}
			return nil, utils.Internal("failed to read table", err)
		}
		if len(row) > width {
			continue
		}
		for len(row) < width {
			row = append(row, "")
		}

		chunk = append(chunk, row)
		if len(chunk) == c.ChunkRows {
			flush()
			if err := ctx.Err(); err != nil {
				return nil, utils.Internal("table processing cancelled", err)
			}
		}
	}
	flush()

	stats := make(models.Stats, len(accs))
	for _, a := range accs {
		if v, ok := a.acc.Value(); ok {
			stats[a.name] = v
		}
	}
	return stats, nil
}

func readHeader(reader *csv.Reader) ([]string, error) {
	names, err := reader.Read()
	if err == io.EOF {
		return nil, utils.Internal("failed to process table", fmt.Errorf("%w: empty input", ErrMalformedTable))
	}
	if err != nil {
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			return nil, utils.Internal("failed to process table", fmt.Errorf("%w: %v", ErrMalformedTable, err))
		}
		return nil, utils.Internal("failed to read table", err)
	}
	return names, nil
}
