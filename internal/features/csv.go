package features

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"koi-classifier/internal/common"

	"github.com/rs/zerolog/log"
)

// CSVRow is one data row of a batch file. Err is set when the row could not
// be turned into a record; Record is then the zero value.
type CSVRow struct {
	Index  int // zero-based data row
	Record FeatureRecord
	Err    error
}

// Batch is a parsed CSV feed.
type Batch struct {
	Header []string
	Rows   []CSVRow
}

// Records returns the rows that parsed, with their indexes.
func (b *Batch) Records() ([]FeatureRecord, []int) {
	recs := make([]FeatureRecord, 0, len(b.Rows))
	idx := make([]int, 0, len(b.Rows))
	for _, row := range b.Rows {
		if row.Err != nil {
			continue
		}
		recs = append(recs, row.Record)
		idx = append(idx, row.Index)
	}
	return recs, idx
}

// ErrTooManyRows is returned when a feed exceeds the configured row limit.
var ErrTooManyRows = errors.New("batch exceeds row limit")

// LoadCSV reads a header plus data rows. A header lacking any required
// column fails the whole batch with a *common.ValidationError (Row -1)
// before a single row is read. Row-level problems are kept on the row.
// maxRows <= 0 disables the limit.
func LoadCSV(r io.Reader, maxRows int) (*Batch, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, &common.ValidationError{Row: -1, Missing: append([]string(nil), RawColumns...)}
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}

	pos := make(map[string]int, len(header))
	for i, name := range header {
		if _, dup := pos[name]; !dup {
			pos[name] = i
		}
	}
	var missing []string
	for _, col := range RawColumns {
		if _, ok := pos[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, &common.ValidationError{Row: -1, Missing: missing}
	}

	batch := &Batch{Header: header}
	for {
		cells, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row %d: %w", len(batch.Rows), err)
		}
		if isBlank(cells) {
			continue
		}
		if maxRows > 0 && len(batch.Rows) >= maxRows {
			return nil, fmt.Errorf("%w: more than %d rows", ErrTooManyRows, maxRows)
		}

		idx := len(batch.Rows)
		values := make(map[string]string, len(RawColumns))
		for _, col := range RawColumns {
			if p := pos[col]; p < len(cells) {
				values[col] = cells[p]
			}
		}
		rec, err := RecordFromStrings(values)
		if err != nil {
			var ve *common.ValidationError
			if errors.As(err, &ve) {
				ve.Row = idx
			}
			batch.Rows = append(batch.Rows, CSVRow{Index: idx, Err: err})
			continue
		}
		batch.Rows = append(batch.Rows, CSVRow{Index: idx, Record: rec})
	}

	log.Debug().Int("rows", len(batch.Rows)).Int("columns", len(header)).Msg("csv batch loaded")
	return batch, nil
}

func isBlank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
