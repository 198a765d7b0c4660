package tabular

import (
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/BerylCAtieno/upload-insights-api/internal/utils"

	"github.com/xuri/excelize/v2"
)

type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// FormatFromFilename picks the table format from the file extension.
func FormatFromFilename(name string) (Format, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv":
		return FormatCSV, nil
	case ".xlsx":
		return FormatXLSX, nil
	}
	return "", utils.InvalidInput(fmt.Sprintf("unsupported table format: %s", name), nil)
}

// ConvertXLSX re-encodes the first sheet of a workbook as CSV. The workbook is
// opened up front, rows are streamed to the returned reader as they are read.
func ConvertXLSX(r io.Reader) (io.ReadCloser, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, utils.InvalidInput("failed to open workbook", err)
	}

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		f.Close()
		return nil, utils.InvalidInput("workbook has no sheets", nil)
	}

	rows, err := f.Rows(sheets[0])
	if err != nil {
		f.Close()
		return nil, utils.InvalidInput("failed to read sheet", err)
	}

	pr, pw := io.Pipe()
	go func() {
		defer f.Close()
		defer rows.Close()
		pw.CloseWithError(writeRows(rows, pw))
	}()
	return pr, nil
}

func writeRows(rows *excelize.Rows, w io.Writer) error {
	cw := csv.NewWriter(w)
	width := -1
	for rows.Next() {
		cols, err := rows.Columns(excelize.Options{RawCellValue: true})
		if err != nil {
			return fmt.Errorf("read row: %w", err)
		}
		if width < 0 {
			if len(cols) == 0 {
				continue
			}
			width = len(cols)
		}
		// Trailing empty cells are not reported by excelize.
		for len(cols) < width {
			cols = append(cols, "")
		}
		if err := cw.Write(cols); err != nil {
			return err
		}
	}
	if err := rows.Error(); err != nil {
		return fmt.Errorf("iterate rows: %w", err)
	}
	cw.Flush()
	return cw.Error()
}
