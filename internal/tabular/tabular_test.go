package tabular

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"testing"

	"github.com/BerylCAtieno/upload-insights-api/internal/models"
	"github.com/BerylCAtieno/upload-insights-api/internal/utils"

	"github.com/xuri/excelize/v2"
)

const salesCSV = "CustomerID,Quantity,UnitPrice,InvoiceNo\n1,10,2.5,INV1\n2,5,3.0,INV2\n"

func assertStats(t *testing.T, got, want models.Stats) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d metrics, got %v", len(want), got)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %v, want %v", k, got[k], v)
		}
	}
}

func TestComputeSalesTable(t *testing.T) {
	stats, err := Compute(context.Background(), strings.NewReader(salesCSV))
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	assertStats(t, stats, models.Stats{
		"num_customers":  2,
		"total_quantity": 15,
		"total_revenue":  40.0,
		"num_invoices":   2,
	})
}

func TestComputeIsDeterministicAcrossChunkSizes(t *testing.T) {
	var b strings.Builder
	b.WriteString("CustomerID,Quantity,UnitPrice,InvoiceNo\n")
	for i := 0; i < 1000; i++ {
		b.WriteString(strings.Join([]string{
			strconv.Itoa(i % 37), strconv.Itoa(i % 11), "0.1", "INV" + strconv.Itoa(i%113),
		}, ","))
		b.WriteString("\n")
	}
	input := b.String()

	first, err := NewComputer(7).Compute(context.Background(), strings.NewReader(input))
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	second, err := NewComputer(1000).Compute(context.Background(), strings.NewReader(input))
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	assertStats(t, second, first)

	if first["num_customers"] != 37 || first["num_invoices"] != 113 {
		t.Errorf("unexpected distinct counts %v", first)
	}
}

func TestComputeSkipsMalformedRows(t *testing.T) {
	input := "CustomerID,Quantity,UnitPrice,InvoiceNo\n" +
		"1,10,2.5,INV1\n" +
		"9,9,9,INV9,extra,fields\n" +
		"2,5\n" +
		"3,abc,1.0,INV3\n"

	stats, err := Compute(context.Background(), strings.NewReader(input))
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	assertStats(t, stats, models.Stats{
		"num_customers":  3,
		"total_quantity": 15,
		"total_revenue":  25,
		"num_invoices":   2,
	})
}

func TestComputeOmitsMetricsWithMissingColumns(t *testing.T) {
	input := "CustomerID,Quantity\n1,4\n1,6\n"

	stats, err := Compute(context.Background(), strings.NewReader(input))
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	assertStats(t, stats, models.Stats{"num_customers": 1, "total_quantity": 10})
}

func TestComputeOmitsNonNumericColumn(t *testing.T) {
	input := "Quantity,InvoiceNo\nmany,A\nfew,B\n"

	stats, err := Compute(context.Background(), strings.NewReader(input))
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if _, ok := stats["total_quantity"]; ok {
		t.Errorf("total_quantity should be omitted for a non-numeric column, got %v", stats)
	}
	if stats["num_invoices"] != 2 {
		t.Errorf("expected 2 invoices, got %v", stats)
	}
}

func TestComputeNormalisesCustomerIDs(t *testing.T) {
	input := "CustomerID\n1\n1.0\n 1 \n2\n"

	stats, err := Compute(context.Background(), strings.NewReader(input))
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if stats["num_customers"] != 2 {
		t.Errorf("expected 2 distinct customers, got %v", stats["num_customers"])
	}
}

func TestComputeEmptyInput(t *testing.T) {
	_, err := Compute(context.Background(), strings.NewReader(""))
	if !errors.Is(err, ErrMalformedTable) {
		t.Fatalf("expected ErrMalformedTable, got %v", err)
	}
	if utils.KindOf(err) != utils.KindInternalProcessing {
		t.Errorf("expected internal processing error, got %s", utils.KindOf(err))
	}
}

type failingReader struct{}

func (failingReader) Read(p []byte) (int, error) { return 0, errors.New("disk on fire") }

func TestComputeReadFailure(t *testing.T) {
	_, err := Compute(context.Background(), io.MultiReader(strings.NewReader("CustomerID\n1\n"), failingReader{}))
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrMalformedTable) {
		t.Errorf("I/O failure should not be reported as a malformed table")
	}
	if utils.KindOf(err) != utils.KindInternalProcessing {
		t.Errorf("expected internal processing error, got %s", utils.KindOf(err))
	}
}

func TestNewUTF8Reader(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  string
	}{
		{"utf8 bom", append([]byte{0xEF, 0xBB, 0xBF}, "Name\nJosé\n"...), "Name\nJosé\n"},
		{"latin1", []byte("Name\nJos\xe9\n"), "Name\nJosé\n"},
		{"utf16le bom", []byte{0xFF, 0xFE, 'A', 0, '\n', 0}, "A\n"},
		{"plain", []byte("a,b\n"), "a,b\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := io.ReadAll(NewUTF8Reader(bytes.NewReader(tt.input)))
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatFromFilename(t *testing.T) {
	tests := []struct {
		name    string
		want    Format
		wantErr bool
	}{
		{"sales.csv", FormatCSV, false},
		{"Sales.XLSX", FormatXLSX, false},
		{"notes.txt", "", true},
		{"archive", "", true},
	}
	for _, tt := range tests {
		got, err := FormatFromFilename(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("FormatFromFilename(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			continue
		}
		if tt.wantErr && !utils.IsInvalidInput(err) {
			t.Errorf("FormatFromFilename(%q) should be an invalid input error", tt.name)
		}
		if got != tt.want {
			t.Errorf("FormatFromFilename(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func buildWorkbook(t *testing.T, rows [][]interface{}) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			t.Fatalf("cell name: %v", err)
		}
		r := row
		if err := f.SetSheetRow("Sheet1", cell, &r); err != nil {
			t.Fatalf("SetSheetRow: %v", err)
		}
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatalf("WriteToBuffer: %v", err)
	}
	return buf.Bytes()
}

func TestConvertXLSXThenCompute(t *testing.T) {
	data := buildWorkbook(t, [][]interface{}{
		{"CustomerID", "Quantity", "UnitPrice", "InvoiceNo"},
		{1, 10, 2.5, "INV1"},
		{2, 5, 3.0, "INV2"},
	})

	rc, err := ConvertXLSX(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("ConvertXLSX: %v", err)
	}
	defer rc.Close()

	stats, err := Compute(context.Background(), rc)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	assertStats(t, stats, models.Stats{
		"num_customers":  2,
		"total_quantity": 15,
		"total_revenue":  40.0,
		"num_invoices":   2,
	})
}

func TestConvertXLSXPadsShortRows(t *testing.T) {
	data := buildWorkbook(t, [][]interface{}{
		{"CustomerID", "Quantity", "UnitPrice"},
		{1, 4},
	})

	rc, err := ConvertXLSX(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("ConvertXLSX: %v", err)
	}
	defer rc.Close()

	out, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(out) != "CustomerID,Quantity,UnitPrice\n1,4,\n" {
		t.Errorf("unexpected CSV %q", out)
	}
}

func TestConvertXLSXRejectsGarbage(t *testing.T) {
	_, err := ConvertXLSX(strings.NewReader("definitely not a workbook"))
	if !utils.IsInvalidInput(err) {
		t.Fatalf("expected invalid input error, got %v", err)
	}
}
