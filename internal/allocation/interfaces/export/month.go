package export

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	"energy-allocation/internal/allocation/application"
	allocation "energy-allocation/internal/allocation/domain"
	"energy-allocation/internal/observability/metrics"
)

// Formats supported by Build.
const (
	FormatPDF  = "pdf"
	FormatXLSX = "xlsx"
)

// ContentType returns the MIME type of a format.
func ContentType(format string) string {
	switch format {
	case FormatPDF:
		return "application/pdf"
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "application/octet-stream"
}

// Build renders the month view in the requested format.
func Build(format string, view application.MonthView) ([]byte, error) {
	start := time.Now()
	var (
		out []byte
		err error
	)
	switch format {
	case FormatPDF:
		out, err = BuildMonthPDF(view)
	case FormatXLSX:
		out, err = BuildMonthXLSX(view)
	default:
		return nil, allocation.NewValidationError("format", fmt.Sprintf("unsupported export format %q", format))
	}
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	}
	metrics.ObserveExport(format, result, time.Since(start))
	return out, err
}

var entryHeader = []string{"Kind", "Producer", "Consumer", "P1", "P2", "P3", "P4", "P5", "Total", "Version"}

func entryRow(e allocation.Entry) []any {
	row := []any{string(e.Kind), e.ProducerID, e.ConsumerID}
	for _, p := range allocation.Periods() {
		row = append(row, e.Buckets.Get(p))
	}
	return append(row, e.Buckets.Total(), e.Version)
}

// BuildMonthPDF renders a month settlement report.
func BuildMonthPDF(view application.MonthView) ([]byte, error) {
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Energy Allocation Report")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Month: %s", view.Month.Label()))
	pdf.Ln(5)
	s := view.Summary
	pdf.Cell(0, 6, fmt.Sprintf("Total: %d  Peak: %d  Non-peak: %d", s.Total, s.Peak, s.NonPeak))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Allocations: %d (%d)  Banking: %d (%d)  Lapses: %d (%d)",
		s.Regular.Count, s.Regular.Total, s.Banking.Count, s.Banking.Total, s.Lapse.Count, s.Lapse.Total))
	pdf.Ln(8)

	widths := []float64{28, 40, 40, 20, 20, 20, 20, 20, 24, 18}
	pdf.SetFont("Arial", "B", 9)
	for i, h := range entryHeader {
		pdf.CellFormat(widths[i], 6, h, "1", 0, "C", false, 0, "")
	}
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 9)
	for _, e := range view.Entries() {
		for i, v := range entryRow(e) {
			align := "R"
			if i < 3 {
				align = "L"
			}
			pdf.CellFormat(widths[i], 6, fmt.Sprint(v), "1", 0, align, false, 0, "")
		}
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildMonthXLSX renders a month settlement workbook with a summary sheet and
// one sheet of entries.
func BuildMonthXLSX(view application.MonthView) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	summarySheet := "summary"
	entriesSheet := "entries"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(entriesSheet); err != nil {
		return nil, err
	}

	s := view.Summary
	rows := [][]any{
		{"Energy Allocation Report"},
		{},
		{"Month", view.Month.Label()},
		{"Total", s.Total},
		{"Peak", s.Peak},
		{"Non-peak", s.NonPeak},
		{"Allocations", s.Regular.Count, s.Regular.Total},
		{"Banking", s.Banking.Count, s.Banking.Total},
		{"Lapses", s.Lapse.Count, s.Lapse.Total},
	}
	for i, row := range rows {
		if len(row) == 0 {
			continue
		}
		if err := f.SetSheetRow(summarySheet, fmt.Sprintf("A%d", i+1), &row); err != nil {
			return nil, err
		}
	}

	header := make([]any, len(entryHeader))
	for i, h := range entryHeader {
		header[i] = h
	}
	if err := f.SetSheetRow(entriesSheet, "A1", &header); err != nil {
		return nil, err
	}
	for i, e := range view.Entries() {
		row := entryRow(e)
		if err := f.SetSheetRow(entriesSheet, fmt.Sprintf("A%d", i+2), &row); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
