package http

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	"equisync/internal/anomaly"
	"equisync/internal/measurements/application"
)

// BuildSeriesPDF renders a reconciled series report.
func BuildSeriesPDF(snapshot application.Snapshot) ([]byte, error) {
	flags := flagsByTime(snapshot.Result.Annotations)

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Measurement Report")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Horse: %s", snapshot.Key.HorseID))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Metric: %s", snapshot.Key.Metric))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Computed: %s", snapshot.ComputedAt.Format(time.RFC3339)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Pending local readings: %d", snapshot.Pending))
	pdf.Ln(5)
	if snapshot.Offline {
		pdf.Cell(0, 6, "Server unreachable: local readings only")
		pdf.Ln(5)
	}
	if len(snapshot.Result.Skipped) > 0 {
		pdf.Cell(0, 6, fmt.Sprintf("Skipped buckets: %d", len(snapshot.Result.Skipped)))
		pdf.Ln(5)
	}
	pdf.Ln(4)

	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(55, 6, "Timestamp", "1", 0, "C", false, 0, "")
	pdf.CellFormat(35, 6, "Value", "1", 0, "C", false, 0, "")
	pdf.CellFormat(30, 6, "Confidence", "1", 0, "C", false, 0, "")
	pdf.CellFormat(40, 6, "Flags", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 10)
	for _, m := range snapshot.Result.Merged {
		pdf.CellFormat(55, 6, m.Timestamp.UTC().Format(time.RFC3339), "1", 0, "C", false, 0, "")
		pdf.CellFormat(35, 6, fmt.Sprintf("%.3f", m.Value), "1", 0, "R", false, 0, "")
		pdf.CellFormat(30, 6, fmt.Sprintf("%.2f", m.Confidence), "1", 0, "R", false, 0, "")
		pdf.CellFormat(40, 6, flags[m.Timestamp.UTC()], "1", 0, "C", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildSeriesXLSX renders a reconciled series workbook with a summary sheet
// and one row per merged measurement.
func BuildSeriesXLSX(snapshot application.Snapshot) ([]byte, error) {
	flags := flagsByTime(snapshot.Result.Annotations)

	f := excelize.NewFile()
	defer f.Close()
	summarySheet := "summary"
	seriesSheet := "series"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(seriesSheet); err != nil {
		return nil, err
	}

	_ = f.SetCellValue(summarySheet, "A1", "Measurement Report")
	_ = f.SetCellValue(summarySheet, "A3", "Horse")
	_ = f.SetCellValue(summarySheet, "B3", snapshot.Key.HorseID)
	_ = f.SetCellValue(summarySheet, "A4", "Metric")
	_ = f.SetCellValue(summarySheet, "B4", snapshot.Key.Metric)
	_ = f.SetCellValue(summarySheet, "A5", "Computed")
	_ = f.SetCellValue(summarySheet, "B5", snapshot.ComputedAt.Format(time.RFC3339))
	_ = f.SetCellValue(summarySheet, "A6", "Offline")
	_ = f.SetCellValue(summarySheet, "B6", snapshot.Offline)
	_ = f.SetCellValue(summarySheet, "A7", "Pending")
	_ = f.SetCellValue(summarySheet, "B7", snapshot.Pending)
	_ = f.SetCellValue(summarySheet, "A8", "Skipped buckets")
	_ = f.SetCellValue(summarySheet, "B8", len(snapshot.Result.Skipped))

	_ = f.SetCellValue(seriesSheet, "A1", "Timestamp")
	_ = f.SetCellValue(seriesSheet, "B1", "Value")
	_ = f.SetCellValue(seriesSheet, "C1", "Confidence")
	_ = f.SetCellValue(seriesSheet, "D1", "Flags")
	for i, m := range snapshot.Result.Merged {
		row := i + 2
		_ = f.SetCellValue(seriesSheet, fmt.Sprintf("A%d", row), m.Timestamp.UTC().Format(time.RFC3339))
		_ = f.SetCellValue(seriesSheet, fmt.Sprintf("B%d", row), m.Value)
		_ = f.SetCellValue(seriesSheet, fmt.Sprintf("C%d", row), m.Confidence)
		_ = f.SetCellValue(seriesSheet, fmt.Sprintf("D%d", row), flags[m.Timestamp.UTC()])
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func flagsByTime(annotations []anomaly.Annotation) map[time.Time]string {
	flags := make(map[time.Time]string)
	for _, a := range annotations {
		ts := a.Timestamp.UTC()
		label := flags[ts]
		if a.IsAnomaly && !strings.Contains(label, "outlier") {
			label = join(label, "outlier")
		}
		if a.IsAbnormalGrowth && !strings.Contains(label, "growth") {
			label = join(label, "growth")
		}
		if label != "" {
			flags[ts] = label
		}
	}
	return flags
}

func join(label, flag string) string {
	if label == "" {
		return flag
	}
	return label + "," + flag
}
