package export

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"
)

// ExcelExporter exports data to Excel format
type ExcelExporter struct {
	file    *excelize.File
	options ExcelOptions
}

// ExcelOptions configures Excel export behavior
type ExcelOptions struct {
	SheetName    string `json:"sheet_name"`
	FreezeHeader bool   `json:"freeze_header"`
	AutoFilter   bool   `json:"auto_filter"`
	AutoWidth    bool   `json:"auto_width"`
	// HighlightColumn names a boolean column whose false cells are filled red
	HighlightColumn string `json:"highlight_column,omitempty"`
}

// DefaultExcelOptions returns default Excel export options
func DefaultExcelOptions() ExcelOptions {
	return ExcelOptions{
		SheetName:    "Report",
		FreezeHeader: true,
		AutoFilter:   true,
		AutoWidth:    true,
	}
}

// NewExcelExporter creates a new Excel exporter
func NewExcelExporter(options ExcelOptions) *ExcelExporter {
	if options.SheetName == "" {
		options.SheetName = "Report"
	}
	file := excelize.NewFile()
	file.SetSheetName("Sheet1", options.SheetName)

	return &ExcelExporter{
		file:    file,
		options: options,
	}
}

// Write lays the table out on the sheet
func (e *ExcelExporter) Write(table Table) error {
	sheet := e.options.SheetName

	headerStyle, err := e.file.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 11, Color: "FFFFFF"},
		Fill:      excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"2E7D32"}},
		Alignment: &excelize.Alignment{Horizontal: "center"},
		Border:    border(),
	})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}
	dataStyle, err := e.file.NewStyle(&excelize.Style{Border: border()})
	if err != nil {
		return fmt.Errorf("failed to create data style: %w", err)
	}
	alertStyle, err := e.file.NewStyle(&excelize.Style{
		Font:   &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill:   excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"C62828"}},
		Border: border(),
	})
	if err != nil {
		return fmt.Errorf("failed to create alert style: %w", err)
	}
	timeStyle, err := e.file.NewStyle(&excelize.Style{NumFmt: 22, Border: border()})
	if err != nil {
		return fmt.Errorf("failed to create timestamp style: %w", err)
	}

	widths := make([]float64, len(table.Columns))
	highlight := -1
	for i, col := range table.Columns {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := e.file.SetCellValue(sheet, cell, col); err != nil {
			return fmt.Errorf("failed to write header: %w", err)
		}
		if err := e.file.SetCellStyle(sheet, cell, cell, headerStyle); err != nil {
			return fmt.Errorf("failed to style header: %w", err)
		}
		widths[i] = cellWidth(col)
		if col == e.options.HighlightColumn {
			highlight = i
		}
	}

	for r, row := range table.Rows {
		for c := range table.Columns {
			var val interface{}
			if c < len(row) {
				val = row[c]
			}
			cell, _ := excelize.CoordinatesToCellName(c+1, r+2)
			style := dataStyle
			switch v := val.(type) {
			case time.Time:
				if v.IsZero() {
					val = ""
				} else {
					val = v.UTC()
					style = timeStyle
				}
			case fmt.Stringer:
				val = v.String()
			case bool:
				if c == highlight && !v {
					style = alertStyle
				}
			}
			if err := e.file.SetCellValue(sheet, cell, val); err != nil {
				return fmt.Errorf("failed to set cell %s: %w", cell, err)
			}
			if err := e.file.SetCellStyle(sheet, cell, cell, style); err != nil {
				return fmt.Errorf("failed to style cell %s: %w", cell, err)
			}
			if w := cellWidth(val); w > widths[c] {
				widths[c] = w
			}
		}
	}

	if e.options.FreezeHeader {
		if err := e.file.SetPanes(sheet, &excelize.Panes{
			Freeze:      true,
			YSplit:      1,
			TopLeftCell: "A2",
			ActivePane:  "bottomLeft",
		}); err != nil {
			return fmt.Errorf("failed to freeze header: %w", err)
		}
	}

	if e.options.AutoFilter && len(table.Columns) > 0 {
		lastCol, _ := excelize.CoordinatesToCellName(len(table.Columns), 1)
		if err := e.file.AutoFilter(sheet, "A1:"+lastCol, nil); err != nil {
			return fmt.Errorf("failed to set auto filter: %w", err)
		}
	}

	if e.options.AutoWidth {
		for i, width := range widths {
			col, _ := excelize.ColumnNumberToName(i + 1)
			// Min width 10, max width 50
			width = min(max(width, 10), 50)
			if err := e.file.SetColWidth(sheet, col, col, width); err != nil {
				return fmt.Errorf("failed to size column %s: %w", col, err)
			}
		}
	}
	return nil
}

// WriteTo writes the workbook to w
func (e *ExcelExporter) WriteTo(w io.Writer) (int64, error) {
	return e.file.WriteTo(w)
}

// Close closes the Excel file
func (e *ExcelExporter) Close() error {
	return e.file.Close()
}

func border() []excelize.Border {
	return []excelize.Border{
		{Type: "left", Color: "000000", Style: 1},
		{Type: "right", Color: "000000", Style: 1},
		{Type: "top", Color: "000000", Style: 1},
		{Type: "bottom", Color: "000000", Style: 1},
	}
}

// cellWidth estimates the display width of a cell value
func cellWidth(val interface{}) float64 {
	if val == nil {
		return 0
	}
	return float64(len(fmt.Sprintf("%v", val))) * 1.2
}
