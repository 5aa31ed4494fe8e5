package statementfile

import (
	"bytes"
	"fmt"

	"github.com/xuri/excelize/v2"
)

// readXLSXRows returns the header and data rows of the first worksheet.
// Cells are read raw so that date cells come back as serial numbers.
func readXLSXRows(data []byte) (*Header, []*Row, error) {
	if len(data) == 0 {
		return nil, nil, ErrEmptyFile
	}

	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil, ErrEmptyFile
	}

	records, err := f.GetRows(sheets[0], excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read sheet %q: %w", sheets[0], err)
	}

	// Leading blank rows are common above the heading block
	start := 0
	for start < len(records) && isBlankRecord(records[start]) {
		start++
	}
	if start == len(records) {
		return nil, nil, ErrMissingHeader
	}

	header, err := NewHeader(records[start])
	if err != nil {
		return nil, nil, err
	}

	var rows []*Row
	for i := start + 1; i < len(records); i++ {
		row := header.Row(i+1, records[i])
		if row.IsEmpty() {
			continue
		}
		rows = append(rows, row)
	}
	return header, rows, nil
}

func isBlankRecord(record []string) bool {
	for _, v := range record {
		if v != "" {
			return false
		}
	}
	return true
}
