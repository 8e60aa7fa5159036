// Package ingest converts source files into document text ready for
// extraction. Plain text and markdown pass through; spreadsheets are
// flattened into pipe-delimited rows so the extraction prompts can read
// tabular pricing data.
package ingest

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// Input is a converted source file ready to become a Document.
type Input struct {
	Title    string
	MimeType string
	Content  string
}

// mimeByExtension maps supported file extensions to mime types.
var mimeByExtension = map[string]string{
	".txt":  "text/plain",
	".md":   "text/markdown",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
}

// FromFile reads and converts a source file. The title defaults to the file
// name without its extension.
func FromFile(path string) (*Input, error) {
	ext := strings.ToLower(filepath.Ext(path))
	mimeType, ok := mimeByExtension[ext]
	if !ok {
		return nil, eris.Errorf("ingest: unsupported file type %q (supported: .txt, .md, .xlsx)", ext)
	}

	var content string
	var err error
	if ext == ".xlsx" {
		content, err = xlsxToText(path)
	} else {
		content, err = readText(path)
	}
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(content) == "" {
		return nil, eris.Errorf("ingest: %s has no extractable text", path)
	}

	title := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return &Input{Title: title, MimeType: mimeType, Content: content}, nil
}

func readText(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", eris.Wrap(err, "ingest: read file")
	}
	return string(data), nil
}

// xlsxToText flattens every sheet into a markdown-ish text block: a heading
// per sheet, one pipe-delimited line per row. Empty rows are dropped.
func xlsxToText(path string) (string, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return "", eris.Wrap(err, "ingest: open xlsx")
	}

	var sb strings.Builder
	for _, sheet := range f.Sheets {
		var lines []string
		for _, row := range sheet.Rows {
			cells := rowToStrings(row)
			if allEmpty(cells) {
				continue
			}
			lines = append(lines, strings.Join(cells, " | "))
		}
		if len(lines) == 0 {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString("## " + sheet.Name + "\n\n")
		sb.WriteString(strings.Join(lines, "\n"))
	}
	return sb.String(), nil
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = strings.TrimSpace(cell.String())
	}
	return cells
}

func allEmpty(cells []string) bool {
	for _, c := range cells {
		if c != "" {
			return false
		}
	}
	return true
}
