// Package export converts workbooks to and from xlsx files.
package export

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/ryanbastic/go-sheetsync/internal/cell"
	"github.com/ryanbastic/go-sheetsync/internal/engine"
)

const maxSheetName = 31

// ContentType is the media type of an xlsx document.
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Write encodes snap as an xlsx document, one sheet per tab in tab order.
// Cells hold computed values; formula text is not exported.
func Write(w io.Writer, snap engine.Snapshot) error {
	f := excelize.NewFile()
	defer f.Close()

	names := sheetNames(snap)
	byTab := make(map[int64]string, len(names))
	for i, t := range snap.Tabs {
		name := names[i]
		byTab[t.ID] = name
		if i == 0 {
			if err := f.SetSheetName(f.GetSheetName(0), name); err != nil {
				return fmt.Errorf("name sheet %q: %w", name, err)
			}
			continue
		}
		if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("create sheet %q: %w", name, err)
		}
	}

	for _, e := range snap.Cells {
		sheet, ok := byTab[e.TabID]
		if !ok || e.Value.IsEmpty() {
			continue
		}
		addr, err := excelize.CoordinatesToCellName(e.Col+1, e.Row+1)
		if err != nil {
			return fmt.Errorf("cell %s: %w", e.Key, err)
		}
		var v any = e.Value.Str()
		if e.Value.IsNumber() {
			v = e.Value.Num()
		}
		if err := f.SetCellValue(sheet, addr, v); err != nil {
			return fmt.Errorf("set %s!%s: %w", sheet, addr, err)
		}
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	return nil
}

// sheetNames maps tab names onto names Excel accepts: forbidden characters
// become '_', names are cut to 31 runes and duplicates get a numeric suffix.
func sheetNames(snap engine.Snapshot) []string {
	used := make(map[string]bool, len(snap.Tabs))
	out := make([]string, len(snap.Tabs))
	for i, t := range snap.Tabs {
		base := strings.Map(func(r rune) rune {
			if strings.ContainsRune(`[]:*?/\`, r) {
				return '_'
			}
			return r
		}, strings.TrimSpace(t.Name))
		if base == "" {
			base = "Sheet" + strconv.Itoa(i+1)
		}
		base = truncate(base, maxSheetName)

		name := base
		for n := 2; used[strings.ToLower(name)]; n++ {
			suffix := " (" + strconv.Itoa(n) + ")"
			name = truncate(base, maxSheetName-len(suffix)) + suffix
		}
		used[strings.ToLower(name)] = true
		out[i] = name
	}
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// Sheet is one worksheet read from an xlsx file.
type Sheet struct {
	Name  string
	Cells []cell.Stored
}

// Read decodes every worksheet of an xlsx document into raw cell inputs.
// Formula cells come back as "=" plus the formula text; numeric text is
// read as a number. The returned cells carry TabID 0.
func Read(r io.Reader) ([]Sheet, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open xlsx: %w", err)
	}
	defer f.Close()

	var sheets []Sheet
	for _, name := range f.GetSheetList() {
		rows, err := f.GetRows(name)
		if err != nil {
			return nil, fmt.Errorf("read sheet %q: %w", name, err)
		}
		sheet := Sheet{Name: name}
		for rowIdx, row := range rows {
			for colIdx, text := range row {
				addr, err := excelize.CoordinatesToCellName(colIdx+1, rowIdx+1)
				if err != nil {
					return nil, err
				}
				formula, err := f.GetCellFormula(name, addr)
				if err != nil {
					return nil, fmt.Errorf("read formula %s!%s: %w", name, addr, err)
				}
				input := parseText(text)
				if formula != "" {
					input = cell.Text("=" + formula)
				}
				if input.IsEmpty() {
					continue
				}
				sheet.Cells = append(sheet.Cells, cell.Stored{Row: rowIdx, Col: colIdx, Input: input})
			}
		}
		sheets = append(sheets, sheet)
	}
	return sheets, nil
}

func parseText(s string) cell.Value {
	if s == "" {
		return cell.Value{}
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return cell.Number(n)
	}
	return cell.Text(s)
}
