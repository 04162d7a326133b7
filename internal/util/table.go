package util

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
)

// TableColumn represents a column in a table
type TableColumn struct {
	Header string
	Key    string // key to extract from a row
	Right  bool   // right-align, for numbers
	width  int
}

// RenderTable writes rows as an aligned table with a bold header. Cells may
// carry ANSI colour codes.
func RenderTable(w io.Writer, columns []TableColumn, rows []map[string]any) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No data to display")
		return
	}

	for i := range columns {
		columns[i].width = displayWidth(columns[i].Header)
		for _, row := range rows {
			if width := displayWidth(cell(row, columns[i].Key)); width > columns[i].width {
				columns[i].width = width
			}
		}
	}

	bold := color.New(color.Bold)
	parts := make([]string, len(columns))
	for i, col := range columns {
		parts[i] = bold.Sprint(pad(col.Header, col.width, col.Right))
	}
	fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))

	for i, col := range columns {
		parts[i] = strings.Repeat("-", col.width)
	}
	fmt.Fprintln(w, strings.Join(parts, "  "))

	for _, row := range rows {
		for i, col := range columns {
			parts[i] = pad(cell(row, col.Key), col.width, col.Right)
		}
		fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))
	}
}

func cell(row map[string]any, key string) string {
	v, ok := row[key]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

// stripANSI removes SGR escape sequences.
func stripANSI(s string) string {
	for {
		start := strings.Index(s, "\033[")
		if start == -1 {
			return s
		}
		end := strings.IndexByte(s[start:], 'm')
		if end == -1 {
			return s
		}
		s = s[:start] + s[start+end+1:]
	}
}

func displayWidth(s string) int {
	return len([]rune(stripANSI(s)))
}

func pad(s string, width int, right bool) string {
	gap := width - displayWidth(s)
	if gap <= 0 {
		return s
	}
	if right {
		return strings.Repeat(" ", gap) + s
	}
	return s + strings.Repeat(" ", gap)
}
