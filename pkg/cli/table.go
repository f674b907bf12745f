package cli

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/term"
)

// columnGap is the space between columns.
const columnGap = 2

// Table prints column-aligned rows. Rows are buffered until Flush so column
// widths fit the widest cell; on a terminal, wide columns are capped to the
// terminal width and their cells wrapped. Empty tables produce no output.
type Table struct {
	w       io.Writer
	headers []string
	rows    [][]string
	prefix  string
	// width is the terminal width; 0 disables capping.
	width int
}

// NewTable creates a table on stdout with the given column headers.
func NewTable(headers ...string) *Table {
	return NewTableTo(os.Stdout, headers...)
}

// NewTableTo creates a table writing to w.
func NewTableTo(w io.Writer, headers ...string) *Table {
	t := &Table{w: w, headers: headers}
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		if cols, _, err := term.GetSize(int(f.Fd())); err == nil {
			t.width = cols
		}
	}
	return t
}

// WithPrefix sets a string prepended to each line (headers, divider, rows).
// Useful for indenting sub-tables within larger output.
func (t *Table) WithPrefix(prefix string) *Table {
	t.prefix = prefix
	return t
}

// Row buffers one row.
func (t *Table) Row(values ...string) {
	t.rows = append(t.rows, values)
}

// Flush writes the headers, a dash divider and every buffered row. If no
// rows were added, nothing is printed.
func (t *Table) Flush() {
	if len(t.rows) == 0 {
		return
	}
	ncols := len(t.headers)
	for _, r := range t.rows {
		if len(r) > ncols {
			ncols = len(r)
		}
	}
	headers := pad(t.headers, ncols)
	widths := make([]int, ncols)
	for i, h := range headers {
		widths[i] = visualLen(h)
	}
	for _, r := range t.rows {
		for i, v := range r {
			if n := visualLen(v); n > widths[i] {
				widths[i] = n
			}
		}
	}
	if t.width > 0 {
		widths = capWidths(widths, headers, t.width, visualLen(t.prefix))
	}

	dividers := make([]string, ncols)
	for i, h := range headers {
		dividers[i] = strings.Repeat("-", visualLen(h))
	}
	t.line(widths, headers)
	t.line(widths, dividers)
	for _, r := range t.rows {
		cells := make([][]string, ncols)
		height := 1
		for i, v := range pad(r, ncols) {
			cells[i] = wrapCell(v, widths[i])
			if len(cells[i]) > height {
				height = len(cells[i])
			}
		}
		for l := 0; l < height; l++ {
			vals := make([]string, ncols)
			for i := range cells {
				if l < len(cells[i]) {
					vals[i] = cells[i][l]
				}
			}
			t.line(widths, vals)
		}
	}
	t.rows = nil
}

func (t *Table) line(widths []int, vals []string) {
	var sb strings.Builder
	sb.WriteString(t.prefix)
	for i, v := range vals {
		sb.WriteString(v)
		if i < len(vals)-1 {
			sb.WriteString(strings.Repeat(" ", max(widths[i]-visualLen(v), 0)+columnGap))
		}
	}
	fmt.Fprintln(t.w, strings.TrimRight(sb.String(), " "))
}

func pad(vals []string, n int) []string {
	out := make([]string, n)
	copy(out, vals)
	return out
}

var ansi = regexp.MustCompile("\x1b\\[[0-9;]*m")

// visualLen is the printed width of s, ignoring ANSI color codes.
func visualLen(s string) int {
	return utf8.RuneCountInString(ansi.ReplaceAllString(s, ""))
}

// capWidths shrinks the widest column, one column at a time, until the table
// fits termWidth. No column shrinks below its header; when nothing can
// shrink further the table is left wider than the terminal.
func capWidths(widths []int, headers []string, termWidth, prefix int) []int {
	out := append([]int(nil), widths...)
	mins := make([]int, len(out))
	for i := range out {
		if i < len(headers) {
			mins[i] = visualLen(headers[i])
		}
	}
	total := prefix + columnGap*(len(out)-1)
	for _, w := range out {
		total += w
	}
	for total > termWidth {
		widest := -1
		for i, w := range out {
			if w > mins[i] && (widest < 0 || w > out[widest]) {
				widest = i
			}
		}
		if widest < 0 {
			break
		}
		cut := total - termWidth
		if room := out[widest] - mins[widest]; cut > room {
			cut = room
		}
		out[widest] -= cut
		total -= cut
	}
	return out
}

// wrapCell splits s into lines no wider than width, breaking at spaces and
// hard-breaking words that are longer than a line. Cells that fit are
// returned unchanged, colors included.
func wrapCell(s string, width int) []string {
	if width <= 0 || visualLen(s) <= width {
		return []string{s}
	}
	var lines []string
	cur := ""
	for _, word := range strings.Fields(ansi.ReplaceAllString(s, "")) {
		for utf8.RuneCountInString(word) > width {
			if cur != "" {
				lines = append(lines, cur)
				cur = ""
			}
			r := []rune(word)
			lines = append(lines, string(r[:width]))
			word = string(r[width:])
		}
		switch {
		case cur == "":
			cur = word
		case utf8.RuneCountInString(cur)+1+utf8.RuneCountInString(word) <= width:
			cur += " " + word
		default:
			lines = append(lines, cur)
			cur = word
		}
	}
	if cur != "" || len(lines) == 0 {
		lines = append(lines, cur)
	}
	return lines
}
