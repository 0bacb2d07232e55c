package output

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/Dicklesworthstone/agentwatch/internal/util"
)

// Table outputs tabular data in text format. Widths are measured in
// terminal cells so wide runes line up.
type Table struct {
	writer  io.Writer
	headers []string
	rows    [][]string
	widths  []int
	max     map[int]int

	// HeaderStyle is applied to the header row after padding.
	HeaderStyle lipgloss.Style
	// Colorize, when set, styles a cell after padding. row indexes the
	// rows in the order they were added.
	Colorize func(row, col int, cell string) string
}

// NewTable creates a new table with headers
func NewTable(w io.Writer, headers ...string) *Table {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = runewidth.StringWidth(h)
	}
	return &Table{
		writer:  w,
		headers: headers,
		widths:  widths,
		max:     make(map[int]int),
	}
}

// SetMaxWidth truncates cells in column col to n cells.
func (t *Table) SetMaxWidth(col, n int) {
	t.max[col] = n
	if col < len(t.widths) && t.widths[col] > n {
		t.widths[col] = n
	}
}

// AddRow adds a row to the table
func (t *Table) AddRow(cols ...string) {
	row := make([]string, len(t.headers))
	for i := range row {
		if i >= len(cols) {
			continue
		}
		c := cols[i]
		if n, ok := t.max[i]; ok {
			c = util.Truncate(c, n)
		}
		row[i] = c
		if w := runewidth.StringWidth(c); w > t.widths[i] {
			t.widths[i] = w
		}
	}
	t.rows = append(t.rows, row)
}

// Len returns the number of rows added.
func (t *Table) Len() int { return len(t.rows) }

// Render outputs the table
func (t *Table) Render() {
	cells := make([]string, len(t.headers))
	for i, h := range t.headers {
		cells[i] = t.HeaderStyle.Render(util.PadRight(h, t.widths[i]))
	}
	t.line(cells)

	for i, w := range t.widths {
		cells[i] = strings.Repeat("-", w)
	}
	t.line(cells)

	for r, row := range t.rows {
		for i, c := range row {
			padded := util.PadRight(c, t.widths[i])
			if t.Colorize != nil {
				padded = t.Colorize(r, i, padded)
			}
			cells[i] = padded
		}
		t.line(cells)
	}
}

func (t *Table) line(cells []string) {
	fmt.Fprintln(t.writer, strings.TrimRight("  "+strings.Join(cells, "  "), " "))
}
