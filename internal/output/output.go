// Package output renders command results as styled text, JSON or YAML.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

// Format selects how structured results are written.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat accepts "", "text", "json", "yaml" and "yml".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "text", "table":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	}
	return "", fmt.Errorf("unknown output format %q (want text, json or yaml)", s)
}

// Formatter writes to one destination in one format.
type Formatter struct {
	writer io.Writer
	format Format
	styles Styles
}

// New creates a formatter. Styles are plain unless w is a color terminal.
func New(w io.Writer, format Format) *Formatter {
	if format == "" {
		format = FormatText
	}
	return &Formatter{writer: w, format: format, styles: NewStyles(w)}
}

// Writer returns the destination.
func (f *Formatter) Writer() io.Writer { return f.writer }

// Format returns the output format.
func (f *Formatter) Format() Format { return f.format }

// Structured reports whether results should be encoded rather than drawn.
func (f *Formatter) Structured() bool { return f.format != FormatText }

// Styles returns the styles bound to the destination.
func (f *Formatter) Styles() Styles { return f.styles }

// Encode writes v as JSON or YAML. Text formatters fall back to JSON.
func (f *Formatter) Encode(v any) error {
	if f.format == FormatYAML {
		return WriteYAML(f.writer, v)
	}
	return WriteJSON(f.writer, v)
}

// Textln outputs formatted text with a newline.
func (f *Formatter) Textln(format string, args ...any) {
	fmt.Fprintf(f.writer, format+"\n", args...)
}

// Line outputs a blank line.
func (f *Formatter) Line() {
	fmt.Fprintln(f.writer)
}

// Field writes an aligned "label: value" line.
func (f *Formatter) Field(label string, value any) {
	fmt.Fprintf(f.writer, "  %s %v\n", f.styles.Muted.Render(fmt.Sprintf("%-14s", label+":")), value)
}

// Table starts a table on the formatter's writer with styled headers.
func (f *Formatter) Table(headers ...string) *Table {
	t := NewTable(f.writer, headers...)
	t.HeaderStyle = f.styles.Header
	return t
}

// WriteJSON writes v as indented JSON.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteYAML writes v as YAML. Values go through their JSON form first so
// field names and omitempty rules match the JSON output.
func WriteYAML(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return err
	}
	return enc.Close()
}

// PrintJSON writes v to stdout as indented JSON.
func PrintJSON(v any) error {
	return WriteJSON(os.Stdout, v)
}

// PrintYAML writes v to stdout as YAML.
func PrintYAML(v any) error {
	return WriteYAML(os.Stdout, v)
}

// PrintWarningf writes a warning line to stderr.
func PrintWarningf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Warning: "+format+"\n", args...)
}

// IsTerminal reports whether w is attached to a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// DefaultWidth is used when the terminal size is unknown.
const DefaultWidth = 100

// Width returns the terminal width of w, or DefaultWidth.
func Width(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok || !IsTerminal(w) {
		return DefaultWidth
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width <= 0 {
		return DefaultWidth
	}
	return width
}

// Pluralize returns singular or plural form based on count
func Pluralize(count int, singular, plural string) string {
	if count == 1 {
		return singular
	}
	return plural
}

// CountStr returns "N item(s)" string
func CountStr(count int, singular, plural string) string {
	return fmt.Sprintf("%d %s", count, Pluralize(count, singular, plural))
}
