package common

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/mattn/go-isatty"
	"gopkg.in/yaml.v3"
)

const (
	FormatTable = "table"
	FormatJSON  = "json"
	FormatYAML  = "yaml"
)

// Format returns the output format picked by --json or --output.
func Format() (string, error) {
	if Opts.JSON {
		return FormatJSON, nil
	}
	switch f := strings.ToLower(Opts.Output); f {
	case "", FormatTable:
		return FormatTable, nil
	case FormatJSON, FormatYAML:
		return f, nil
	default:
		return "", fmt.Errorf("unknown output format %q (table, json or yaml)", Opts.Output)
	}
}

// Render writes v as JSON or YAML, or calls table for the human format.
// Without a table function the human format is indented JSON.
func Render(w io.Writer, v any, table func(io.Writer) error) error {
	format, err := Format()
	if err != nil {
		return err
	}

	if format == FormatTable && table != nil {
		return table(w)
	}

	switch format {
	case FormatYAML:
		native, err := toNative(v)
		if err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(native); err != nil {
			return err
		}
		return enc.Close()
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		enc.SetEscapeHTML(false)
		return enc.Encode(v)
	}
}

// toNative round-trips v through JSON so YAML output uses the same field
// names as JSON output.
func toNative(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var native any
	if err := json.Unmarshal(data, &native); err != nil {
		return nil, err
	}
	return native, nil
}

// NewTable returns a tab-aligned writer; call Flush when done.
func NewTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

const (
	Green  = "\033[32m"
	Yellow = "\033[33m"
	Red    = "\033[31m"
	reset  = "\033[0m"
)

// Color wraps s in an ANSI color when stdout is a terminal.
func Color(s, color string) string {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		return s
	}
	return color + s + reset
}

// OnlineLabel renders a device's connectivity.
func OnlineLabel(online bool) string {
	if online {
		return Color("Online", Green)
	}
	return Color("Offline", Red)
}
