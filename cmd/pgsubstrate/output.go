package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"
	"unicode/utf8"
)

// output renders command results as an aligned table or as JSON.
type output struct {
	jsonMode bool
	w        io.Writer
	errW     io.Writer
}

func newOutput(w, errW io.Writer, jsonMode bool) *output {
	return &output{jsonMode: jsonMode, w: w, errW: errW}
}

// Print writes a table, or data as JSON in JSON mode.
func (o *output) Print(headers []string, rows [][]string, data any) error {
	if o.jsonMode {
		return o.JSON(data)
	}
	return o.Table(headers, rows)
}

func (o *output) Table(headers []string, rows [][]string) error {
	tw := tabwriter.NewWriter(o.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

func (o *output) JSON(v any) error {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Result prints a one-line message, or data as JSON in JSON mode.
func (o *output) Result(msg string, data any) error {
	if o.jsonMode {
		return o.JSON(data)
	}
	_, err := fmt.Fprintln(o.w, msg)
	return err
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return formatTime(*t)
}

// truncate shortens s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	if n <= 3 {
		return string(r[:max(n, 0)])
	}
	return string(r[:n-3]) + "..."
}
