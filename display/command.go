package display

import (
	"fmt"
	"io"
	"time"

	"github.com/pterm/pterm"

	"github.com/teranos/segpulse/errors"
)

// OutputJSON marshals v and writes it to w
func OutputJSON(w io.Writer, v interface{}) error {
	data, err := MarshalJSON(v)
	if err != nil {
		return errors.Wrap(err, "failed to marshal JSON")
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// Table renders rows under a header with pterm
func Table(w io.Writer, header []string, rows [][]string) error {
	data := pterm.TableData{header}
	data = append(data, rows...)
	return pterm.DefaultTable.WithHasHeader().WithWriter(w).WithData(data).Render()
}

// Truncate shortens s to n runes, marking the cut with "…"
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n || n < 1 {
		return s
	}
	return string(r[:n-1]) + "…"
}

// Timestamp formats t for tables, "-" when unset
func Timestamp(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
