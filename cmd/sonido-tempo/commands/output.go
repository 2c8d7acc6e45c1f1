package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/RyanBlaney/sonido-tempo/store"
	"github.com/RyanBlaney/sonido-tempo/tempo"
)

// Output formats.
const (
	formatTable = "table"
	formatJSON  = "json"
)

// maxListed caps the per-window estimates shown in a table cell.
const maxListed = 8

var (
	accent    = lipgloss.Color("#00ff9f")
	dim       = lipgloss.Color("#6e7681")
	failColor = lipgloss.Color("#ff5f5f")

	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(accent).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	failStyle   = cellStyle.Foreground(failColor)
	footerStyle = lipgloss.NewStyle().Foreground(dim)
)

// row is the printable form of a result, shared by live runs and stored
// records.
type row struct {
	Path      string `json:"path"`
	TrackID   string `json:"track_id"`
	Summary   *int   `json:"summary,omitempty"`
	Estimates []int  `json:"estimates,omitempty"`
	Kind      string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

func rowFromResult(r tempo.TrackResult) row {
	out := row{
		Path:      r.Track.Path,
		TrackID:   r.Track.ID,
		Summary:   r.Summary,
		Estimates: r.Estimates,
		ElapsedMS: r.Elapsed.Milliseconds(),
	}
	if r.Err != nil {
		out.Kind = r.Err.Kind.String()
		out.Error = r.Err.Err.Error()
	}
	return out
}

func rowFromRecord(r *store.Record) row {
	out := row{
		Path:      r.Path,
		TrackID:   r.TrackID,
		Summary:   r.Summary,
		Estimates: r.Estimates,
		Error:     r.Error,
		ElapsedMS: r.ElapsedMS,
	}
	if !r.OK() {
		out.Kind = r.ErrorKind.String()
	}
	return out
}

func (r row) failed() bool {
	return r.Kind != ""
}

func (r row) summaryCell() string {
	if r.Summary == nil {
		return "-"
	}
	return strconv.Itoa(*r.Summary)
}

func (r row) estimatesCell() string {
	if r.failed() {
		return r.Kind
	}
	parts := make([]string, 0, min(len(r.Estimates), maxListed))
	for i, v := range r.Estimates {
		if i == maxListed {
			parts = append(parts, fmt.Sprintf("… (+%d)", len(r.Estimates)-maxListed))
			break
		}
		parts = append(parts, strconv.Itoa(v))
	}
	return strings.Join(parts, " ")
}

func writeRows(w io.Writer, format string, rows []row, footer string) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		for _, r := range rows {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return nil
	case formatTable, "":
		_, err := fmt.Fprintln(w, renderTable(rows, footer))
		return err
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func renderTable(rows []row, footer string) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(accent)).
		Headers("TRACK", "BPM", "WINDOWS", "ESTIMATES", "TIME")

	for _, r := range rows {
		t.Row(
			filepath.Base(r.Path),
			r.summaryCell(),
			strconv.Itoa(len(r.Estimates)),
			r.estimatesCell(),
			(time.Duration(r.ElapsedMS) * time.Millisecond).String(),
		)
	}

	t.StyleFunc(func(i, col int) lipgloss.Style {
		if i == table.HeaderRow {
			return headerStyle
		}
		if i >= 0 && i < len(rows) && rows[i].failed() {
			return failStyle
		}
		return cellStyle
	})

	if footer == "" {
		return t.Render()
	}
	return t.Render() + "\n" + footerStyle.Render(footer)
}

func reportFooter(report *tempo.Report) string {
	s := fmt.Sprintf("run %s: %d ok, %d failed in %s",
		report.RunID, report.Succeeded, report.Failed, report.Elapsed.Round(time.Millisecond))
	if report.Cancelled {
		s += " (cancelled)"
	}
	return s
}
