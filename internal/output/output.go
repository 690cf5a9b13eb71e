// Package output provides styled terminal output helpers using lipgloss.
package output

import (
	"encoding/json"
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/marin/pos/internal/models"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	dirtyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	deletedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("242")).Strikethrough(true)
)

// Success prints a success message
func Success(format string, args ...interface{}) {
	fmt.Println(successStyle.Render(fmt.Sprintf(format, args...)))
}

// Error prints an error message
func Error(format string, args ...interface{}) {
	fmt.Println(errorStyle.Render("ERROR: " + fmt.Sprintf(format, args...)))
}

// Warning prints a warning message
func Warning(format string, args ...interface{}) {
	fmt.Println(warningStyle.Render("Warning: " + fmt.Sprintf(format, args...)))
}

// Info prints an info message
func Info(format string, args ...interface{}) {
	fmt.Println(fmt.Sprintf(format, args...))
}

// Title prints a bold heading
func Title(format string, args ...interface{}) {
	fmt.Println(titleStyle.Render(fmt.Sprintf(format, args...)))
}

// Subtle prints de-emphasized text
func Subtle(format string, args ...interface{}) {
	fmt.Println(subtleStyle.Render(fmt.Sprintf(format, args...)))
}

// Record prints one record in short form: id, dirty marker, field summary.
func Record(rec *models.Record) {
	id := rec.ID
	if rec.Deleted {
		id = deletedStyle.Render(id)
	}
	marker := " "
	if rec.Dirty {
		marker = dirtyStyle.Render("*")
	}
	fields, _ := json.Marshal(rec.Fields)
	fmt.Printf("%s%s  rev=%s  %s\n", marker, id, revOrDash(rec.ServerRevision), string(fields))
}

// RecordJSON prints one record as a JSON object including local metadata.
func RecordJSON(rec *models.Record) error {
	out := map[string]any{
		"collection":      rec.Collection,
		"id":              rec.ID,
		"fields":          rec.Fields,
		"server_revision": rec.ServerRevision,
		"local_revision":  rec.LocalRevision,
		"dirty":           rec.Dirty,
		"deleted":         rec.Deleted,
		"updated_at":      rec.UpdatedAt,
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func revOrDash(rev string) string {
	if rev == "" {
		return "-"
	}
	return rev
}
