package printer

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/kimhsiao/offlinegate/internal/models"
)

// OutputFormat selects how record lists are written.
type OutputFormat string

const (
	OutputFormatDefault OutputFormat = "default"
	OutputFormatJSONL   OutputFormat = "jsonl"
)

// ParseOutputFormat validates a --output flag value.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case OutputFormatDefault, OutputFormatJSONL:
		return OutputFormat(s), nil
	default:
		return "", fmt.Errorf("unknown output format %q", s)
	}
}

// maskedFields are never shown in table output.
var maskedFields = map[string]bool{"password": true, "contraseña": true}

// PendingTable writes queued submissions as a table and returns the row count.
func PendingTable(w io.Writer, records []models.PendingRecord) int {
	if len(records) == 0 {
		fmt.Fprintln(w, "No pending submissions")
		return 0
	}

	fmt.Fprintf(w, "%-6s %-8s %s\n", "ID", "AGE", "PAYLOAD")
	fmt.Fprintf(w, "%-6s %-8s %s\n", "------", "--------", "----------------------------------------")
	for _, r := range records {
		fmt.Fprintf(w, "%-6d %-8s %s\n", r.ID, formatAge(r.CreatedAt), formatPayload(r.Payload))
	}

	noun := "submission"
	if len(records) != 1 {
		noun = "submissions"
	}
	fmt.Fprintf(w, "\n%d pending %s\n", len(records), noun)
	return len(records)
}

// PendingJSONL writes one complete record per line, unmasked.
func PendingJSONL(w io.Writer, records []models.PendingRecord) error {
	enc := json.NewEncoder(w)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}
	return nil
}

// MaskPayload returns a copy of payload with secret fields replaced.
func MaskPayload(payload map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		if maskedFields[strings.ToLower(k)] {
			v = "****"
		}
		out[k] = v
	}
	return out
}

// formatPayload renders key=value pairs in key order, masking secrets and
// truncating the result to 60 characters.
func formatPayload(payload map[string]interface{}) string {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	masked := MaskPayload(payload)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+fmt.Sprint(masked[k]))
	}

	s := strings.Join(parts, " ")
	if r := []rune(s); len(r) > 60 {
		s = string(r[:57]) + "..."
	}
	return s
}

// formatAge renders a Unix timestamp as a compact age.
func formatAge(unix int64) string {
	if unix <= 0 {
		return "-"
	}
	d := time.Since(time.Unix(unix, 0))
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
