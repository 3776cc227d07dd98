package health

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
)

var statusMarks = map[Status]string{
	StatusPass:    "ok",
	StatusFail:    "FAIL",
	StatusWarning: "warn",
	StatusError:   "ERROR",
}

// WriteText renders the report grouped by category for terminal output.
func (r *Report) WriteText(w io.Writer) error {
	var sb strings.Builder
	sb.WriteString("Health check results\n")
	sb.WriteString(fmt.Sprintf("  total: %d  passed: %d  failed: %d  warnings: %d  errors: %d\n",
		r.Total, r.Passed, r.Failed, r.Warnings, r.Errors))

	byCategory := map[string][]Check{}
	for _, check := range r.Checks {
		byCategory[check.Category] = append(byCategory[check.Category], check)
	}

	categories := make([]string, 0, len(byCategory))
	for category := range byCategory {
		categories = append(categories, category)
	}
	sort.Strings(categories)

	for _, category := range categories {
		sb.WriteString("\n" + strings.ToUpper(category) + "\n")
		for _, check := range byCategory[category] {
			mark := statusMarks[check.Status]
			if mark == "" {
				mark = "?"
			}
			sb.WriteString(fmt.Sprintf("  [%-5s] %s: %s\n", mark, check.Name, check.Message))
		}
	}

	sb.WriteString("\n")
	switch {
	case r.Healthy() && r.Warnings == 0:
		sb.WriteString("system health: ok\n")
	case r.Healthy():
		sb.WriteString("system health: warnings present\n")
	default:
		sb.WriteString("system health: issues detected\n")
	}

	_, err := io.WriteString(w, sb.String())
	return err
}

// WriteJSON renders the report as indented JSON.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
