package domain

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Status is the lifecycle state of an order. The set is open: values
// outside the four known ones are carried verbatim and rank as processing.
type Status string

const (
	StatusCreated    Status = "created"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// aliases maps the spellings used by the backend (and older clients) onto
// the canonical statuses.
var aliases = map[string]Status{
	"created":     StatusCreated,
	"new":         StatusCreated,
	"pending":     StatusCreated,
	"processing":  StatusProcessing,
	"in_progress": StatusProcessing,
	"completed":   StatusCompleted,
	"confirmed":   StatusCompleted,
	"cancelled":   StatusCancelled,
	"canceled":    StatusCancelled,
}

// ParseStatus normalizes a wire status. Empty input yields "".
func ParseStatus(raw string) Status {
	s := strings.ToLower(strings.TrimSpace(norm.NFC.String(raw)))
	if s == "" {
		return ""
	}
	s = strings.Join(strings.Fields(s), "_")
	if st, ok := aliases[s]; ok {
		return st
	}
	return Status(s)
}

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Rank orders statuses along created -> processing -> terminal.
func (s Status) Rank() int {
	switch {
	case s == "":
		return -1
	case s == StatusCreated:
		return 0
	case s.IsTerminal():
		return 2
	default:
		return 1
	}
}

// CanAdvanceTo reports whether an observed status may replace s.
// Terminal statuses are sticky and a status never moves backwards.
func (s Status) CanAdvanceTo(next Status) bool {
	if next == "" || next == s || s.IsTerminal() {
		return false
	}
	return next.Rank() >= s.Rank()
}
