package storage

import (
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidRecord is returned when a record fails validation before any
// write is attempted. It is a caller error, not a store failure.
var ErrInvalidRecord = errors.New("invalid record")

// ErrUnavailable matches every *UnavailableError via errors.Is.
var ErrUnavailable = errors.New("store unavailable")

// UnavailableError wraps an I/O, SQL or decoding failure of the store.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return "store unavailable: " + e.Op + ": " + e.Err.Error()
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

func unavailable(op string, err error) error {
	return &UnavailableError{Op: op, Err: err}
}

// Outcome is the result of the turn that produced a record.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePartial Outcome = "partial"
	OutcomeUnknown Outcome = "unknown"
)

// ParseOutcome maps free-form outcome strings onto the enum. Anything
// unrecognised becomes OutcomeUnknown.
func ParseOutcome(s string) Outcome {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "success", "succeeded", "ok", "done":
		return OutcomeSuccess
	case "failure", "failed", "fail", "error":
		return OutcomeFailure
	case "partial":
		return OutcomePartial
	default:
		return OutcomeUnknown
	}
}

// Record is one stored unit of historical context.
type Record struct {
	ID          int64
	SessionID   string
	Prompt      string
	Payload     string
	Files       []string
	Outcome     Outcome
	Metadata    map[string]string
	CreatedAt   time.Time
	ContentHash string

	// Rank is the coarse text-match strength from the Query that returned
	// this record (higher is better). It is never persisted.
	Rank float64
}

// Query selects candidate records. Text is matched lexically against prompt
// and payload; Files matches records that touched any of the given paths.
type Query struct {
	Text      string
	Files     []string
	SessionID string
	Limit     int
}

// Stats holds aggregate store statistics.
type Stats struct {
	Records            int64     `json:"records"`
	Sessions           int64     `json:"sessions"`
	CompressedPayloads int64     `json:"compressed_payloads"`
	Oldest             time.Time `json:"oldest,omitempty"`
	Newest             time.Time `json:"newest,omitempty"`
}
