package queue

import (
	"database/sql/driver"
	"fmt"
)

// Status represents the lifecycle state of an analysis job.
// Transitions are one-directional: queued -> processing -> completed|failed.
type Status int

// job lifecycle states
const (
	StatusQueued Status = iota
	StatusProcessing
	StatusCompleted
	StatusFailed
)

var statusNames = map[Status]string{
	StatusQueued:     "queued",
	StatusProcessing: "processing",
	StatusCompleted:  "completed",
	StatusFailed:     "failed",
}

// String returns the lowercase name of the status
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// Terminal reports whether the status is final, i.e. completed or failed
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseStatus converts a string to Status, case-sensitive
func ParseStatus(v string) (Status, error) {
	for s, name := range statusNames {
		if name == v {
			return s, nil
		}
	}
	return StatusQueued, fmt.Errorf("invalid job status %q", v)
}

// MarshalText implements encoding.TextMarshaler for JSON responses
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *Status) UnmarshalText(b []byte) error {
	parsed, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Value implements driver.Valuer, stores status as string
func (s Status) Value() (driver.Value, error) {
	return s.String(), nil
}

// Scan implements sql.Scanner
func (s *Status) Scan(value any) error {
	switch v := value.(type) {
	case string:
		return s.UnmarshalText([]byte(v))
	case []byte:
		return s.UnmarshalText(v)
	default:
		return fmt.Errorf("can't scan job status from %T", value)
	}
}
