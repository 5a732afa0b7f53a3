package processor

import "fmt"

// MalformedRecordError marks one raw record that cannot be normalized.
// The orchestrator logs and skips it; it never aborts a run.
type MalformedRecordError struct {
	Kind   string
	ID     int64
	Reason string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed %s %d: %s", e.Kind, e.ID, e.Reason)
}

func malformed(kind string, id int64, format string, args ...interface{}) *MalformedRecordError {
	return &MalformedRecordError{Kind: kind, ID: id, Reason: fmt.Sprintf(format, args...)}
}
