package store

import "time"

// Category groups journal entries.
type Category string

const (
	CategoryPhase      Category = "phase"
	CategoryViolation  Category = "violation"
	CategoryUpload     Category = "upload"
	CategoryPermission Category = "permission"
)

// Entry is one row of the local diagnostic journal.
type Entry struct {
	ID          int64
	SessionID   string
	Category    Category
	Kind        string
	Detail      string
	OK          bool
	Error       string
	TimestampNs int64
}

// Time returns the entry timestamp.
func (e *Entry) Time() time.Time {
	return time.Unix(0, e.TimestampNs)
}
