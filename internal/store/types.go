package store

import "time"

// Storage backends accepted in storage.backend.
const (
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

const dayLayout = "2006-01-02"

// Day returns the calendar-day key that sent-record sets are stored under.
func Day(t time.Time) string {
	return t.Format(dayLayout)
}
