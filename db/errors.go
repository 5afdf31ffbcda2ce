package db

import (
	"strings"

	"github.com/rubato-io/rubato/errors"
)

// ErrDatabaseClosed is returned when operations race a graceful shutdown
// that has already closed the connection.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed reports whether err indicates a closed connection.
// The string fallback covers raw driver errors that cannot be wrapped
// at the source.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDatabaseClosed) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "database is closed") ||
		strings.Contains(msg, "sql: database is closed")
}
