package db

import (
	"database/sql"

	"github.com/rubato-io/rubato/errors"
)

// Stats holds row counts for the operational tables, surfaced by
// `rubato db stats`.
type Stats struct {
	Users      int `json:"users"`
	Jobs       int `json:"jobs"`
	Endpoints  int `json:"endpoints"`
	Runs       int `json:"runs"`
	AISessions int `json:"ai_sessions"`
}

// GetStats counts rows in each core table.
func GetStats(db *sql.DB) (*Stats, error) {
	stats := &Stats{}
	counts := []struct {
		table string
		dest  *int
	}{
		{"users", &stats.Users},
		{"jobs", &stats.Jobs},
		{"endpoints", &stats.Endpoints},
		{"runs", &stats.Runs},
		{"ai_sessions", &stats.AISessions},
	}
	for _, c := range counts {
		if err := db.QueryRow("SELECT COUNT(*) FROM " + c.table).Scan(c.dest); err != nil {
			return nil, errors.Wrapf(err, "counting %s", c.table)
		}
	}
	return stats, nil
}
