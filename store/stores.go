package store

import "database/sql"

// Stores bundles every store over one database handle. Workers and the
// server share a single bundle so they see the same pool.
type Stores struct {
	Users        *UserStore
	AuthSessions *AuthSessionStore
	Jobs         *JobStore
	Endpoints    *EndpointStore
	Runs         *RunStore
	AISessions   *AISessionStore
}

// NewStores builds the bundle.
func NewStores(db *sql.DB) *Stores {
	return &Stores{
		Users:        NewUserStore(db),
		AuthSessions: NewAuthSessionStore(db),
		Jobs:         NewJobStore(db),
		Endpoints:    NewEndpointStore(db),
		Runs:         NewRunStore(db),
		AISessions:   NewAISessionStore(db),
	}
}
