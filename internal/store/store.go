package store

import (
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"pipetrack/internal/database"
)

// Store is the registry store: every component reads and writes the shared
// relational schema through it. All cross-process coordination in the system
// goes through these tables; there is no other channel.
type Store struct {
	db      *sqlx.DB
	dialect database.Dialect
}

// New wraps an open connection pool with its dialect
func New(db *sqlx.DB, dialect database.Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// DB exposes the underlying pool, mostly for test fixtures
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Dialect returns the SQL dialect the store was opened with
func (s *Store) Dialect() database.Dialect {
	return s.dialect
}

func (s *Store) Close() error {
	return s.db.Close()
}

func rollbackTx(tx *sqlx.Tx) {
	if err := tx.Rollback(); err != nil {
		log.Error().Err(err).Msg("Could not rollback transaction")
	}
}
