package database

import (
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"pipetrack/internal/config"
)

// New opens a connection pool for the configured backend and returns it
// together with the matching Dialect. The dialect is selected once here;
// nothing downstream inspects driver strings again.
func New(conf *config.PTConfig) (*sqlx.DB, Dialect, error) {
	dialect, err := FromName(conf.Database.Driver)
	if err != nil {
		return nil, nil, err
	}

	db, err := sqlx.Connect(dialect.DriverName(), conf.GetDatabaseURL())
	if err != nil {
		return nil, nil, err
	}
	return db, dialect, nil
}
